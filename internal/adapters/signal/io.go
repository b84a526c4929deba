package signal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// handler serves one event type. A nil result acknowledges without data.
type handler func(ctx context.Context, id domain.ConnectionID, data json.RawMessage) (any, error)

type envelope struct {
	Type string          `json:"type"`
	ID   *int64          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type response struct {
	Type  string          `json:"type"`
	ID    int64           `json:"id"`
	Data  any             `json:"data,omitempty"`
	Error *core.ErrorBody `json:"error,omitempty"`
}

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.Opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
		_ = c.conn.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.Opts.WriteTimeout)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump flushed, closing")
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(ctl.Opts.WriteTimeout))
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.Opts.WriteTimeout)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, id domain.ConnectionID, ns domain.RoomName, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("conn", string(id)).Msg("readPump closing")
		cancel()
		c.Close()
		ctl.Orch.Disconnect(id)
		ctl.Limiter.Forget(id)
	}()

	pongWait := ctl.Opts.PingPeriod * 10 / 9
	c.conn.SetReadLimit(ctl.Opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("module", "signal").Str("conn", string(id)).Msg("readPump read error")
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		ctl.handleSignal(ctx, id, ns, c, data)
	}
}

// handleSignal decodes one envelope and runs its handler. Requests carrying
// an id always get a response.
func (ctl *SignalWSController) handleSignal(ctx context.Context, id domain.ConnectionID, ns domain.RoomName, c core.SignalConnection, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("conn", string(id)).Msg("bad json")
		ctl.sendEvent(c, core.EventError, core.NewErrorBody(fmt.Errorf("%w: malformed envelope", core.ErrBadRequest)))
		return
	}

	var (
		result any
		err    error
	)
	if h, ok := ctl.handlers(ns)[env.Type]; ok {
		result, err = h(ctx, id, env.Data)
	} else {
		err = fmt.Errorf("%w: unknown event %q", core.ErrBadRequest, env.Type)
	}

	if env.ID != nil {
		resp := response{Type: "response", ID: *env.ID}
		if err != nil {
			resp.Error = core.NewErrorBody(err)
		} else {
			resp.Data = result
		}
		ctl.sendJSON(c, resp)
		return
	}
	if err == nil {
		return
	}
	if errors.Is(err, core.ErrNotFound) {
		log.Debug().Err(err).Str("module", "signal").Str("conn", string(id)).Str("type", env.Type).Msg("dropped")
		return
	}
	body := core.NewErrorBody(err)
	body.Request = env.Type
	ctl.sendEvent(c, core.EventError, body)
}

// decode unmarshals an optional payload into v.
func decode(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", core.ErrBadRequest, err)
	}
	return nil
}

func (ctl *SignalWSController) sendEvent(c core.SignalConnection, typ string, data any) {
	frame, err := core.EncodeEvent(typ, data)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("encode event")
		return
	}
	_ = c.TrySend(frame)
}

func (ctl *SignalWSController) sendJSON(c core.SignalConnection, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}
