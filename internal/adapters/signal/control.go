package signal

import (
	"context"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handlePing(_ context.Context, id domain.ConnectionID, _ json.RawMessage) (any, error) {
	conn, ok := ctl.Orch.Registry.Find(id)
	if !ok {
		return nil, core.ErrNotFound
	}
	ctl.sendJSON(conn.Signal, struct {
		Type string `json:"type"`
	}{Type: "pong"})
	return nil, nil
}

func (ctl *SignalWSController) handleListRooms(_ context.Context, _ domain.ConnectionID, _ json.RawMessage) (any, error) {
	return ctl.Orch.ListRooms(), nil
}

func (ctl *SignalWSController) handleJoinNamespace(_ context.Context, id domain.ConnectionID, data json.RawMessage) (any, error) {
	var p struct {
		Room string `json:"room"`
	}
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	joined, err := ctl.Orch.JoinNamespace(p.Room)
	if err != nil {
		return nil, err
	}
	log.Info().Str("module", "signal").Str("conn", string(id)).Str("namespace", string(joined.Namespace)).Msg("join namespace")
	return joined, nil
}
