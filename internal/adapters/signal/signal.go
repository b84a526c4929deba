package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Huddle/internal/app/orch"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// Options tune the websocket pumps.
type Options struct {
	ReadLimit    int64
	PingPeriod   time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
}

func DefaultOptions() Options {
	return Options{
		ReadLimit:    32768,
		PingPeriod:   54 * time.Second,
		WriteTimeout: 5 * time.Second,
		SendBuffer:   32,
	}
}

type SignalWSController struct {
	Orch    *orch.Orchestrator
	Limiter *JoinRateLimiter
	Opts    Options

	roomHandlers    map[string]handler
	defaultHandlers map[string]handler
}

func NewSignalWSController(o *orch.Orchestrator, limiter *JoinRateLimiter, opts Options) *SignalWSController {
	ctl := &SignalWSController{
		Orch:    o,
		Limiter: limiter,
		Opts:    opts,
	}
	ctl.defaultHandlers = map[string]handler{
		"ping":           ctl.handlePing,
		"list-rooms":     ctl.handleListRooms,
		"join-namespace": ctl.handleJoinNamespace,
	}
	ctl.roomHandlers = map[string]handler{
		"ping":                   ctl.handlePing,
		"join-request":           ctl.handleJoinRequest,
		"join-approval":          ctl.handleJoinDecision(true),
		"join-rejection":         ctl.handleJoinDecision(false),
		"create-room":            ctl.handleCreateRoom,
		"boot":                   ctl.handleBoot,
		"raise-hand":             ctl.handleRaiseHand,
		"create-transport":       ctl.handleCreateTransport,
		"transport-connect":      ctl.handleTransportConnect(domain.DirectionSend),
		"transport-recv-connect": ctl.handleTransportConnect(domain.DirectionRecv),
		"transport-produce":      ctl.handleProduce,
		"get-producers":          ctl.handleGetProducers,
		"consume":                ctl.handleConsume,
		"consumer-resume":        ctl.handleConsumerResume,
		"pause":                  ctl.handlePause,
		"resume":                 ctl.handleResume,
	}
	return ctl
}

func (ctl *SignalWSController) handlers(ns domain.RoomName) map[string]handler {
	if ns == orch.DefaultNamespace {
		return ctl.defaultHandlers
	}
	return ctl.roomHandlers
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

// Close ends the send side. The write pump flushes what is queued, sends a
// close frame and then drops the socket.
func (c *WsSignalConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and attaches the link to namespace ns.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context, ns domain.RoomName) {
	client := c.GetString("client_token")
	log.Info().Str("module", "signal").Str("client", client).Str("namespace", string(ns)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, ctl.Opts.SendBuffer),
	}

	ctx, cancel := context.WithCancel(ctx)
	member := ctl.Orch.Connect(ns, client, conn, cancel)

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, member.ID, ns, conn)
}
