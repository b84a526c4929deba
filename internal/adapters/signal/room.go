package signal

import (
	"context"
	"fmt"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

type targetPayload struct {
	ConnectionID domain.ConnectionID `json:"connectionId"`
}

func decodeTarget(data json.RawMessage) (domain.ConnectionID, error) {
	var p targetPayload
	if err := decode(data, &p); err != nil {
		return "", err
	}
	if p.ConnectionID == "" {
		return "", fmt.Errorf("%w: connectionId required", core.ErrBadRequest)
	}
	return p.ConnectionID, nil
}

func (ctl *SignalWSController) handleCreateRoom(ctx context.Context, id domain.ConnectionID, _ json.RawMessage) (any, error) {
	created, err := ctl.Orch.CreateRoom(ctx, id)
	if err != nil {
		return nil, err
	}
	log.Info().Str("module", "signal").Str("conn", string(id)).Bool("admin", created.IsAdmin).Msg("room entered")
	return created, nil
}

func (ctl *SignalWSController) handleJoinDecision(approve bool) handler {
	return func(_ context.Context, id domain.ConnectionID, data json.RawMessage) (any, error) {
		target, err := decodeTarget(data)
		if err != nil {
			return nil, err
		}
		return nil, ctl.Orch.DecideJoin(id, target, approve)
	}
}

func (ctl *SignalWSController) handleBoot(_ context.Context, id domain.ConnectionID, data json.RawMessage) (any, error) {
	target, err := decodeTarget(data)
	if err != nil {
		return nil, err
	}
	return nil, ctl.Orch.Boot(id, target)
}
