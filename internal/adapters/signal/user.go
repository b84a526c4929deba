package signal

import (
	"context"
	"fmt"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleJoinRequest(_ context.Context, id domain.ConnectionID, data json.RawMessage) (any, error) {
	var p struct {
		Name string `json:"name"`
	}
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	if !ctl.Limiter.Allow(id) {
		return nil, fmt.Errorf("%w: join requests", core.ErrRateLimited)
	}
	state, err := ctl.Orch.JoinRequest(id, p.Name)
	if err != nil {
		return nil, err
	}
	log.Info().Str("module", "signal").Str("conn", string(id)).Str("name", p.Name).Str("state", state.State).Msg("join request")
	return state, nil
}

func (ctl *SignalWSController) handleRaiseHand(_ context.Context, id domain.ConnectionID, data json.RawMessage) (any, error) {
	var p struct {
		Name string `json:"name"`
	}
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	return nil, ctl.Orch.RaiseHand(id, p.Name)
}
