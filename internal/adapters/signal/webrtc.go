package signal

import (
	"context"
	"fmt"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/goccy/go-json"
)

func (ctl *SignalWSController) handleCreateTransport(ctx context.Context, id domain.ConnectionID, data json.RawMessage) (any, error) {
	var p struct {
		Sender bool `json:"sender"`
	}
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	return ctl.Orch.CreateTransport(ctx, id, p.Sender)
}

// handleTransportConnect serves both connect events. An explicit sender flag
// in the payload overrides the event's direction.
func (ctl *SignalWSController) handleTransportConnect(dir domain.Direction) handler {
	return func(ctx context.Context, id domain.ConnectionID, data json.RawMessage) (any, error) {
		var p struct {
			Sender *bool `json:"sender"`
			core.ConnectParams
		}
		if err := decode(data, &p); err != nil {
			return nil, err
		}
		d := dir
		if p.Sender != nil {
			d = domain.DirectionOf(*p.Sender)
		}
		return nil, ctl.Orch.ConnectTransport(ctx, id, d, p.ConnectParams)
	}
}

func (ctl *SignalWSController) handleProduce(ctx context.Context, id domain.ConnectionID, data json.RawMessage) (any, error) {
	var p struct {
		Kind          domain.MediaKind     `json:"kind"`
		RTPParameters domain.RTPParameters `json:"rtpParameters"`
		AppData       core.AppData         `json:"appData"`
	}
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	return ctl.Orch.Produce(ctx, id, p.Kind, p.RTPParameters, p.AppData.MediaTag)
}

func (ctl *SignalWSController) handleGetProducers(_ context.Context, id domain.ConnectionID, _ json.RawMessage) (any, error) {
	return ctl.Orch.Producers(id)
}

func (ctl *SignalWSController) handleConsume(ctx context.Context, id domain.ConnectionID, data json.RawMessage) (any, error) {
	var p struct {
		ProducerID      domain.ProducerID      `json:"producerId"`
		RTPCapabilities domain.RTPCapabilities `json:"rtpCapabilities"`
	}
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	if p.ProducerID == "" {
		return nil, fmt.Errorf("%w: producerId required", core.ErrBadRequest)
	}
	return ctl.Orch.Consume(ctx, id, p.ProducerID, p.RTPCapabilities)
}

func (ctl *SignalWSController) handleConsumerResume(_ context.Context, id domain.ConnectionID, data json.RawMessage) (any, error) {
	var p struct {
		ProducerID domain.ProducerID `json:"producerId"`
	}
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	return nil, ctl.Orch.ResumeConsumer(id, p.ProducerID)
}

func (ctl *SignalWSController) handlePause(_ context.Context, id domain.ConnectionID, _ json.RawMessage) (any, error) {
	ctl.Orch.PauseProducers(id)
	return nil, nil
}

func (ctl *SignalWSController) handleResume(_ context.Context, id domain.ConnectionID, _ json.RawMessage) (any, error) {
	ctl.Orch.ResumeProducers(id)
	return nil, nil
}
