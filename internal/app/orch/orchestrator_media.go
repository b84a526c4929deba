package orch

import (
	"context"
	"fmt"

	"github.com/dkeye/Huddle/internal/app"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

type Produced struct {
	ID domain.ProducerID `json:"id"`
}

type Consumed struct {
	ID            domain.ConsumerID    `json:"id"`
	ProducerID    domain.ProducerID    `json:"producerId"`
	Kind          domain.MediaKind     `json:"kind"`
	RTPParameters domain.RTPParameters `json:"rtpParameters"`
	AppData       core.AppData         `json:"appData"`
	ConnectionID  domain.ConnectionID  `json:"connectionId"`
}

// CreateTransport returns the caller's transport for the given direction,
// creating it on first use. Sending requires an approved admission.
func (o *Orchestrator) CreateTransport(ctx context.Context, id domain.ConnectionID, sender bool) (core.TransportParams, error) {
	_, room, err := o.roomOf(id)
	if err != nil {
		return core.TransportParams{}, err
	}
	if sender && !o.Admission.IsApproved(id) {
		return core.TransportParams{}, core.ErrAdmissionDenied
	}
	dir := domain.DirectionOf(sender)
	rec, err := o.Ledger.GetOrCreateTransport(ctx, id, dir, func(ctx context.Context) (core.Transport, error) {
		t, err := room.Router.CreateWebRTCTransport(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: create transport: %v", core.ErrEngine, err)
		}
		return t, nil
	})
	if err != nil {
		return core.TransportParams{}, err
	}
	log.Debug().Str("module", "orch").Str("conn", string(id)).Str("dir", dir.String()).Str("transport", string(rec.Handle.ID())).Msg("transport ready")
	return rec.Handle.Params(), nil
}

// ConnectTransport completes the DTLS handshake. Only the first call reaches
// the engine.
func (o *Orchestrator) ConnectTransport(ctx context.Context, id domain.ConnectionID, dir domain.Direction, params core.ConnectParams) error {
	rec, first, err := o.Ledger.BeginConnect(id, dir)
	if err != nil || !first {
		return err
	}
	if err := rec.Handle.Connect(ctx, params); err != nil {
		o.Ledger.ResetConnect(id, dir)
		return fmt.Errorf("%w: connect transport: %v", core.ErrEngine, err)
	}
	return nil
}

// Produce publishes a stream on the caller's send transport and announces it
// to the rest of the room.
func (o *Orchestrator) Produce(ctx context.Context, id domain.ConnectionID, kind domain.MediaKind, params domain.RTPParameters, tag domain.AppTag) (Produced, error) {
	if !kind.Valid() {
		return Produced{}, fmt.Errorf("%w: unknown kind %q", core.ErrBadRequest, kind)
	}
	if !o.Admission.IsApproved(id) {
		return Produced{}, core.ErrAdmissionDenied
	}
	conn, room, err := o.roomOf(id)
	if err != nil {
		return Produced{}, err
	}
	transport, ok := o.Ledger.Transport(id, domain.DirectionSend)
	if !ok {
		return Produced{}, fmt.Errorf("%w: no send transport", core.ErrNotFound)
	}
	producer, err := transport.Handle.Produce(ctx, core.ProduceOptions{Kind: kind, RTPParameters: params, Tag: tag})
	if err != nil {
		return Produced{}, fmt.Errorf("%w: produce: %v", core.ErrEngine, err)
	}
	rec := app.ProducerRecord{Room: room.Name, Owner: id, Handle: producer, Kind: kind, Tag: tag}
	if err := o.Ledger.AddProducer(rec); err != nil {
		if cerr := producer.Close(); cerr != nil {
			log.Warn().Str("module", "orch").Str("producer", string(producer.ID())).Err(cerr).Msg("close orphan producer")
		}
		return Produced{}, err
	}
	if !o.announceProducer(conn, room, rec) {
		return Produced{}, fmt.Errorf("%w: producer %s closed before it was announced", core.ErrNotFound, producer.ID())
	}
	log.Info().Str("module", "orch").Str("conn", string(id)).Str("producer", string(producer.ID())).Str("kind", string(kind)).Msg("producer added")
	return Produced{ID: producer.ID()}, nil
}

// announceProducer attaches an audio producer to the room observer and tells
// the other members about it, unless its owner was evicted meanwhile.
func (o *Orchestrator) announceProducer(conn app.Connection, room *app.Room, rec app.ProducerRecord) bool {
	o.announce.Lock()
	defer o.announce.Unlock()
	if _, ok := o.Ledger.Producer(rec.ID()); !ok {
		return false
	}
	if rec.Kind == domain.KindAudio {
		if err := room.Observer.AddProducer(rec.ID()); err != nil {
			log.Warn().Str("module", "orch").Str("producer", string(rec.ID())).Err(err).Msg("observer add producer")
		}
	}
	o.broadcast(conn.Namespace, core.EventProducerAdded, producerInfo(rec), conn.ID)
	return true
}

func producerInfo(rec app.ProducerRecord) core.ProducerInfo {
	return core.ProducerInfo{
		ID:           rec.ID(),
		Kind:         rec.Kind,
		ConnectionID: rec.Owner,
		AppData:      core.AppData{MediaTag: rec.Tag},
	}
}

// Producers lists the room's producers other than the caller's own.
func (o *Orchestrator) Producers(id domain.ConnectionID) ([]core.ProducerInfo, error) {
	conn, err := o.connection(id)
	if err != nil {
		return nil, err
	}
	out := []core.ProducerInfo{}
	for _, rec := range o.Ledger.ProducersIn(conn.Namespace) {
		if rec.Owner == id {
			continue
		}
		out = append(out, producerInfo(rec))
	}
	return out, nil
}

// Consume subscribes the caller to a producer. Repeated calls for the same
// producer return the same paused consumer.
func (o *Orchestrator) Consume(ctx context.Context, id domain.ConnectionID, producerID domain.ProducerID, caps domain.RTPCapabilities) (Consumed, error) {
	_, room, err := o.roomOf(id)
	if err != nil {
		return Consumed{}, err
	}
	producer, ok := o.Ledger.Producer(producerID)
	if !ok || producer.Room != room.Name {
		return Consumed{}, fmt.Errorf("%w: producer %s", core.ErrNotFound, producerID)
	}
	transport, ok := o.Ledger.Transport(id, domain.DirectionRecv)
	if !ok {
		return Consumed{}, fmt.Errorf("%w: no receive transport", core.ErrNotFound)
	}
	if !room.Router.CanConsume(producerID, caps) {
		return Consumed{}, fmt.Errorf("%w: cannot consume producer %s with given capabilities", core.ErrBadRequest, producerID)
	}
	rec, created, err := o.Ledger.GetOrCreateConsumer(ctx, id, producerID, func(ctx context.Context) (core.Consumer, error) {
		c, err := transport.Handle.Consume(ctx, core.ConsumeOptions{ProducerID: producerID, RTPCapabilities: caps, Paused: true})
		if err != nil {
			return nil, fmt.Errorf("%w: consume: %v", core.ErrEngine, err)
		}
		return c, nil
	})
	if err != nil {
		return Consumed{}, err
	}
	if created {
		log.Debug().Str("module", "orch").Str("conn", string(id)).Str("producer", string(producerID)).Str("consumer", string(rec.Handle.ID())).Msg("consumer added")
	}
	return Consumed{
		ID:            rec.Handle.ID(),
		ProducerID:    producerID,
		Kind:          rec.Kind,
		RTPParameters: rec.Handle.RTPParameters(),
		AppData:       core.AppData{MediaTag: rec.Tag},
		ConnectionID:  rec.ProducerOwner,
	}, nil
}

// ResumeConsumer starts media flow on a consumer created paused.
func (o *Orchestrator) ResumeConsumer(id domain.ConnectionID, producerID domain.ProducerID) error {
	rec, ok := o.Ledger.Consumer(id, producerID)
	if !ok {
		return fmt.Errorf("%w: consumer of %s", core.ErrNotFound, producerID)
	}
	if err := rec.Handle.Resume(); err != nil {
		return fmt.Errorf("%w: resume consumer: %v", core.ErrEngine, err)
	}
	o.Ledger.SetConsumerPaused(id, producerID, false)
	return nil
}

// PauseProducers mutes every producer of the caller.
func (o *Orchestrator) PauseProducers(id domain.ConnectionID) {
	for _, rec := range o.Ledger.SetProducersPaused(id, true) {
		if err := rec.Handle.Pause(); err != nil {
			log.Warn().Str("module", "orch").Str("producer", string(rec.ID())).Err(err).Msg("pause producer")
		}
	}
}

// ResumeProducers unmutes every producer of the caller.
func (o *Orchestrator) ResumeProducers(id domain.ConnectionID) {
	for _, rec := range o.Ledger.SetProducersPaused(id, false) {
		if err := rec.Handle.Resume(); err != nil {
			log.Warn().Str("module", "orch").Str("producer", string(rec.ID())).Err(err).Msg("resume producer")
		}
	}
}
