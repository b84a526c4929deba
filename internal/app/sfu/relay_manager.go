package sfu

import (
	"context"
	"sync"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/pion/rtp"
	"github.com/rs/zerolog/log"
)

type RelayManager struct {
	mu     sync.RWMutex
	relays map[domain.ProducerID]*Relay

	// OnFailure is called when a relay loop crashes.
	OnFailure func(error)
}

func NewRelayManager() *RelayManager {
	return &RelayManager{
		relays: make(map[domain.ProducerID]*Relay),
	}
}

// StartRelay creates a relay for producer and starts its loop. onPacket sees
// every packet forwarded while the producer is not paused.
func (m *RelayManager) StartRelay(ctx context.Context, producer domain.ProducerID, src Source, onPacket func(*rtp.Packet)) *Relay {
	logger := log.With().
		Str("module", "sfu.relay").
		Str("producer", string(producer)).
		Logger()

	relayCtx, cancel := context.WithCancel(ctx)
	relay := NewRelay(producer, src, onPacket, cancel)

	m.mu.Lock()
	if old, ok := m.relays[producer]; ok {
		logger.Info().Msg("replacing existing relay for producer")
		old.markAllDelete()
		old.cancel()
	}
	m.relays[producer] = relay
	m.mu.Unlock()

	logger.Debug().Msg("starting relay loop")

	go relay.loop(relayCtx, &logger, m.OnFailure)
	return relay
}

// AddSubscriber attaches a muted OutTrack for consumer to producer's relay.
func (m *RelayManager) AddSubscriber(producer domain.ProducerID, consumer domain.ConsumerID, sink Sink) (*OutTrack, bool) {
	relay, ok := m.relay(producer)
	if !ok {
		return nil, false
	}
	ot := NewOutTrack(consumer, sink)
	relay.AddOutTrack(ot)
	return ot, true
}

// MarkSubscriberDelete marks consumer's OutTrack as TrackStateDelete.
func (m *RelayManager) MarkSubscriberDelete(producer domain.ProducerID, consumer domain.ConsumerID) {
	relay, ok := m.relay(producer)
	if !ok {
		return
	}
	if ot, ok := relay.OutTrack(consumer); ok {
		ot.MarkDelete()
	}
}

func (m *RelayManager) SetPaused(producer domain.ProducerID, paused bool) {
	if relay, ok := m.relay(producer); ok {
		relay.SetPaused(paused)
	}
}

// StopRelay stops a relay and removes it from the manager.
func (m *RelayManager) StopRelay(producer domain.ProducerID) {
	m.mu.Lock()
	relay, ok := m.relays[producer]
	if ok {
		delete(m.relays, producer)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	relay.markAllDelete()
	relay.cancel()
}

func (m *RelayManager) HasRelay(producer domain.ProducerID) bool {
	_, ok := m.relay(producer)
	return ok
}

func (m *RelayManager) relay(producer domain.ProducerID) (*Relay, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	relay, ok := m.relays[producer]
	return relay, ok
}
