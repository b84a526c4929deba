package sfu

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

// Source yields packets of one producer. *webrtc.TrackRemote and
// *webrtc.RTPReceiver track reads satisfy it.
type Source interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

type Relay struct {
	Producer domain.ProducerID
	Src      Source

	mu        sync.RWMutex
	outTracks map[domain.ConsumerID]*OutTrack

	paused   atomic.Bool
	onPacket func(*rtp.Packet)
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewRelay(producer domain.ProducerID, src Source, onPacket func(*rtp.Packet), cancel context.CancelFunc) *Relay {
	return &Relay{
		Producer:  producer,
		Src:       src,
		outTracks: make(map[domain.ConsumerID]*OutTrack),
		onPacket:  onPacket,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// loop reads RTP packets from the source and forwards them to all OutTracks.
// A panic is reported through onPanic instead of crashing the process.
func (r *Relay) loop(ctx context.Context, logger *zerolog.Logger, onPanic func(error)) {
	defer close(r.done)
	defer func() {
		if v := recover(); v != nil {
			r.markAllDelete()
			err := fmt.Errorf("relay %s panicked: %v", r.Producer, v)
			logger.Error().Err(err).Msg("relay loop crashed")
			if onPanic != nil {
				onPanic(err)
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("relay ctx done, marking all out tracks for delete")
			r.markAllDelete()
			return
		default:
		}
		pkt, _, err := r.Src.ReadRTP()
		if err != nil {
			logger.Debug().Err(err).Msg("relay source ended")
			r.markAllDelete()
			return
		}
		r.handle(pkt, logger)
	}
}

// handle drops packets of a paused producer; otherwise the packet is shown
// to the hook and forwarded.
func (r *Relay) handle(pkt *rtp.Packet, logger *zerolog.Logger) {
	if r.paused.Load() {
		return
	}
	if r.onPacket != nil {
		r.onPacket(pkt)
	}
	r.forward(pkt, logger)
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	snapshot := make(map[domain.ConsumerID]*OutTrack, len(r.outTracks))
	maps.Copy(snapshot, r.outTracks)
	r.mu.RUnlock()

	var dirty []domain.ConsumerID
	for id, ot := range snapshot {
		switch ot.GetState() {
		case TrackStateDelete:
			dirty = append(dirty, id)
		case TrackStateMuted:
		case TrackStateOk:
			if err := ot.Sink.WriteRTP(pkt); err != nil {
				logger.Warn().Err(err).Str("consumer", string(id)).Msg("relay write RTP error, marking outtrack as delete")
				ot.MarkDelete()
				dirty = append(dirty, id)
			}
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		r.cleanupDeleted(dirty)
	}
}

func (r *Relay) cleanupDeleted(dirty []domain.ConsumerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range dirty {
		delete(r.outTracks, id)
	}
}

func (r *Relay) markAllDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ot := range r.outTracks {
		ot.MarkDelete()
	}
}

func (r *Relay) AddOutTrack(ot *OutTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outTracks[ot.Consumer] = ot
}

func (r *Relay) OutTrack(id domain.ConsumerID) (*OutTrack, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ot, ok := r.outTracks[id]
	return ot, ok
}

func (r *Relay) SetPaused(paused bool) { r.paused.Store(paused) }

// Done is closed when the loop exits.
func (r *Relay) Done() <-chan struct{} { return r.done }
