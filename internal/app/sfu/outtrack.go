package sfu

import (
	"sync/atomic"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/pion/rtp"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateDelete
)

// Sink receives forwarded packets. *webrtc.TrackLocalStaticRTP satisfies it.
type Sink interface {
	WriteRTP(p *rtp.Packet) error
}

// OutTrack is one consumer's view of a relay. It starts muted and forwards
// only after MarkOk.
type OutTrack struct {
	Consumer domain.ConsumerID
	Sink     Sink
	state    atomic.Int32
}

func NewOutTrack(consumer domain.ConsumerID, sink Sink) *OutTrack {
	ot := &OutTrack{Consumer: consumer, Sink: sink}
	ot.state.Store(int32(TrackStateMuted))
	return ot
}

func (ot *OutTrack) GetState() TrackState {
	return TrackState(ot.state.Load())
}

func (ot *OutTrack) MarkOk() {
	ot.state.CompareAndSwap(int32(TrackStateMuted), int32(TrackStateOk))
}

func (ot *OutTrack) MarkMuted() {
	ot.state.CompareAndSwap(int32(TrackStateOk), int32(TrackStateMuted))
}

// MarkDelete is terminal.
func (ot *OutTrack) MarkDelete() {
	ot.state.Store(int32(TrackStateDelete))
}
