package core

import (
	"context"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/pion/webrtc/v4"
)

// MediaWorker is the process-wide media engine. If Died fires the process
// must not keep serving.
type MediaWorker interface {
	CreateRouter(ctx context.Context, codecs []domain.RTPCodec) (Router, error)
	Died() <-chan error
	Close()
}

// Router is the per-room media engine handle.
type Router interface {
	ID() string
	Capabilities() domain.RTPCapabilities
	// CanConsume reports whether a consumer with caps can receive producer.
	CanConsume(producer domain.ProducerID, caps domain.RTPCapabilities) bool
	CreateWebRTCTransport(ctx context.Context) (Transport, error)
	CreateAudioLevelObserver(ctx context.Context, opts AudioLevelObserverOptions) (AudioLevelObserver, error)
	Close()
}

// TransportParams are handed to the client to build its side of the transport.
type TransportParams struct {
	ID             domain.TransportID    `json:"id"`
	ICEParameters  webrtc.ICEParameters  `json:"iceParameters"`
	ICECandidates  []webrtc.ICECandidate `json:"iceCandidates"`
	DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
}

type ConnectParams struct {
	DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
	ICEParameters  *webrtc.ICEParameters `json:"iceParameters,omitempty"`
	ICECandidates  []webrtc.ICECandidate `json:"iceCandidates,omitempty"`
}

type ProduceOptions struct {
	Kind          domain.MediaKind
	RTPParameters domain.RTPParameters
	Tag           domain.AppTag
}

type ConsumeOptions struct {
	ProducerID      domain.ProducerID
	RTPCapabilities domain.RTPCapabilities
	Paused          bool
}

type Transport interface {
	ID() domain.TransportID
	Params() TransportParams
	Connect(ctx context.Context, params ConnectParams) error
	Produce(ctx context.Context, opts ProduceOptions) (Producer, error)
	Consume(ctx context.Context, opts ConsumeOptions) (Consumer, error)
	Close() error
}

type Producer interface {
	ID() domain.ProducerID
	Kind() domain.MediaKind
	Pause() error
	Resume() error
	Close() error
}

type Consumer interface {
	ID() domain.ConsumerID
	ProducerID() domain.ProducerID
	Kind() domain.MediaKind
	RTPParameters() domain.RTPParameters
	Resume() error
	Close() error
}

// Volume is one entry of an audio level report, loudest first.
type Volume struct {
	ProducerID domain.ProducerID
	Volume     int
}

type AudioLevelObserver interface {
	AddProducer(id domain.ProducerID) error
	RemoveProducer(id domain.ProducerID) error
	OnVolumes(func([]Volume))
	OnSilence(func())
	Close()
}
