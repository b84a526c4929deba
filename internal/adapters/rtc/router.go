package rtc

import (
	"context"
	"sync"

	"github.com/dkeye/Huddle/internal/app/sfu"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type Router struct {
	id     string
	worker *Worker
	api    *webrtc.API
	caps   domain.RTPCapabilities
	relays *sfu.RelayManager

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	transports map[domain.TransportID]*Transport
	producers  map[domain.ProducerID]*Producer
	observers  []*Observer
}

func newRouter(id string, w *Worker, api *webrtc.API, codecs []domain.RTPCodec) *Router {
	ctx, cancel := context.WithCancel(context.Background())
	relays := sfu.NewRelayManager()
	relays.OnFailure = w.fail
	return &Router{
		id:         id,
		worker:     w,
		api:        api,
		caps:       capabilities(codecs),
		relays:     relays,
		ctx:        ctx,
		cancel:     cancel,
		transports: make(map[domain.TransportID]*Transport),
		producers:  make(map[domain.ProducerID]*Producer),
	}
}

func (r *Router) ID() string { return r.id }

func (r *Router) Capabilities() domain.RTPCapabilities { return r.caps }

func (r *Router) CanConsume(id domain.ProducerID, caps domain.RTPCapabilities) bool {
	p, ok := r.producer(id)
	if !ok {
		return false
	}
	_, ok = caps.Codec(p.codec.MimeType)
	return ok
}

func (r *Router) producer(id domain.ProducerID) (*Producer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[id]
	return p, ok
}

func (r *Router) CreateWebRTCTransport(ctx context.Context) (core.Transport, error) {
	t, err := newTransport(ctx, r)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.transports[t.id] = t
	r.mu.Unlock()
	return t, nil
}

func (r *Router) CreateAudioLevelObserver(_ context.Context, opts core.AudioLevelObserverOptions) (core.AudioLevelObserver, error) {
	o := newObserver(opts)
	r.mu.Lock()
	r.observers = append(r.observers, o)
	r.mu.Unlock()
	go o.levels.Run(o.ctx)
	return o, nil
}

// recordLevel feeds an audio level sample to every observer of the router.
func (r *Router) recordLevel(id domain.ProducerID, level uint8) {
	r.mu.Lock()
	observers := r.observers
	r.mu.Unlock()
	for _, o := range observers {
		o.levels.Record(id, level)
	}
}

func (r *Router) addProducer(p *Producer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.producers[p.id] = p
}

func (r *Router) removeProducer(id domain.ProducerID) {
	r.mu.Lock()
	delete(r.producers, id)
	observers := r.observers
	r.mu.Unlock()
	for _, o := range observers {
		o.levels.Remove(id)
	}
}

func (r *Router) removeTransport(id domain.TransportID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.transports, id)
}

// consumersOf collects every consumer of producer across transports.
func (r *Router) consumersOf(producer domain.ProducerID) []*Consumer {
	r.mu.Lock()
	transports := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.mu.Unlock()
	var out []*Consumer
	for _, t := range transports {
		out = append(out, t.consumersOf(producer)...)
	}
	return out
}

func (r *Router) Close() {
	r.mu.Lock()
	transports := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	observers := r.observers
	r.observers = nil
	r.mu.Unlock()

	for _, t := range transports {
		if err := t.Close(); err != nil {
			log.Warn().Str("module", "rtc").Str("transport", string(t.id)).Err(err).Msg("close transport")
		}
	}
	for _, o := range observers {
		o.Close()
	}
	r.cancel()
	r.worker.forget(r.id)
	log.Debug().Str("module", "rtc").Str("router", r.id).Msg("router closed")
}
