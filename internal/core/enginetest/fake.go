// Package enginetest provides an in-memory media engine for tests.
package enginetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

// Worker is a scriptable core.MediaWorker. Configure the exported fields
// before handing it to the code under test.
type Worker struct {
	// Gates block the matching call until a value is received or ctx ends.
	RouterGate    chan struct{}
	TransportGate chan struct{}
	// Entered receives one value every time a gated call starts waiting.
	Entered chan struct{}

	FailRouter    error
	FailTransport error
	FailConnect   error
	FailProduce   error
	FailConsume   error

	seq     atomic.Int64
	routers atomic.Int64
	died    chan error
}

func NewWorker() *Worker {
	return &Worker{
		Entered: make(chan struct{}, 16),
		died:    make(chan error, 1),
	}
}

func (w *Worker) next(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, w.seq.Add(1))
}

func (w *Worker) wait(ctx context.Context, gate chan struct{}) error {
	if gate == nil {
		return nil
	}
	select {
	case w.Entered <- struct{}{}:
	default:
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RoutersCreated counts successful CreateRouter calls.
func (w *Worker) RoutersCreated() int { return int(w.routers.Load()) }

// Kill makes Died fire.
func (w *Worker) Kill(err error) { w.died <- err }

func (w *Worker) Died() <-chan error { return w.died }

func (w *Worker) Close() {}

func (w *Worker) CreateRouter(ctx context.Context, codecs []domain.RTPCodec) (core.Router, error) {
	if err := w.wait(ctx, w.RouterGate); err != nil {
		return nil, err
	}
	if w.FailRouter != nil {
		return nil, w.FailRouter
	}
	w.routers.Add(1)
	return &Router{
		id:        w.next("router"),
		worker:    w,
		caps:      domain.RTPCapabilities{Codecs: codecs},
		producers: make(map[domain.ProducerID]*Producer),
	}, nil
}

type Router struct {
	id     string
	worker *Worker
	caps   domain.RTPCapabilities

	mu        sync.Mutex
	producers map[domain.ProducerID]*Producer
	observer  *Observer
	closed    bool
}

func (r *Router) ID() string                           { return r.id }
func (r *Router) Capabilities() domain.RTPCapabilities { return r.caps }

func (r *Router) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Router) Observer() *Observer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.observer
}

func (r *Router) CanConsume(id domain.ProducerID, caps domain.RTPCapabilities) bool {
	r.mu.Lock()
	p, ok := r.producers[id]
	r.mu.Unlock()
	if !ok || p.Closed() {
		return false
	}
	_, ok = caps.Codec(p.params.MimeType)
	return ok
}

func (r *Router) CreateWebRTCTransport(ctx context.Context) (core.Transport, error) {
	if err := r.worker.wait(ctx, r.worker.TransportGate); err != nil {
		return nil, err
	}
	if r.worker.FailTransport != nil {
		return nil, r.worker.FailTransport
	}
	id := domain.TransportID(r.worker.next("transport"))
	return &Transport{router: r, id: id}, nil
}

func (r *Router) CreateAudioLevelObserver(_ context.Context, opts core.AudioLevelObserverOptions) (core.AudioLevelObserver, error) {
	obs := &Observer{Options: opts, producers: make(map[domain.ProducerID]bool)}
	r.mu.Lock()
	r.observer = obs
	r.mu.Unlock()
	return obs, nil
}

func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

type Transport struct {
	router *Router
	id     domain.TransportID

	mu       sync.Mutex
	connects int
	closed   bool
}

func (t *Transport) ID() domain.TransportID { return t.id }

func (t *Transport) Params() core.TransportParams {
	return core.TransportParams{ID: t.id}
}

func (t *Transport) Connects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) Connect(_ context.Context, _ core.ConnectParams) error {
	if t.router.worker.FailConnect != nil {
		return t.router.worker.FailConnect
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connects > 0 {
		return fmt.Errorf("transport %s already connected", t.id)
	}
	t.connects++
	return nil
}

func (t *Transport) Produce(_ context.Context, opts core.ProduceOptions) (core.Producer, error) {
	if t.router.worker.FailProduce != nil {
		return nil, t.router.worker.FailProduce
	}
	p := &Producer{
		id:     domain.ProducerID(t.router.worker.next("producer")),
		kind:   opts.Kind,
		params: opts.RTPParameters,
	}
	if p.params.MimeType == "" {
		if codec, ok := firstOfKind(t.router.caps, opts.Kind); ok {
			p.params.MimeType = codec.MimeType
		}
	}
	t.router.mu.Lock()
	t.router.producers[p.id] = p
	t.router.mu.Unlock()
	return p, nil
}

func (t *Transport) Consume(_ context.Context, opts core.ConsumeOptions) (core.Consumer, error) {
	if t.router.worker.FailConsume != nil {
		return nil, t.router.worker.FailConsume
	}
	t.router.mu.Lock()
	p, ok := t.router.producers[opts.ProducerID]
	t.router.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("producer %s not found", opts.ProducerID)
	}
	return &Consumer{
		id:       domain.ConsumerID(t.router.worker.next("consumer")),
		producer: p.id,
		kind:     p.kind,
		params:   p.params,
		paused:   opts.Paused,
	}, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func firstOfKind(caps domain.RTPCapabilities, kind domain.MediaKind) (domain.RTPCodec, bool) {
	for _, c := range caps.Codecs {
		if c.Kind == kind {
			return c, true
		}
	}
	return domain.RTPCodec{}, false
}

type Producer struct {
	id     domain.ProducerID
	kind   domain.MediaKind
	params domain.RTPParameters

	mu     sync.Mutex
	paused bool
	closed bool
}

func (p *Producer) ID() domain.ProducerID  { return p.id }
func (p *Producer) Kind() domain.MediaKind { return p.kind }

func (p *Producer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Producer) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
	return nil
}

func (p *Producer) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
	return nil
}

func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

type Consumer struct {
	id       domain.ConsumerID
	producer domain.ProducerID
	kind     domain.MediaKind
	params   domain.RTPParameters

	mu     sync.Mutex
	paused bool
	closed bool
}

func (c *Consumer) ID() domain.ConsumerID               { return c.id }
func (c *Consumer) ProducerID() domain.ProducerID       { return c.producer }
func (c *Consumer) Kind() domain.MediaKind              { return c.kind }
func (c *Consumer) RTPParameters() domain.RTPParameters { return c.params }

func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Consumer) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
	return nil
}

func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Observer records attached producers and lets tests emit reports.
type Observer struct {
	Options core.AudioLevelObserverOptions

	mu        sync.Mutex
	producers map[domain.ProducerID]bool
	onVolumes func([]core.Volume)
	onSilence func()
	closed    bool
}

func (o *Observer) AddProducer(id domain.ProducerID) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.producers[id] = true
	return nil
}

func (o *Observer) RemoveProducer(id domain.ProducerID) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.producers, id)
	return nil
}

func (o *Observer) Has(id domain.ProducerID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.producers[id]
}

func (o *Observer) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *Observer) OnVolumes(fn func([]core.Volume)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onVolumes = fn
}

func (o *Observer) OnSilence(fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onSilence = fn
}

func (o *Observer) EmitVolumes(v []core.Volume) {
	o.mu.Lock()
	fn := o.onVolumes
	o.mu.Unlock()
	if fn != nil {
		fn(v)
	}
}

func (o *Observer) EmitSilence() {
	o.mu.Lock()
	fn := o.onSilence
	o.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (o *Observer) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
}
