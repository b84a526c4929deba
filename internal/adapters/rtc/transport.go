package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var errTransportClosed = errors.New("transport closed")

type Transport struct {
	id       domain.TransportID
	router   *Router
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	params   core.TransportParams

	// ready is closed once DTLS is up; RTP senders and receivers wait on it.
	ready     chan struct{}
	readyOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc

	mu        sync.Mutex
	producers map[domain.ProducerID]*Producer
	consumers map[domain.ConsumerID]*Consumer
	closed    bool
}

func newTransport(ctx context.Context, r *Router) (*Transport, error) {
	gatherer, err := r.api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: r.worker.iceServers()})
	if err != nil {
		return nil, fmt.Errorf("ice gatherer: %w", err)
	}
	gathered := make(chan struct{})
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			close(gathered)
		}
	})
	if err := gatherer.Gather(); err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("ice gather: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		_ = gatherer.Close()
		return nil, ctx.Err()
	}

	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("ice parameters: %w", err)
	}
	candidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("ice candidates: %w", err)
	}
	ice := r.api.NewICETransport(gatherer)
	dtls, err := r.api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("dtls transport: %w", err)
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("dtls parameters: %w", err)
	}

	id := domain.TransportID(uuid.NewString())
	tctx, cancel := context.WithCancel(r.ctx)
	t := &Transport{
		id:       id,
		router:   r,
		gatherer: gatherer,
		ice:      ice,
		dtls:     dtls,
		params: core.TransportParams{
			ID:             id,
			ICEParameters:  iceParams,
			ICECandidates:  candidates,
			DTLSParameters: dtlsParams,
		},
		ready:     make(chan struct{}),
		ctx:       tctx,
		cancel:    cancel,
		producers: make(map[domain.ProducerID]*Producer),
		consumers: make(map[domain.ConsumerID]*Consumer),
	}
	dtls.OnStateChange(t.onDTLSState)
	log.Debug().Str("module", "rtc").Str("transport", string(id)).Int("candidates", len(candidates)).Msg("transport created")
	return t, nil
}

// onDTLSState tears the transport down once DTLS fails or closes, which also
// closes its producers and their consumers.
func (t *Transport) onDTLSState(s webrtc.DTLSTransportState) {
	log.Debug().Str("module", "rtc").Str("transport", string(t.id)).Str("dtls_state", s.String()).Msg("DTLS state")
	if s != webrtc.DTLSTransportStateFailed && s != webrtc.DTLSTransportStateClosed {
		return
	}
	t.cancel()
	// Close stops DTLS, which may call back here; run it off the callback.
	go func() {
		if err := t.Close(); err != nil {
			log.Warn().Str("module", "rtc").Str("transport", string(t.id)).Err(err).Msg("close after DTLS end")
		}
	}()
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) ID() domain.TransportID { return t.id }

func (t *Transport) Params() core.TransportParams { return t.params }

// Connect starts ICE as the controlled agent and runs the DTLS handshake.
func (t *Transport) Connect(ctx context.Context, params core.ConnectParams) error {
	if params.ICEParameters == nil {
		return fmt.Errorf("%w: iceParameters required", core.ErrBadRequest)
	}
	errc := make(chan error, 1)
	go func() { errc <- t.start(params) }()
	select {
	case err := <-errc:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		_ = t.Close()
		return ctx.Err()
	}
	t.readyOnce.Do(func() { close(t.ready) })
	log.Info().Str("module", "rtc").Str("transport", string(t.id)).Msg("transport connected")
	return nil
}

func (t *Transport) start(params core.ConnectParams) error {
	if err := t.ice.SetRemoteCandidates(params.ICECandidates); err != nil {
		return fmt.Errorf("remote candidates: %w", err)
	}
	role := webrtc.ICERoleControlled
	if err := t.ice.Start(t.gatherer, *params.ICEParameters, &role); err != nil {
		return fmt.Errorf("ice start: %w", err)
	}
	if err := t.dtls.Start(params.DTLSParameters); err != nil {
		return fmt.Errorf("dtls start: %w", err)
	}
	return nil
}

// whenReady runs fn once the transport is connected, unless it closes first.
func (t *Transport) whenReady(fn func()) {
	go func() {
		select {
		case <-t.ready:
			fn()
		case <-t.ctx.Done():
		}
	}()
}

func (t *Transport) Produce(_ context.Context, opts core.ProduceOptions) (core.Producer, error) {
	if opts.RTPParameters.SSRC == 0 {
		return nil, fmt.Errorf("%w: rtpParameters.ssrc required", core.ErrBadRequest)
	}
	codec, err := producerCodec(t.router.caps, opts.Kind, opts.RTPParameters)
	if err != nil {
		return nil, err
	}
	receiver, err := t.router.api.NewRTPReceiver(codecType(opts.Kind), t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtp receiver: %w", err)
	}
	p := newProducer(t, receiver, codec, opts)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = receiver.Stop()
		return nil, errTransportClosed
	}
	t.producers[p.id] = p
	t.mu.Unlock()
	t.router.addProducer(p)
	p.start()
	return p, nil
}

func (t *Transport) Consume(_ context.Context, opts core.ConsumeOptions) (core.Consumer, error) {
	producer, ok := t.router.producer(opts.ProducerID)
	if !ok {
		return nil, fmt.Errorf("producer %s not found", opts.ProducerID)
	}
	c, err := newConsumer(t, producer, opts.Paused)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = c.Close()
		return nil, errTransportClosed
	}
	t.consumers[c.id] = c
	t.mu.Unlock()
	c.start()
	return c, nil
}

func (t *Transport) consumersOf(producer domain.ProducerID) []*Consumer {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Consumer
	for _, c := range t.consumers {
		if c.producer.id == producer {
			out = append(out, c)
		}
	}
	return out
}

func (t *Transport) dropProducer(id domain.ProducerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.producers, id)
}

func (t *Transport) dropConsumer(id domain.ConsumerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.consumers, id)
}

// Close stops every producer and consumer on the transport, then the
// transport itself.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	producers := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.mu.Unlock()

	for _, c := range consumers {
		_ = c.Close()
	}
	for _, p := range producers {
		_ = p.Close()
	}
	t.cancel()
	t.router.removeTransport(t.id)

	var errs []error
	if err := t.dtls.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("dtls stop: %w", err))
	}
	if err := t.ice.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("ice stop: %w", err))
	}
	if err := t.gatherer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("gatherer close: %w", err))
	}
	return errors.Join(errs...)
}
