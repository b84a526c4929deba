// Package rtc implements the media engine on top of pion's ORTC API: every
// transport is an ICE + DTLS pair, producers are RTP receivers and consumers
// are RTP senders fed by the sfu relays.
package rtc

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	MinPort     uint16
	MaxPort     uint16
	ListenIP    string
	AnnouncedIP string
	ICEServers  []string
	LogLevel    zerolog.Level
}

type Worker struct {
	cfg     Config
	setting webrtc.SettingEngine
	died    chan error

	mu      sync.Mutex
	routers map[string]*Router
	closed  bool
}

func NewWorker(cfg Config) (*Worker, error) {
	s := webrtc.SettingEngine{LoggerFactory: LoggerFactory{Level: cfg.LogLevel}}
	if cfg.MinPort != 0 || cfg.MaxPort != 0 {
		if err := s.SetEphemeralUDPPortRange(cfg.MinPort, cfg.MaxPort); err != nil {
			return nil, fmt.Errorf("rtc port range %d-%d: %w", cfg.MinPort, cfg.MaxPort, err)
		}
	}
	if cfg.AnnouncedIP != "" {
		s.SetNAT1To1IPs([]string{cfg.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}
	if ip := net.ParseIP(cfg.ListenIP); ip != nil && !ip.IsUnspecified() {
		s.SetIPFilter(func(candidate net.IP) bool { return candidate.Equal(ip) })
	}
	log.Info().Str("module", "rtc").Uint16("min_port", cfg.MinPort).Uint16("max_port", cfg.MaxPort).Str("announced_ip", cfg.AnnouncedIP).Msg("media worker ready")
	return &Worker{
		cfg:     cfg,
		setting: s,
		died:    make(chan error, 1),
		routers: make(map[string]*Router),
	}, nil
}

func (w *Worker) Died() <-chan error { return w.died }

func (w *Worker) fail(err error) {
	select {
	case w.died <- fmt.Errorf("%w: %v", core.ErrWorkerDied, err):
	default:
	}
}

func (w *Worker) CreateRouter(_ context.Context, codecs []domain.RTPCodec) (core.Router, error) {
	m, err := newMediaEngine(codecs)
	if err != nil {
		return nil, err
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(w.setting),
	)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, core.ErrWorkerDied
	}
	r := newRouter(uuid.NewString(), w, api, codecs)
	w.routers[r.id] = r
	return r, nil
}

func (w *Worker) forget(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.routers, id)
}

func (w *Worker) iceServers() []webrtc.ICEServer {
	if len(w.cfg.ICEServers) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: w.cfg.ICEServers}}
}

func (w *Worker) Close() {
	w.mu.Lock()
	w.closed = true
	routers := make([]*Router, 0, len(w.routers))
	for _, r := range w.routers {
		routers = append(routers, r)
	}
	w.mu.Unlock()
	for _, r := range routers {
		r.Close()
	}
}
