package sfu

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

// Level is the averaged volume of one producer in dBov (0 is loudest).
type Level struct {
	Producer domain.ProducerID
	Volume   int
}

type levelSamples struct {
	sum   int
	count int
}

// LevelObserver averages RFC 6464 audio levels per producer and reports the
// loudest ones every interval. Silence is reported once per transition.
type LevelObserver struct {
	maxEntries int
	threshold  int
	interval   time.Duration

	mu        sync.Mutex
	samples   map[domain.ProducerID]*levelSamples
	silent    bool
	onVolumes func([]Level)
	onSilence func()
}

func NewLevelObserver(maxEntries, threshold int, interval time.Duration) *LevelObserver {
	if maxEntries < 1 {
		maxEntries = 1
	}
	return &LevelObserver{
		maxEntries: maxEntries,
		threshold:  threshold,
		interval:   interval,
		samples:    make(map[domain.ProducerID]*levelSamples),
		silent:     true,
	}
}

func (o *LevelObserver) Add(producer domain.ProducerID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.samples[producer]; !ok {
		o.samples[producer] = &levelSamples{}
	}
}

func (o *LevelObserver) Remove(producer domain.ProducerID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.samples, producer)
}

func (o *LevelObserver) OnVolumes(fn func([]Level)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onVolumes = fn
}

func (o *LevelObserver) OnSilence(fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onSilence = fn
}

// Record adds one sample. level is the extension value: 0..127 meaning -dBov.
func (o *LevelObserver) Record(producer domain.ProducerID, level uint8) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.samples[producer]
	if !ok {
		return
	}
	s.sum -= int(level & 0x7f)
	s.count++
}

// Tick closes the current window and fires at most one callback.
func (o *LevelObserver) Tick() {
	o.mu.Lock()
	var loud []Level
	for id, s := range o.samples {
		if s.count > 0 {
			avg := s.sum / s.count
			if avg > o.threshold {
				loud = append(loud, Level{Producer: id, Volume: avg})
			}
		}
		s.sum, s.count = 0, 0
	}
	sort.Slice(loud, func(i, j int) bool {
		if loud[i].Volume != loud[j].Volume {
			return loud[i].Volume > loud[j].Volume
		}
		return loud[i].Producer < loud[j].Producer
	})
	if len(loud) > o.maxEntries {
		loud = loud[:o.maxEntries]
	}

	var fire func()
	switch {
	case len(loud) > 0:
		o.silent = false
		if fn := o.onVolumes; fn != nil {
			fire = func() { fn(loud) }
		}
	case !o.silent:
		o.silent = true
		fire = o.onSilence
	}
	o.mu.Unlock()

	if fire != nil {
		fire()
	}
}

// Run ticks until ctx ends.
func (o *LevelObserver) Run(ctx context.Context) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	log.Debug().Str("module", "sfu.levels").Dur("interval", o.interval).Msg("level observer started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Tick()
		}
	}
}
