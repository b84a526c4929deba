package rtc

import (
	"context"
	"time"

	"github.com/dkeye/Huddle/internal/app/sfu"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

const defaultObserverInterval = 800 * time.Millisecond

type Observer struct {
	levels *sfu.LevelObserver
	ctx    context.Context
	cancel context.CancelFunc
}

func newObserver(opts core.AudioLevelObserverOptions) *Observer {
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultObserverInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Observer{
		levels: sfu.NewLevelObserver(opts.MaxEntries, opts.Threshold, interval),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (o *Observer) AddProducer(id domain.ProducerID) error {
	o.levels.Add(id)
	return nil
}

func (o *Observer) RemoveProducer(id domain.ProducerID) error {
	o.levels.Remove(id)
	return nil
}

func (o *Observer) OnVolumes(fn func([]core.Volume)) {
	o.levels.OnVolumes(func(levels []sfu.Level) {
		volumes := make([]core.Volume, len(levels))
		for i, l := range levels {
			volumes[i] = core.Volume{ProducerID: l.Producer, Volume: l.Volume}
		}
		fn(volumes)
	})
}

func (o *Observer) OnSilence(fn func()) { o.levels.OnSilence(fn) }

func (o *Observer) Close() { o.cancel() }
