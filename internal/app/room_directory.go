package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Room is the media side of a namespace: router, speaker observer and admin.
type Room struct {
	Name     domain.RoomName
	Router   core.Router
	Observer core.AudioLevelObserver
	Admin    domain.ConnectionID
	Created  time.Time
}

type RoomDirectory struct {
	worker       core.MediaWorker
	codecs       []domain.RTPCodec
	observerOpts core.AudioLevelObserverOptions

	group singleflight.Group

	mu       sync.RWMutex
	rooms    map[domain.RoomName]*Room
	listener core.SpeakerListener
}

func NewRoomDirectory(worker core.MediaWorker, codecs []domain.RTPCodec, opts core.AudioLevelObserverOptions) *RoomDirectory {
	return &RoomDirectory{
		worker:       worker,
		codecs:       codecs,
		observerOpts: opts,
		rooms:        make(map[domain.RoomName]*Room),
	}
}

func (d *RoomDirectory) SetListener(l core.SpeakerListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listener = l
}

func (d *RoomDirectory) Get(name domain.RoomName) (*Room, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	room, ok := d.rooms[name]
	return room, ok
}

// GetOrCreate returns the room for name, allocating a router on first use.
// Concurrent first requests share one allocation; the requester whose call
// performs it becomes admin.
func (d *RoomDirectory) GetOrCreate(ctx context.Context, name domain.RoomName, requester domain.ConnectionID) (*Room, error) {
	if room, ok := d.Get(name); ok {
		return room, nil
	}
	// The room outlives the request that created it.
	ctx = context.WithoutCancel(ctx)
	v, err, _ := d.group.Do(string(name), func() (any, error) {
		if room, ok := d.Get(name); ok {
			return room, nil
		}
		return d.create(ctx, name, requester)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Room), nil
}

func (d *RoomDirectory) create(ctx context.Context, name domain.RoomName, admin domain.ConnectionID) (*Room, error) {
	router, err := d.worker.CreateRouter(ctx, d.codecs)
	if err != nil {
		return nil, fmt.Errorf("%w: create router: %v", core.ErrEngine, err)
	}
	obs, err := router.CreateAudioLevelObserver(ctx, d.observerOpts)
	if err != nil {
		router.Close()
		return nil, fmt.Errorf("%w: create audio level observer: %v", core.ErrEngine, err)
	}
	obs.OnVolumes(func(volumes []core.Volume) {
		if len(volumes) == 0 {
			return
		}
		d.notify(name, volumes[0].ProducerID)
	})
	obs.OnSilence(func() { d.notify(name, "") })

	room := &Room{
		Name:     name,
		Router:   router,
		Observer: obs,
		Admin:    admin,
		Created:  time.Now(),
	}
	d.mu.Lock()
	d.rooms[name] = room
	d.mu.Unlock()
	log.Info().Str("module", "app.rooms").Str("room", string(name)).Str("router", router.ID()).Str("admin", string(admin)).Msg("room created")
	return room, nil
}

func (d *RoomDirectory) notify(name domain.RoomName, producer domain.ProducerID) {
	d.mu.RLock()
	l := d.listener
	d.mu.RUnlock()
	if l != nil {
		l.OnActiveSpeaker(name, producer)
	}
}

// Capabilities returns the router capabilities and whether caller is admin.
func (d *RoomDirectory) Capabilities(name domain.RoomName, caller domain.ConnectionID) (domain.RTPCapabilities, bool, error) {
	room, ok := d.Get(name)
	if !ok {
		return domain.RTPCapabilities{}, false, core.ErrNotFound
	}
	return room.Router.Capabilities(), room.Admin == caller, nil
}

// Remove drops the room and releases its engine handles.
func (d *RoomDirectory) Remove(name domain.RoomName) bool {
	d.mu.Lock()
	room, ok := d.rooms[name]
	delete(d.rooms, name)
	d.mu.Unlock()
	if !ok {
		return false
	}
	room.Observer.Close()
	room.Router.Close()
	log.Info().Str("module", "app.rooms").Str("room", string(name)).Msg("room removed")
	return true
}

func (d *RoomDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.rooms)
}
