package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

type TransportRecord struct {
	Owner     domain.ConnectionID
	Direction domain.Direction
	Handle    core.Transport
	Connected bool
}

type ProducerRecord struct {
	Room   domain.RoomName
	Owner  domain.ConnectionID
	Handle core.Producer
	Kind   domain.MediaKind
	Tag    domain.AppTag
	Paused bool
}

func (r ProducerRecord) ID() domain.ProducerID { return r.Handle.ID() }

type ConsumerRecord struct {
	Owner         domain.ConnectionID
	ProducerID    domain.ProducerID
	ProducerOwner domain.ConnectionID
	Handle        core.Consumer
	Kind          domain.MediaKind
	Tag           domain.AppTag
	Paused        bool
}

type transportKey struct {
	owner domain.ConnectionID
	dir   domain.Direction
}

type consumerKey struct {
	owner    domain.ConnectionID
	producer domain.ProducerID
}

// Evicted lists what EvictByOwner removed.
type Evicted struct {
	Transports []TransportRecord
	Producers  []ProducerRecord
	Consumers  []ConsumerRecord
}

func (e Evicted) ProducerIDs() []domain.ProducerID {
	ids := make([]domain.ProducerID, 0, len(e.Producers))
	for _, p := range e.Producers {
		ids = append(ids, p.ID())
	}
	return ids
}

// Ledger is the resource ledger. It only accepts records for open owners:
// once an owner is evicted, inserts for it fail with core.ErrNotFound and the
// caller must close the handle it was about to store.
type Ledger struct {
	group singleflight.Group

	mu                sync.Mutex
	open              map[domain.ConnectionID]struct{}
	transports        map[transportKey]*TransportRecord
	producers         map[domain.ProducerID]*ProducerRecord
	producersByOwner  map[domain.ConnectionID]map[domain.ProducerID]struct{}
	consumers         map[consumerKey]*ConsumerRecord
	consumersByOwner  map[domain.ConnectionID]map[domain.ProducerID]struct{}
	consumersBySource map[domain.ProducerID]map[domain.ConnectionID]struct{}
}

func NewLedger() *Ledger {
	return &Ledger{
		open:              make(map[domain.ConnectionID]struct{}),
		transports:        make(map[transportKey]*TransportRecord),
		producers:         make(map[domain.ProducerID]*ProducerRecord),
		producersByOwner:  make(map[domain.ConnectionID]map[domain.ProducerID]struct{}),
		consumers:         make(map[consumerKey]*ConsumerRecord),
		consumersByOwner:  make(map[domain.ConnectionID]map[domain.ProducerID]struct{}),
		consumersBySource: make(map[domain.ProducerID]map[domain.ConnectionID]struct{}),
	}
}

func (l *Ledger) Open(owner domain.ConnectionID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.open[owner] = struct{}{}
}

func (l *Ledger) IsOpen(owner domain.ConnectionID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.open[owner]
	return ok
}

// GetOrCreateTransport returns the owner's transport for dir, calling create
// at most once per (owner, dir) even under concurrent requests.
func (l *Ledger) GetOrCreateTransport(
	ctx context.Context,
	owner domain.ConnectionID,
	dir domain.Direction,
	create func(context.Context) (core.Transport, error),
) (TransportRecord, error) {
	key := transportKey{owner: owner, dir: dir}
	if rec, ok, err := l.lookupTransport(key); err != nil || ok {
		return rec, err
	}
	v, err, _ := l.group.Do("transport/"+string(owner)+"/"+dir.String(), func() (any, error) {
		if rec, ok, err := l.lookupTransport(key); err != nil || ok {
			return rec, err
		}
		handle, err := create(ctx)
		if err != nil {
			return TransportRecord{}, err
		}
		l.mu.Lock()
		if _, open := l.open[owner]; !open {
			l.mu.Unlock()
			closeQuietly("transport", string(handle.ID()), handle.Close)
			return TransportRecord{}, fmt.Errorf("%w: connection %s closed", core.ErrNotFound, owner)
		}
		rec := &TransportRecord{Owner: owner, Direction: dir, Handle: handle}
		l.transports[key] = rec
		l.mu.Unlock()
		log.Debug().Str("module", "app.ledger").Str("conn", string(owner)).Str("dir", dir.String()).Str("transport", string(handle.ID())).Msg("transport added")
		return *rec, nil
	})
	if err != nil {
		return TransportRecord{}, err
	}
	return v.(TransportRecord), nil
}

func (l *Ledger) lookupTransport(key transportKey) (TransportRecord, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, open := l.open[key.owner]; !open {
		return TransportRecord{}, false, fmt.Errorf("%w: connection %s closed", core.ErrNotFound, key.owner)
	}
	rec, ok := l.transports[key]
	if !ok {
		return TransportRecord{}, false, nil
	}
	return *rec, true, nil
}

func (l *Ledger) Transport(owner domain.ConnectionID, dir domain.Direction) (TransportRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.transports[transportKey{owner: owner, dir: dir}]
	if !ok {
		return TransportRecord{}, false
	}
	return *rec, true
}

// BeginConnect flips the one-shot connected flag. first is false when the
// transport was already connected.
func (l *Ledger) BeginConnect(owner domain.ConnectionID, dir domain.Direction) (rec TransportRecord, first bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.transports[transportKey{owner: owner, dir: dir}]
	if !ok {
		return TransportRecord{}, false, fmt.Errorf("%w: no %s transport", core.ErrNotFound, dir)
	}
	if r.Connected {
		return *r, false, nil
	}
	r.Connected = true
	return *r, true, nil
}

func (l *Ledger) ResetConnect(owner domain.ConnectionID, dir domain.Direction) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.transports[transportKey{owner: owner, dir: dir}]; ok {
		r.Connected = false
	}
}

func (l *Ledger) AddProducer(rec ProducerRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, open := l.open[rec.Owner]; !open {
		return fmt.Errorf("%w: connection %s closed", core.ErrNotFound, rec.Owner)
	}
	id := rec.ID()
	l.producers[id] = &rec
	owned, ok := l.producersByOwner[rec.Owner]
	if !ok {
		owned = make(map[domain.ProducerID]struct{})
		l.producersByOwner[rec.Owner] = owned
	}
	owned[id] = struct{}{}
	return nil
}

func (l *Ledger) Producer(id domain.ProducerID) (ProducerRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.producers[id]
	if !ok {
		return ProducerRecord{}, false
	}
	return *rec, true
}

func (l *Ledger) ProducersOf(owner domain.ConnectionID) []ProducerRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ProducerRecord, 0, len(l.producersByOwner[owner]))
	for id := range l.producersByOwner[owner] {
		out = append(out, *l.producers[id])
	}
	return out
}

func (l *Ledger) ProducersIn(room domain.RoomName) []ProducerRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []ProducerRecord
	for _, rec := range l.producers {
		if rec.Room == room {
			out = append(out, *rec)
		}
	}
	return out
}

// SetProducersPaused updates the owner's producers and returns those whose
// flag actually changed.
func (l *Ledger) SetProducersPaused(owner domain.ConnectionID, paused bool) []ProducerRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	var changed []ProducerRecord
	for id := range l.producersByOwner[owner] {
		rec := l.producers[id]
		if rec.Paused == paused {
			continue
		}
		rec.Paused = paused
		changed = append(changed, *rec)
	}
	return changed
}

func (l *Ledger) AddConsumer(rec ConsumerRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.insertConsumer(&rec)
}

func (l *Ledger) insertConsumer(rec *ConsumerRecord) error {
	if _, open := l.open[rec.Owner]; !open {
		return fmt.Errorf("%w: connection %s closed", core.ErrNotFound, rec.Owner)
	}
	if _, ok := l.producers[rec.ProducerID]; !ok {
		return fmt.Errorf("%w: producer %s", core.ErrNotFound, rec.ProducerID)
	}
	l.consumers[consumerKey{owner: rec.Owner, producer: rec.ProducerID}] = rec
	byOwner, ok := l.consumersByOwner[rec.Owner]
	if !ok {
		byOwner = make(map[domain.ProducerID]struct{})
		l.consumersByOwner[rec.Owner] = byOwner
	}
	byOwner[rec.ProducerID] = struct{}{}
	bySource, ok := l.consumersBySource[rec.ProducerID]
	if !ok {
		bySource = make(map[domain.ConnectionID]struct{})
		l.consumersBySource[rec.ProducerID] = bySource
	}
	bySource[rec.Owner] = struct{}{}
	return nil
}

// GetOrCreateConsumer returns the owner's consumer of producer, creating it
// at most once. created reports whether this call stored a new record.
func (l *Ledger) GetOrCreateConsumer(
	ctx context.Context,
	owner domain.ConnectionID,
	producer domain.ProducerID,
	create func(context.Context) (core.Consumer, error),
) (ConsumerRecord, bool, error) {
	key := consumerKey{owner: owner, producer: producer}
	if rec, ok := l.Consumer(owner, producer); ok {
		return rec, false, nil
	}
	type result struct {
		rec     ConsumerRecord
		created bool
	}
	v, err, _ := l.group.Do("consumer/"+string(owner)+"/"+string(producer), func() (any, error) {
		l.mu.Lock()
		if rec, ok := l.consumers[key]; ok {
			l.mu.Unlock()
			return result{rec: *rec}, nil
		}
		src, ok := l.producers[producer]
		if !ok {
			l.mu.Unlock()
			return result{}, fmt.Errorf("%w: producer %s", core.ErrNotFound, producer)
		}
		base := ConsumerRecord{
			Owner:         owner,
			ProducerID:    producer,
			ProducerOwner: src.Owner,
			Kind:          src.Kind,
			Tag:           src.Tag,
			Paused:        true,
		}
		l.mu.Unlock()

		handle, err := create(ctx)
		if err != nil {
			return result{}, err
		}
		base.Handle = handle
		l.mu.Lock()
		err = l.insertConsumer(&base)
		l.mu.Unlock()
		if err != nil {
			closeQuietly("consumer", string(handle.ID()), handle.Close)
			return result{}, err
		}
		return result{rec: base, created: true}, nil
	})
	if err != nil {
		return ConsumerRecord{}, false, err
	}
	res := v.(result)
	return res.rec, res.created, nil
}

func (l *Ledger) Consumer(owner domain.ConnectionID, producer domain.ProducerID) (ConsumerRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.consumers[consumerKey{owner: owner, producer: producer}]
	if !ok {
		return ConsumerRecord{}, false
	}
	return *rec, true
}

func (l *Ledger) ConsumersOf(owner domain.ConnectionID) []ConsumerRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ConsumerRecord, 0, len(l.consumersByOwner[owner]))
	for producer := range l.consumersByOwner[owner] {
		out = append(out, *l.consumers[consumerKey{owner: owner, producer: producer}])
	}
	return out
}

func (l *Ledger) SetConsumerPaused(owner domain.ConnectionID, producer domain.ProducerID, paused bool) (ConsumerRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.consumers[consumerKey{owner: owner, producer: producer}]
	if !ok {
		return ConsumerRecord{}, false
	}
	rec.Paused = paused
	return *rec, true
}

// EvictByOwner closes the owner and removes every record it owns. Handles are
// closed after the lock is released; close errors are only logged.
func (l *Ledger) EvictByOwner(owner domain.ConnectionID) Evicted {
	l.mu.Lock()
	delete(l.open, owner)

	var ev Evicted
	for _, dir := range []domain.Direction{domain.DirectionSend, domain.DirectionRecv} {
		key := transportKey{owner: owner, dir: dir}
		if rec, ok := l.transports[key]; ok {
			ev.Transports = append(ev.Transports, *rec)
			delete(l.transports, key)
		}
	}
	for producer := range l.consumersByOwner[owner] {
		ev.Consumers = append(ev.Consumers, l.removeConsumerLocked(owner, producer))
	}
	for id := range l.producersByOwner[owner] {
		ev.Producers = append(ev.Producers, *l.producers[id])
		delete(l.producers, id)
	}
	delete(l.producersByOwner, owner)
	l.mu.Unlock()

	for _, c := range ev.Consumers {
		closeQuietly("consumer", string(c.Handle.ID()), c.Handle.Close)
	}
	for _, p := range ev.Producers {
		closeQuietly("producer", string(p.ID()), p.Handle.Close)
	}
	for _, t := range ev.Transports {
		closeQuietly("transport", string(t.Handle.ID()), t.Handle.Close)
	}
	log.Debug().Str("module", "app.ledger").Str("conn", string(owner)).
		Int("transports", len(ev.Transports)).Int("producers", len(ev.Producers)).Int("consumers", len(ev.Consumers)).
		Msg("evicted owner")
	return ev
}

// EvictConsumersOf removes and closes every consumer of the given producers.
func (l *Ledger) EvictConsumersOf(producers ...domain.ProducerID) []ConsumerRecord {
	l.mu.Lock()
	var removed []ConsumerRecord
	for _, producer := range producers {
		for owner := range l.consumersBySource[producer] {
			removed = append(removed, l.removeConsumerLocked(owner, producer))
		}
		delete(l.consumersBySource, producer)
	}
	l.mu.Unlock()

	for _, c := range removed {
		closeQuietly("consumer", string(c.Handle.ID()), c.Handle.Close)
	}
	return removed
}

func (l *Ledger) removeConsumerLocked(owner domain.ConnectionID, producer domain.ProducerID) ConsumerRecord {
	key := consumerKey{owner: owner, producer: producer}
	rec := *l.consumers[key]
	delete(l.consumers, key)
	if byOwner, ok := l.consumersByOwner[owner]; ok {
		delete(byOwner, producer)
		if len(byOwner) == 0 {
			delete(l.consumersByOwner, owner)
		}
	}
	if bySource, ok := l.consumersBySource[producer]; ok {
		delete(bySource, owner)
		if len(bySource) == 0 {
			delete(l.consumersBySource, producer)
		}
	}
	return rec
}

// Owned counts the records held for owner.
func (l *Ledger) Owned(owner domain.ConnectionID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.producersByOwner[owner]) + len(l.consumersByOwner[owner])
	for _, dir := range []domain.Direction{domain.DirectionSend, domain.DirectionRecv} {
		if _, ok := l.transports[transportKey{owner: owner, dir: dir}]; ok {
			n++
		}
	}
	return n
}

func closeQuietly(kind, id string, closeFn func() error) {
	if err := closeFn(); err != nil {
		log.Warn().Str("module", "app.ledger").Str(kind, id).Err(err).Msg("close failed")
	}
}
