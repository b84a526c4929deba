package orch

import (
	"sync"

	"github.com/dkeye/Huddle/internal/app"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

// Orchestrator is the single authority over rooms, admissions and media
// resources. Every exported method is safe for concurrent use.
type Orchestrator struct {
	Registry  *app.Registry
	Rooms     *app.RoomDirectory
	Ledger    *app.Ledger
	Admission *app.Admission
	Policy    app.Policy

	// announce orders producer-added against producer-removed so a producer
	// is never announced after its removal.
	announce sync.Mutex
}

func New(worker core.MediaWorker, codecs []domain.RTPCodec, observer core.AudioLevelObserverOptions, policy app.Policy) *Orchestrator {
	o := &Orchestrator{
		Registry:  app.NewRegistry(),
		Rooms:     app.NewRoomDirectory(worker, codecs, observer),
		Ledger:    app.NewLedger(),
		Admission: app.NewAdmission(),
		Policy:    policy,
	}
	o.Rooms.SetListener(o)
	return o
}

// send pushes one event to one connection.
func (o *Orchestrator) send(conn app.Connection, typ string, data any) bool {
	frame, err := core.EncodeEvent(typ, data)
	if err != nil {
		log.Error().Str("module", "orch").Str("event", typ).Err(err).Msg("encode event")
		return false
	}
	return o.deliver(conn, frame)
}

func (o *Orchestrator) deliver(conn app.Connection, frame core.Frame) bool {
	if conn.Signal == nil {
		return false
	}
	if err := conn.Signal.TrySend(frame); err != nil {
		o.onBackPressure(conn)
		return false
	}
	return true
}

// broadcast pushes an event to every connection of ns except the listed ones.
func (o *Orchestrator) broadcast(ns domain.RoomName, typ string, data any, except ...domain.ConnectionID) core.PublishResult {
	var res core.PublishResult
	frame, err := core.EncodeEvent(typ, data)
	if err != nil {
		log.Error().Str("module", "orch").Str("event", typ).Err(err).Msg("encode event")
		return res
	}
	for _, conn := range o.Registry.MembersOf(ns) {
		if excluded(conn.ID, except) {
			continue
		}
		if o.deliver(conn, frame) {
			res.SendTo++
		} else {
			res.Dropped = append(res.Dropped, conn.ID)
		}
	}
	return res
}

func (o *Orchestrator) onBackPressure(conn app.Connection) {
	if o.Policy == nil {
		return
	}
	switch o.Policy.OnBackPressure(conn.Namespace, conn) {
	case app.KickMember:
		log.Warn().Str("module", "orch").Str("conn", string(conn.ID)).Msg("send buffer full, disconnecting")
		o.Registry.Cancel(conn.ID)
	case app.MarkSlow, app.DropFrame, app.NoAction:
		log.Debug().Str("module", "orch").Str("conn", string(conn.ID)).Msg("send buffer full, frame dropped")
	}
}

func excluded(id domain.ConnectionID, except []domain.ConnectionID) bool {
	for _, e := range except {
		if e == id {
			return true
		}
	}
	return false
}

func (o *Orchestrator) connection(id domain.ConnectionID) (app.Connection, error) {
	conn, ok := o.Registry.Find(id)
	if !ok {
		return app.Connection{}, core.ErrNotFound
	}
	return conn, nil
}

// roomOf returns the caller's connection and the room of its namespace.
func (o *Orchestrator) roomOf(id domain.ConnectionID) (app.Connection, *app.Room, error) {
	conn, err := o.connection(id)
	if err != nil {
		return app.Connection{}, nil, err
	}
	room, ok := o.Rooms.Get(conn.Namespace)
	if !ok {
		return conn, nil, core.ErrNotFound
	}
	return conn, room, nil
}
