package orch

import (
	"context"
	"fmt"

	"github.com/dkeye/Huddle/internal/app"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

// DefaultNamespace is where clients land before picking a room.
const DefaultNamespace domain.RoomName = "/"

type NamespaceJoined struct {
	Namespace domain.RoomName `json:"namespace"`
	Path      string          `json:"path"`
}

type RoomCreated struct {
	RTPCapabilities domain.RTPCapabilities `json:"rtpCapabilities"`
	IsAdmin         bool                   `json:"isAdmin"`
}

type JoinState struct {
	State string `json:"state"`
}

// ListRooms lists namespaces that currently have connections.
func (o *Orchestrator) ListRooms() []core.RoomInfo {
	rooms := o.Registry.Namespaces()
	out := rooms[:0]
	for _, info := range rooms {
		if info.Name == DefaultNamespace {
			continue
		}
		_, info.HasRouter = o.Rooms.Get(info.Name)
		out = append(out, info)
	}
	return out
}

// JoinNamespace validates a room name and returns the endpoint to dial.
func (o *Orchestrator) JoinNamespace(room string) (NamespaceJoined, error) {
	name, err := domain.ParseRoomName(room)
	if err != nil {
		return NamespaceJoined{}, fmt.Errorf("%w: %v", core.ErrBadRequest, err)
	}
	return NamespaceJoined{Namespace: name, Path: "/api/ws/rooms/" + string(name)}, nil
}

// Connect registers a signaling link and greets it with connection-success.
func (o *Orchestrator) Connect(ns domain.RoomName, client string, sig core.SignalConnection, cancel context.CancelFunc) app.Connection {
	conn := o.Registry.Register(ns, client, sig, cancel)
	o.Ledger.Open(conn.ID)
	o.send(conn, core.EventConnectionSuccess, core.ConnectionSuccess{ConnectionID: conn.ID, Namespace: ns})
	return conn
}

// Disconnect releases everything the connection owns. Calling it twice is
// harmless.
func (o *Orchestrator) Disconnect(id domain.ConnectionID) {
	conn, remaining, ok := o.Registry.Unregister(id)
	if !ok {
		o.Ledger.EvictByOwner(id)
		return
	}
	o.Admission.Forget(id)
	o.evict(conn, conn.Namespace != DefaultNamespace)
	if remaining == 0 {
		o.Rooms.Remove(conn.Namespace)
	}
	log.Info().Str("module", "orch").Str("conn", string(id)).Str("namespace", string(conn.Namespace)).Int("remaining", remaining).Msg("disconnected")
}

// evict drops the connection's ledger records, purges consumers of its
// producers and detaches its audio producers. With announce set the
// namespace gets producer-removed.
func (o *Orchestrator) evict(conn app.Connection, announce bool) {
	ev := o.Ledger.EvictByOwner(conn.ID)
	ids := ev.ProducerIDs()
	if len(ids) > 0 {
		o.Ledger.EvictConsumersOf(ids...)
	}

	o.announce.Lock()
	defer o.announce.Unlock()
	if room, ok := o.Rooms.Get(conn.Namespace); ok {
		for _, p := range ev.Producers {
			if p.Kind != domain.KindAudio {
				continue
			}
			if err := room.Observer.RemoveProducer(p.ID()); err != nil {
				log.Debug().Str("module", "orch").Str("producer", string(p.ID())).Err(err).Msg("observer remove producer")
			}
		}
	}
	if announce {
		o.broadcast(conn.Namespace, core.EventProducerRemoved, core.ProducerRemoved{ConnectionID: conn.ID, ProducerIDs: ids})
	}
}

// CreateRoom gets or allocates the router of the caller's namespace.
func (o *Orchestrator) CreateRoom(ctx context.Context, id domain.ConnectionID) (RoomCreated, error) {
	conn, err := o.connection(id)
	if err != nil {
		return RoomCreated{}, err
	}
	if conn.Namespace == DefaultNamespace {
		return RoomCreated{}, fmt.Errorf("%w: join a room namespace first", core.ErrBadRequest)
	}
	room, err := o.Rooms.GetOrCreate(ctx, conn.Namespace, id)
	if err != nil {
		return RoomCreated{}, err
	}
	// Everyone may have left while the router was being allocated.
	if o.Registry.Count(conn.Namespace) == 0 {
		o.Rooms.Remove(conn.Namespace)
		return RoomCreated{}, fmt.Errorf("%w: namespace %s is empty", core.ErrNotFound, conn.Namespace)
	}
	isAdmin := room.Admin == id
	if isAdmin {
		o.Admission.Grant(id)
	}
	return RoomCreated{RTPCapabilities: room.Router.Capabilities(), IsAdmin: isAdmin}, nil
}

// JoinRequest asks for admission. Without a room yet, or for the admin, it is
// granted immediately; otherwise the admin is asked.
func (o *Orchestrator) JoinRequest(id domain.ConnectionID, name string) (JoinState, error) {
	if err := o.Registry.SetDisplayName(id, name); err != nil {
		return JoinState{}, err
	}
	conn, err := o.connection(id)
	if err != nil {
		return JoinState{}, err
	}
	room, ok := o.Rooms.Get(conn.Namespace)
	if !ok || room.Admin == id {
		o.Admission.Grant(id)
		return JoinState{State: app.Approved.String()}, nil
	}
	state := o.Admission.Request(id, name)
	if state != app.PendingApproval {
		return JoinState{State: state.String()}, nil
	}
	if admin, ok := o.Registry.Find(room.Admin); ok {
		o.send(admin, core.EventJoinRequest, core.JoinRequestNotice{Name: name, ConnectionID: id})
	} else {
		log.Info().Str("module", "orch").Str("conn", string(id)).Str("room", string(room.Name)).Msg("admin gone, join request stays pending")
	}
	return JoinState{State: state.String()}, nil
}

// DecideJoin applies the admin's answer to a pending join request.
func (o *Orchestrator) DecideJoin(caller, target domain.ConnectionID, approve bool) error {
	_, room, err := o.roomOf(caller)
	if err != nil {
		return err
	}
	if room.Admin != caller {
		return fmt.Errorf("%w: only the room admin can answer join requests", core.ErrUnauthorized)
	}
	conn, ok := o.Registry.Find(target)
	if !ok || conn.Namespace != room.Name {
		return fmt.Errorf("%w: connection %s", core.ErrNotFound, target)
	}
	state, err := o.Admission.Decide(target, approve)
	if err != nil {
		return err
	}
	event := core.EventJoinRejected
	if state == app.Approved {
		event = core.EventJoinApproved
	}
	o.send(conn, event, core.JoinDecision{ConnectionID: target, Room: room.Name})
	return nil
}

// Boot removes target from the room. Only the admin may boot.
func (o *Orchestrator) Boot(caller, target domain.ConnectionID) error {
	_, room, err := o.roomOf(caller)
	if err != nil {
		return err
	}
	if room.Admin != caller {
		return fmt.Errorf("%w: only the room admin can boot", core.ErrUnauthorized)
	}
	conn, ok := o.Registry.Find(target)
	if !ok || conn.Namespace != room.Name {
		return fmt.Errorf("%w: connection %s", core.ErrNotFound, target)
	}

	o.evict(conn, true)

	// Unregister before closing so no later send can cancel the link while
	// it is still flushing.
	_, remaining, ok := o.Registry.Unregister(target)
	if ok {
		o.Admission.Forget(target)
		if remaining == 0 {
			o.Rooms.Remove(room.Name)
		}
	}
	if conn.Signal != nil {
		conn.Signal.Close()
	}
	log.Info().Str("module", "orch").Str("admin", string(caller)).Str("conn", string(target)).Msg("booted")
	return nil
}
