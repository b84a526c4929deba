package app

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

// Connection is a snapshot of one live signaling link.
type Connection struct {
	ID          domain.ConnectionID
	Namespace   domain.RoomName
	DisplayName string
	// Client is the browser token the link was opened with.
	Client string
	Signal core.SignalConnection
}

type connEntry struct {
	conn   Connection
	cancel context.CancelFunc
}

// Registry is the connection registry: live links grouped by namespace.
type Registry struct {
	mu         sync.RWMutex
	conns      map[domain.ConnectionID]*connEntry
	namespaces map[domain.RoomName]map[domain.ConnectionID]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		conns:      make(map[domain.ConnectionID]*connEntry),
		namespaces: make(map[domain.RoomName]map[domain.ConnectionID]struct{}),
	}
}

func (r *Registry) Register(
	ns domain.RoomName,
	client string,
	sig core.SignalConnection,
	cancel context.CancelFunc,
) Connection {
	conn := Connection{
		ID:        domain.NewConnectionID(),
		Namespace: ns,
		Client:    client,
		Signal:    sig,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[conn.ID] = &connEntry{conn: conn, cancel: cancel}
	members, ok := r.namespaces[ns]
	if !ok {
		members = make(map[domain.ConnectionID]struct{})
		r.namespaces[ns] = members
	}
	members[conn.ID] = struct{}{}
	log.Info().Str("module", "app.registry").Str("conn", string(conn.ID)).Str("namespace", string(ns)).Int("count", len(members)).Msg("registered connection")
	return conn
}

// Unregister removes the connection and reports how many connections remain
// in its namespace. ok is false if the connection was already gone.
func (r *Registry) Unregister(id domain.ConnectionID) (Connection, int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return Connection{}, 0, false
	}
	delete(r.conns, id)
	ns := e.conn.Namespace
	members := r.namespaces[ns]
	delete(members, id)
	remaining := len(members)
	if remaining == 0 {
		delete(r.namespaces, ns)
	}
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Str("namespace", string(ns)).Int("remaining", remaining).Msg("unregistered connection")
	return e.conn, remaining, true
}

func (r *Registry) Find(id domain.ConnectionID) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	if !ok {
		return Connection{}, false
	}
	return e.conn, true
}

func (r *Registry) SetDisplayName(id domain.ConnectionID, name string) error {
	if err := domain.ValidateDisplayName(name); err != nil {
		return fmt.Errorf("%w: %v", core.ErrBadRequest, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return core.ErrNotFound
	}
	e.conn.DisplayName = name
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Str("name", name).Msg("updated display name")
	return nil
}

func (r *Registry) MembersOf(ns domain.RoomName) []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.namespaces[ns]
	out := make([]Connection, 0, len(members))
	for id := range members {
		out = append(out, r.conns[id].conn)
	}
	return out
}

func (r *Registry) Count(ns domain.RoomName) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.namespaces[ns])
}

// Namespaces lists namespaces with at least one live connection.
func (r *Registry) Namespaces() []core.RoomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.RoomInfo, 0, len(r.namespaces))
	for name, members := range r.namespaces {
		out = append(out, core.RoomInfo{Name: name, MemberCount: len(members)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Cancel stops the connection's pumps; the adapter then runs the disconnect path.
func (r *Registry) Cancel(id domain.ConnectionID) bool {
	r.mu.RLock()
	e, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.cancel != nil {
		e.cancel()
	}
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Msg("canceled connection")
	return true
}
