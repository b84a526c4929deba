package app

import (
	"fmt"
	"sync"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

type AdmissionState int

const (
	Unjoined AdmissionState = iota
	PendingApproval
	Approved
	Rejected
)

func (s AdmissionState) String() string {
	switch s {
	case PendingApproval:
		return "pending"
	case Approved:
		return "approved"
	case Rejected:
		return "rejected"
	default:
		return "unjoined"
	}
}

type admissionEntry struct {
	state AdmissionState
	name  string
}

// Admission is the admission controller. It only tracks states; deciding who
// may approve is the caller's job.
type Admission struct {
	mu      sync.Mutex
	entries map[domain.ConnectionID]*admissionEntry
}

func NewAdmission() *Admission {
	return &Admission{entries: make(map[domain.ConnectionID]*admissionEntry)}
}

func (a *Admission) State(id domain.ConnectionID) AdmissionState {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.entries[id]; ok {
		return e.state
	}
	return Unjoined
}

func (a *Admission) IsApproved(id domain.ConnectionID) bool {
	return a.State(id) == Approved
}

// Request moves id into PendingApproval. An approved connection stays
// approved; a rejected one may ask again.
func (a *Admission) Request(id domain.ConnectionID, name string) AdmissionState {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[id]
	if !ok {
		e = &admissionEntry{}
		a.entries[id] = e
	}
	e.name = name
	if e.state != Approved {
		e.state = PendingApproval
	}
	log.Debug().Str("module", "app.admission").Str("conn", string(id)).Str("state", e.state.String()).Msg("join requested")
	return e.state
}

// Grant approves id without moderation.
func (a *Admission) Grant(id domain.ConnectionID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[id]
	if !ok {
		e = &admissionEntry{}
		a.entries[id] = e
	}
	e.state = Approved
}

// Decide resolves a pending request.
func (a *Admission) Decide(id domain.ConnectionID, approve bool) (AdmissionState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[id]
	if !ok || e.state != PendingApproval {
		return Unjoined, fmt.Errorf("%w: no pending join request for %s", core.ErrNotFound, id)
	}
	if approve {
		e.state = Approved
	} else {
		e.state = Rejected
	}
	log.Info().Str("module", "app.admission").Str("conn", string(id)).Str("state", e.state.String()).Msg("join decided")
	return e.state, nil
}

func (a *Admission) Forget(id domain.ConnectionID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.entries, id)
}
