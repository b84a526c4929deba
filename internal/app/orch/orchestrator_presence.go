package orch

import (
	"fmt"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

// OnActiveSpeaker relays observer reports; an empty producer means silence.
func (o *Orchestrator) OnActiveSpeaker(room domain.RoomName, producer domain.ProducerID) {
	msg := core.ActiveSpeaker{}
	if producer != "" {
		msg.ProducerID = &producer
	}
	o.broadcast(room, core.EventActiveSpeaker, msg)
}

// RaiseHand tells the whole room, the caller included, that the caller raised
// a hand. Nothing is stored.
func (o *Orchestrator) RaiseHand(id domain.ConnectionID, name string) error {
	conn, err := o.connection(id)
	if err != nil {
		return err
	}
	if name == "" {
		name = conn.DisplayName
	}
	if err := domain.ValidateDisplayName(name); err != nil {
		return fmt.Errorf("%w: %v", core.ErrBadRequest, err)
	}
	o.broadcast(conn.Namespace, core.EventHandRaised, core.HandRaised{Name: name, ConnectionID: id})
	return nil
}
