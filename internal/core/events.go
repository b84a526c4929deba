package core

import (
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/goccy/go-json"
)

// Server pushed events.
const (
	EventConnectionSuccess = "connection-success"
	EventJoinRequest       = "join-request"
	EventJoinApproved      = "join-approved"
	EventJoinRejected      = "join-rejected"
	EventProducerAdded     = "producer-added"
	EventProducerRemoved   = "producer-removed"
	EventActiveSpeaker     = "active-speaker"
	EventHandRaised        = "hand-raised"
	EventError             = "error"
)

type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

func EncodeEvent(typ string, data any) (Frame, error) {
	return json.Marshal(Event{Type: typ, Data: data})
}

type AppData struct {
	MediaTag domain.AppTag `json:"mediaTag"`
}

type ConnectionSuccess struct {
	ConnectionID domain.ConnectionID `json:"connectionId"`
	Namespace    domain.RoomName     `json:"namespace"`
}

type JoinRequestNotice struct {
	Name         string              `json:"name"`
	ConnectionID domain.ConnectionID `json:"connectionId"`
}

// JoinDecision is sent to the requester with join-approved or join-rejected.
type JoinDecision struct {
	ConnectionID domain.ConnectionID `json:"connectionId"`
	Room         domain.RoomName     `json:"room"`
}

type ProducerInfo struct {
	ID           domain.ProducerID   `json:"id"`
	Kind         domain.MediaKind    `json:"kind"`
	ConnectionID domain.ConnectionID `json:"connectionId"`
	AppData      AppData             `json:"appData"`
}

type ProducerRemoved struct {
	ConnectionID domain.ConnectionID `json:"connectionId"`
	ProducerIDs  []domain.ProducerID `json:"producerIds"`
}

// ActiveSpeaker carries a null producer id on silence.
type ActiveSpeaker struct {
	ProducerID *domain.ProducerID `json:"producerId"`
}

type HandRaised struct {
	Name         string              `json:"name"`
	ConnectionID domain.ConnectionID `json:"connectionId"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Request string `json:"request,omitempty"`
}

func NewErrorBody(err error) *ErrorBody {
	return &ErrorBody{Code: ErrorCode(err), Message: err.Error()}
}
