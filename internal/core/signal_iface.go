package core

import "github.com/dkeye/Huddle/internal/domain"

// Frame is an encoded signaling message.
type Frame []byte

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter. Close stops accepting frames; frames already queued
// are still delivered before the link goes down.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []domain.ConnectionID
}
