package core

import (
	"time"

	"github.com/dkeye/Huddle/internal/domain"
)

type RoomInfo struct {
	Name        domain.RoomName `json:"name"`
	MemberCount int             `json:"count"`
	HasRouter   bool            `json:"has_router"`
}

// AudioLevelObserverOptions configures active speaker detection for a room.
type AudioLevelObserverOptions struct {
	MaxEntries int
	// Threshold in dBov; quieter producers never count as speaking.
	Threshold int
	Interval  time.Duration
}

// SpeakerListener receives active speaker changes of a room.
// An empty producer id means silence.
type SpeakerListener interface {
	OnActiveSpeaker(room domain.RoomName, producer domain.ProducerID)
}
