package domain

import (
	"errors"
	"regexp"
)

const MaxRoomNameLen = 36

var (
	ErrRoomNameEmpty   = errors.New("room name empty")
	ErrRoomNameTooLong = errors.New("room name too long")
	ErrRoomNameInvalid = errors.New("room name may contain only letters, digits, '-' and '_'")
)

// RoomName doubles as the namespace name, so it ends up in URL paths.
type RoomName string

var roomNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func ParseRoomName(raw string) (RoomName, error) {
	if raw == "" {
		return "", ErrRoomNameEmpty
	}
	if len(raw) > MaxRoomNameLen {
		return "", ErrRoomNameTooLong
	}
	if !roomNamePattern.MatchString(raw) {
		return "", ErrRoomNameInvalid
	}
	return RoomName(raw), nil
}
