package app

import "github.com/dkeye/Huddle/internal/domain"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropFrame
)

// Policy decides what to do with a connection whose send buffer is full.
type Policy interface {
	OnBackPressure(ns domain.RoomName, conn Connection) BackpressureAction
}

type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(domain.RoomName, Connection) BackpressureAction {
	return KickMember
}

// DropPolicy keeps slow connections and loses the frame instead.
type DropPolicy struct{}

func (DropPolicy) OnBackPressure(domain.RoomName, Connection) BackpressureAction {
	return DropFrame
}
