package domain

import (
	"context"
	"time"
)

// Position event types published for dashboards and other processes.
const (
	EventPositionOpened    = "position.opened"
	EventPositionRolled    = "position.rolled"
	EventPositionConverted = "position.butterfly"
	EventPositionExiting   = "position.exiting"
	EventPositionExited    = "position.exited"
	EventPositionFailed    = "position.failed_exit"
	EventPositionOverride  = "position.override"
	EventPositionResumed   = "position.resumed"
)

// PositionEvent is the payload of a position change notification.
type PositionEvent struct {
	Type     string    `json:"type"`
	Position Position  `json:"position"`
	At       time.Time `json:"at"`
}

// EventPublisher broadcasts position changes. Implementations are best effort.
type EventPublisher interface {
	PublishPosition(ctx context.Context, eventType string, pos Position)
}
