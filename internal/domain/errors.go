package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrStatusConflict   = errors.New("status precondition failed")
	ErrInvalidPosition  = errors.New("invalid position")
	ErrInvalidSide      = errors.New("invalid side selector")
	ErrPriceUnavailable = errors.New("price unavailable")
	ErrIncompleteFills  = errors.New("incomplete fill set")
	ErrLockHeld         = errors.New("lock already held")
	ErrWSDisconnect     = errors.New("websocket disconnected")
)

// OrderPlacementError reports a broker rejection or transport failure for one
// leg of an exit sequence.
type OrderPlacementError struct {
	PositionID string
	Symbol     string
	Side       TransactionType
	Err        error
}

func (e *OrderPlacementError) Error() string {
	return fmt.Sprintf("place %s %s for position %s: %v", e.Side, e.Symbol, e.PositionID, e.Err)
}

func (e *OrderPlacementError) Unwrap() error {
	return e.Err
}
