package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionLedger is the system of record for spread positions. Every mutating
// call is conditional on the persisted status (and, for Save, the version the
// caller read); a failed precondition returns ErrStatusConflict.
type PositionLedger interface {
	// FindActive returns the ACTIVE position of an underlying or ErrNotFound.
	FindActive(ctx context.Context, underlying string) (Position, error)
	// FindLatest returns the most recently updated position of an underlying
	// in any status, or ErrNotFound.
	FindLatest(ctx context.Context, underlying string) (Position, error)
	FindAll(ctx context.Context, status PositionStatus) ([]Position, error)
	GetByID(ctx context.Context, id string) (Position, error)
	// Create inserts a new position. A second ACTIVE position for the same
	// underlying is rejected with ErrAlreadyExists.
	Create(ctx context.Context, pos Position) error
	// Save persists every mutable field when the stored status equals expected
	// and the stored version equals pos.Version. On success pos.Version is
	// incremented.
	Save(ctx context.Context, pos *Position, expected PositionStatus) error
	// TransitionStatus moves a position from one status to another atomically.
	TransitionStatus(ctx context.Context, id string, from, to PositionStatus) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// PerformanceStore persists closed-trade outcomes.
type PerformanceStore interface {
	Insert(ctx context.Context, rec TradePerformance) error
	List(ctx context.Context, opts ListOpts) ([]TradePerformance, error)
}
