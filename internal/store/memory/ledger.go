// Package memory implements the ledger, audit log and performance journal in
// process memory. Paper trading and tests use it; nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/condorbot/internal/domain"
)

type record struct {
	pos domain.Position
	seq uint64
}

// Ledger implements domain.PositionLedger with the same conditional-write
// semantics as the PostgreSQL store.
type Ledger struct {
	mu      sync.RWMutex
	records map[string]*record
	seq     uint64
	now     func() time.Time
}

// NewLedger returns an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{
		records: make(map[string]*record),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (l *Ledger) nextSeq() uint64 {
	l.seq++
	return l.seq
}

// activeFor returns the ACTIVE record of an underlying, if any. Callers hold mu.
func (l *Ledger) activeFor(underlying string) *record {
	for _, r := range l.records {
		if r.pos.Underlying == underlying && r.pos.Status == domain.StatusActive {
			return r
		}
	}
	return nil
}

func (l *Ledger) FindActive(_ context.Context, underlying string) (domain.Position, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if r := l.activeFor(underlying); r != nil {
		return r.pos.Clone(), nil
	}
	return domain.Position{}, domain.ErrNotFound
}

func (l *Ledger) FindLatest(_ context.Context, underlying string) (domain.Position, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var latest *record
	for _, r := range l.records {
		if r.pos.Underlying != underlying {
			continue
		}
		if latest == nil || r.seq > latest.seq {
			latest = r
		}
	}
	if latest == nil {
		return domain.Position{}, domain.ErrNotFound
	}
	return latest.pos.Clone(), nil
}

// FindAll returns positions in status (all when empty), most recently
// written first.
func (l *Ledger) FindAll(_ context.Context, status domain.PositionStatus) ([]domain.Position, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	matched := make([]*record, 0, len(l.records))
	for _, r := range l.records {
		if status == "" || r.pos.Status == status {
			matched = append(matched, r)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].seq > matched[j].seq })

	out := make([]domain.Position, len(matched))
	for i, r := range matched {
		out[i] = r.pos.Clone()
	}
	return out, nil
}

func (l *Ledger) GetByID(_ context.Context, id string) (domain.Position, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.records[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return r.pos.Clone(), nil
}

func (l *Ledger) Create(_ context.Context, pos domain.Position) error {
	if err := pos.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.records[pos.ID]; ok {
		return fmt.Errorf("memory: create position %s: %w", pos.ID, domain.ErrAlreadyExists)
	}
	if pos.Status == domain.StatusActive && l.activeFor(pos.Underlying) != nil {
		return fmt.Errorf("memory: create position %s: active %s: %w", pos.ID, pos.Underlying, domain.ErrAlreadyExists)
	}

	stored := pos.Clone()
	if stored.Version == 0 {
		stored.Version = 1
	}
	now := l.now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	l.records[pos.ID] = &record{pos: stored, seq: l.nextSeq()}
	return nil
}

func (l *Ledger) Save(_ context.Context, pos *domain.Position, expected domain.PositionStatus) error {
	if err := pos.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.records[pos.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if r.pos.Status != expected || r.pos.Version != pos.Version {
		return domain.ErrStatusConflict
	}
	if pos.Status == domain.StatusActive {
		if other := l.activeFor(pos.Underlying); other != nil && other != r {
			return fmt.Errorf("memory: save position %s: %w", pos.ID, domain.ErrAlreadyExists)
		}
	}

	pos.Version++
	pos.UpdatedAt = l.now()
	stored := pos.Clone()
	stored.CreatedAt = r.pos.CreatedAt
	stored.LotSize = r.pos.LotSize
	stored.SpotToken = r.pos.SpotToken
	stored.Exchange = r.pos.Exchange
	r.pos = stored
	r.seq = l.nextSeq()
	return nil
}

func (l *Ledger) TransitionStatus(_ context.Context, id string, from, to domain.PositionStatus) error {
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("memory: transition %s -> %s: %w", from, to, domain.ErrStatusConflict)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.records[id]
	if !ok {
		return domain.ErrNotFound
	}
	if r.pos.Status != from {
		return domain.ErrStatusConflict
	}
	if to == domain.StatusActive {
		if other := l.activeFor(r.pos.Underlying); other != nil && other != r {
			return fmt.Errorf("memory: transition position %s: %w", id, domain.ErrAlreadyExists)
		}
	}
	r.pos.Status = to
	r.pos.Version++
	r.pos.UpdatedAt = l.now()
	r.seq = l.nextSeq()
	return nil
}

var _ domain.PositionLedger = (*Ledger)(nil)
