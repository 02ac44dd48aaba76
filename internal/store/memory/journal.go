package memory

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/condorbot/internal/domain"
)

// AuditStore keeps audit entries in insertion order.
type AuditStore struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, domain.AuditEntry{
		ID:        int64(len(s.entries) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

// List returns entries newest first.
func (s *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.AuditEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if inWindow(s.entries[i].CreatedAt, opts) {
			out = append(out, s.entries[i])
		}
	}
	return page(out, opts), nil
}

// PerformanceStore keeps trade performance rows in insertion order.
type PerformanceStore struct {
	mu   sync.Mutex
	rows []domain.TradePerformance
}

func NewPerformanceStore() *PerformanceStore {
	return &PerformanceStore{}
}

func (s *PerformanceStore) Insert(_ context.Context, rec domain.TradePerformance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, rec)
	return nil
}

// List returns rows newest first.
func (s *PerformanceStore) List(_ context.Context, opts domain.ListOpts) ([]domain.TradePerformance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TradePerformance
	for i := len(s.rows) - 1; i >= 0; i-- {
		if inWindow(s.rows[i].CreatedAt, opts) {
			out = append(out, s.rows[i])
		}
	}
	return page(out, opts), nil
}

func inWindow(t time.Time, opts domain.ListOpts) bool {
	if opts.Since != nil && t.Before(*opts.Since) {
		return false
	}
	if opts.Until != nil && t.After(*opts.Until) {
		return false
	}
	return true
}

func page[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}

var (
	_ domain.AuditStore       = (*AuditStore)(nil)
	_ domain.PerformanceStore = (*PerformanceStore)(nil)
)
