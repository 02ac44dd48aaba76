package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/condorbot/internal/domain"
)

// PerformanceStore implements domain.PerformanceStore using PostgreSQL.
type PerformanceStore struct {
	pool *pgxpool.Pool
}

// NewPerformanceStore creates a new PerformanceStore backed by the given pool.
func NewPerformanceStore(pool *pgxpool.Pool) *PerformanceStore {
	return &PerformanceStore{pool: pool}
}

// Insert records one closed-trade outcome.
func (s *PerformanceStore) Insert(ctx context.Context, rec domain.TradePerformance) error {
	const query = `
		INSERT INTO trade_performance (
			id, position_id, underlying, side, exit_reason,
			final_status, realized_pnl, notes, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.PositionID, rec.Underlying, string(rec.Side), string(rec.ExitReason),
		string(rec.FinalStatus), rec.RealizedPnL, rec.Notes, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert performance %s: %w", rec.ID, err)
	}
	return nil
}

// List returns performance rows newest first.
func (s *PerformanceStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.TradePerformance, error) {
	query, args := appendListOpts(
		`SELECT id, position_id, underlying, side, exit_reason, final_status,
		        realized_pnl, notes, created_at
		 FROM trade_performance WHERE 1=1`,
		nil, 1, "created_at", opts,
	)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list performance: %w", err)
	}
	defer rows.Close()

	var out []domain.TradePerformance
	for rows.Next() {
		var r domain.TradePerformance
		var side, reason, status string
		if err := rows.Scan(
			&r.ID, &r.PositionID, &r.Underlying, &side, &reason, &status,
			&r.RealizedPnL, &r.Notes, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan performance: %w", err)
		}
		r.Side = domain.Side(side)
		r.ExitReason = domain.ExitReason(reason)
		r.FinalStatus = domain.PositionStatus(status)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list performance rows: %w", err)
	}
	return out, nil
}

var _ domain.PerformanceStore = (*PerformanceStore)(nil)
