package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/condorbot/internal/domain"
)

// PositionStore implements domain.PositionLedger using PostgreSQL. Every
// write is a conditional UPDATE on (status, version).
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, underlying, status, trade_type, call_side, put_side,
	total_entry_premium, buffer_premium, is_iron_butterfly, alerts,
	lot_size, lots, spot_token, exchange, last_fill_at, opened_after, retired_symbols,
	version, created_at, updated_at`

// positionRow holds the JSONB and integer columns that need conversion.
type positionRow struct {
	callJSON, putJSON, alertsJSON []byte
	status, tradeType             string
	spotToken                     int64
}

func (r *positionRow) into(p *domain.Position) error {
	p.Status = domain.PositionStatus(r.status)
	p.TradeType = domain.TradeType(r.tradeType)
	p.SpotToken = uint32(r.spotToken)
	if len(r.callJSON) > 0 {
		p.Call = new(domain.SpreadSide)
		if err := json.Unmarshal(r.callJSON, p.Call); err != nil {
			return fmt.Errorf("call side: %w", err)
		}
	}
	if len(r.putJSON) > 0 {
		p.Put = new(domain.SpreadSide)
		if err := json.Unmarshal(r.putJSON, p.Put); err != nil {
			return fmt.Errorf("put side: %w", err)
		}
	}
	if len(r.alertsJSON) > 0 {
		if err := json.Unmarshal(r.alertsJSON, &p.Alerts); err != nil {
			return fmt.Errorf("alerts: %w", err)
		}
	}
	return nil
}

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var r positionRow
	err := row.Scan(
		&p.ID, &p.Underlying, &r.status, &r.tradeType, &r.callJSON, &r.putJSON,
		&p.TotalEntryPremium, &p.BufferPremium, &p.IsIronButterfly, &r.alertsJSON,
		&p.LotSize, &p.Lots, &r.spotToken, &p.Exchange, &p.LastFillAt, &p.OpenedAfter, &p.RetiredSymbols,
		&p.Version, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	if err := r.into(&p); err != nil {
		return domain.Position{}, fmt.Errorf("postgres: decode position %s: %w", p.ID, err)
	}
	return p, nil
}

func scanPositions(rows pgx.Rows) ([]domain.Position, error) {
	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// sideJSON encodes an optional spread side as JSONB, nil for an absent side.
func sideJSON(s *domain.SpreadSide) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(s)
}

type encodedPosition struct {
	call, put, alerts []byte
	retired           []string
}

func encodePosition(p domain.Position) (encodedPosition, error) {
	var e encodedPosition
	var err error
	if e.call, err = sideJSON(p.Call); err != nil {
		return e, err
	}
	if e.put, err = sideJSON(p.Put); err != nil {
		return e, err
	}
	if e.alerts, err = json.Marshal(p.Alerts); err != nil {
		return e, err
	}
	e.retired = p.RetiredSymbols
	if e.retired == nil {
		e.retired = []string{}
	}
	return e, nil
}

// FindActive returns the ACTIVE position of an underlying.
func (s *PositionStore) FindActive(ctx context.Context, underlying string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE underlying = $1 AND status = 'ACTIVE'`, underlying)
	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: find active %s: %w", underlying, err)
	}
	return p, nil
}

// FindLatest returns the most recently updated position of an underlying.
func (s *PositionStore) FindLatest(ctx context.Context, underlying string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE underlying = $1 ORDER BY updated_at DESC LIMIT 1`, underlying)
	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: find latest %s: %w", underlying, err)
	}
	return p, nil
}

// FindAll returns every position in the given status, or every position when
// status is empty, newest first.
func (s *PositionStore) FindAll(ctx context.Context, status domain.PositionStatus) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions`
	var args []any
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: find positions %s: %w", status, err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions: %w", err)
	}
	return positions, nil
}

// GetByID retrieves a single position by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)
	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// Create inserts a new position. The partial unique index rejects a second
// ACTIVE position for the same underlying.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	if err := p.Validate(); err != nil {
		return err
	}
	e, err := encodePosition(p)
	if err != nil {
		return fmt.Errorf("postgres: encode position %s: %w", p.ID, err)
	}
	if p.Version == 0 {
		p.Version = 1
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}

	const query = `
		INSERT INTO positions (
			id, underlying, status, trade_type, call_side, put_side,
			total_entry_premium, buffer_premium, is_iron_butterfly, alerts,
			lot_size, lots, spot_token, exchange, last_fill_at, opened_after, retired_symbols,
			version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17,
			$18, $19, $20
		)`

	_, err = s.pool.Exec(ctx, query,
		p.ID, p.Underlying, string(p.Status), string(p.TradeType), e.call, e.put,
		p.TotalEntryPremium, p.BufferPremium, p.IsIronButterfly, e.alerts,
		p.LotSize, p.Lots, int64(p.SpotToken), p.Exchange, p.LastFillAt, p.OpenedAfter, e.retired,
		p.Version, p.CreatedAt, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: create position %s: %w", p.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// Save writes every mutable field of pos when the stored row still has the
// expected status and pos.Version. On success pos.Version and pos.UpdatedAt
// are refreshed from the row.
func (s *PositionStore) Save(ctx context.Context, pos *domain.Position, expected domain.PositionStatus) error {
	if err := pos.Validate(); err != nil {
		return err
	}
	e, err := encodePosition(*pos)
	if err != nil {
		return fmt.Errorf("postgres: encode position %s: %w", pos.ID, err)
	}

	const query = `
		UPDATE positions SET
			status              = $4,
			trade_type          = $5,
			call_side           = $6,
			put_side            = $7,
			total_entry_premium = $8,
			buffer_premium      = $9,
			is_iron_butterfly   = $10,
			alerts              = $11,
			lots                = $12,
			last_fill_at        = $13,
			retired_symbols     = $14,
			version             = version + 1,
			updated_at          = NOW()
		WHERE id = $1 AND status = $2 AND version = $3
		RETURNING version, updated_at`

	err = s.pool.QueryRow(ctx, query,
		pos.ID, string(expected), pos.Version,
		string(pos.Status), string(pos.TradeType), e.call, e.put,
		pos.TotalEntryPremium, pos.BufferPremium, pos.IsIronButterfly, e.alerts,
		pos.Lots, pos.LastFillAt, e.retired,
	).Scan(&pos.Version, &pos.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return s.missOrConflict(ctx, pos.ID)
		}
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: save position %s: %w", pos.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: save position %s: %w", pos.ID, err)
	}
	return nil
}

// TransitionStatus moves a position from one status to another if and only
// if it is currently in from.
func (s *PositionStore) TransitionStatus(ctx context.Context, id string, from, to domain.PositionStatus) error {
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("postgres: transition %s -> %s: %w", from, to, domain.ErrStatusConflict)
	}

	const query = `
		UPDATE positions SET
			status     = $3,
			version    = version + 1,
			updated_at = NOW()
		WHERE id = $1 AND status = $2`

	tag, err := s.pool.Exec(ctx, query, id, string(from), string(to))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: transition position %s: %w", id, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: transition position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, id)
	}
	return nil
}

// missOrConflict tells a missing row apart from a failed precondition.
func (s *PositionStore) missOrConflict(ctx context.Context, id string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM positions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("postgres: check position %s: %w", id, err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	return domain.ErrStatusConflict
}

var _ domain.PositionLedger = (*PositionStore)(nil)
