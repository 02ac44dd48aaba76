package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/alanyoungcy/condorbot/internal/domain"
	"github.com/alanyoungcy/condorbot/internal/executor"
	"github.com/alanyoungcy/condorbot/internal/notify"
)

// ErrExitsDisabled is returned by Exit when the process runs without a
// broker session.
var ErrExitsDisabled = errors.New("service: exits are disabled in this mode")

// StopLeveler computes the side net at which a side is stopped out. A nil
// StopLeveler leaves stop levels out of the live stats.
type StopLeveler interface {
	StopLevel(entry, buffer float64) float64
}

// Exiter runs exit sequences.
type Exiter interface {
	Exit(ctx context.Context, req executor.ExitRequest) error
}

// SideStats is the live view of one spread side.
type SideStats struct {
	Side         domain.Side `json:"side"`
	EntryPremium float64     `json:"entry_premium"`
	// Quoted is false when either leg has no price yet; the remaining
	// figures are then zero.
	Quoted         bool    `json:"quoted"`
	CurrentNet     float64 `json:"current_net"`
	StopLevel      float64 `json:"stop_level,omitempty"`
	DistanceToStop float64 `json:"distance_to_stop,omitempty"`
	UnrealizedPnL  float64 `json:"unrealized_pnl"`
}

// PositionView is a position with its live statistics.
type PositionView struct {
	domain.Position
	Spot     float64     `json:"spot"`
	Sides    []SideStats `json:"sides"`
	TotalPnL float64     `json:"total_pnl"`
	// Complete is true when every leg and the spot had a price.
	Complete bool `json:"complete"`
}

// PositionService is the operator-facing view of the ledger: listing with
// live statistics, manual override and manual exits.
type PositionService struct {
	ledger domain.PositionLedger
	prices domain.PriceSource
	stops  StopLeveler
	exits  Exiter
	audit  domain.AuditStore
	notify domain.Notifier
	events domain.EventPublisher
	logger *slog.Logger
}

// NewPositionService creates a PositionService. stops, exits, notifier and
// events may be nil; without exits, Exit returns ErrExitsDisabled.
func NewPositionService(
	ledger domain.PositionLedger,
	prices domain.PriceSource,
	stops StopLeveler,
	exits Exiter,
	audit domain.AuditStore,
	notifier domain.Notifier,
	events domain.EventPublisher,
	logger *slog.Logger,
) *PositionService {
	return &PositionService{
		ledger: ledger,
		prices: prices,
		stops:  stops,
		exits:  exits,
		audit:  audit,
		notify: notifier,
		events: events,
		logger: logger.With(slog.String("component", "position_service")),
	}
}

// List returns every position in the given status, or all positions when
// status is empty.
func (s *PositionService) List(ctx context.Context, status domain.PositionStatus) ([]domain.Position, error) {
	positions, err := s.ledger.FindAll(ctx, status)
	if err != nil {
		return nil, fmt.Errorf("position_service: list %q: %w", status, err)
	}
	return positions, nil
}

// Get returns one position with live statistics.
func (s *PositionService) Get(ctx context.Context, id string) (PositionView, error) {
	pos, err := s.ledger.GetByID(ctx, id)
	if err != nil {
		return PositionView{}, fmt.Errorf("position_service: get %q: %w", id, err)
	}
	views, err := s.views(ctx, []domain.Position{pos})
	if err != nil {
		return PositionView{}, err
	}
	return views[0], nil
}

// Active returns every ACTIVE position with live statistics.
func (s *PositionService) Active(ctx context.Context) ([]PositionView, error) {
	positions, err := s.ledger.FindAll(ctx, domain.StatusActive)
	if err != nil {
		return nil, fmt.Errorf("position_service: list active: %w", err)
	}
	return s.views(ctx, positions)
}

func (s *PositionService) views(ctx context.Context, positions []domain.Position) ([]PositionView, error) {
	var tokens []uint32
	for _, p := range positions {
		tokens = append(tokens, p.Tokens()...)
	}
	quote := map[uint32]float64{}
	if len(tokens) > 0 && s.prices != nil {
		q, err := s.prices.Prices(ctx, tokens)
		if err != nil {
			// Stats degrade to unquoted rather than failing the listing.
			s.logger.WarnContext(ctx, "price lookup failed", slog.String("error", err.Error()))
		} else {
			quote = q
		}
	}

	out := make([]PositionView, 0, len(positions))
	for _, p := range positions {
		out = append(out, s.view(p, quote))
	}
	return out, nil
}

func (s *PositionService) view(pos domain.Position, quote map[uint32]float64) PositionView {
	v := PositionView{Position: pos, Sides: []SideStats{}}
	spot, ok := quote[pos.SpotToken]
	v.Spot = spot
	v.Complete = ok

	qty := float64(pos.Quantity())
	for _, side := range []domain.Side{domain.SideCall, domain.SidePut} {
		ss := pos.SideOf(side)
		if ss == nil {
			continue
		}
		st := SideStats{Side: side, EntryPremium: ss.EntryPremium}
		if s.stops != nil {
			st.StopLevel = s.stops.StopLevel(ss.EntryPremium, pos.BufferPremium)
		}
		sell, okSell := quote[ss.Sell.Token]
		buy, okBuy := quote[ss.Buy.Token]
		if okSell && okBuy {
			st.Quoted = true
			st.CurrentNet = math.Abs(buy - sell)
			st.UnrealizedPnL = round2((ss.EntryPremium - st.CurrentNet) * qty)
			if s.stops != nil {
				st.DistanceToStop = round2(st.StopLevel - st.CurrentNet)
			}
			v.TotalPnL += st.UnrealizedPnL
		} else {
			v.Complete = false
		}
		v.Sides = append(v.Sides, st)
	}
	v.TotalPnL = round2(v.TotalPnL)
	return v
}

// Override hands an ACTIVE position to the operator. The evaluator ignores
// MANUAL_OVERRIDE positions until Resume.
func (s *PositionService) Override(ctx context.Context, id string) (domain.Position, error) {
	return s.move(ctx, id, domain.StatusActive, domain.StatusManualOverride,
		"position.override", domain.EventPositionOverride)
}

// Resume returns an overridden position to automatic risk management.
func (s *PositionService) Resume(ctx context.Context, id string) (domain.Position, error) {
	return s.move(ctx, id, domain.StatusManualOverride, domain.StatusActive,
		"position.resumed", domain.EventPositionResumed)
}

func (s *PositionService) move(ctx context.Context, id string, from, to domain.PositionStatus, auditEvent, eventType string) (domain.Position, error) {
	if err := s.ledger.TransitionStatus(ctx, id, from, to); err != nil {
		return domain.Position{}, fmt.Errorf("position_service: %s -> %s for %q: %w", from, to, id, err)
	}
	pos, err := s.ledger.GetByID(ctx, id)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: reload %q: %w", id, err)
	}

	s.logger.InfoContext(ctx, "position status changed by operator",
		slog.String("position_id", id),
		slog.String("underlying", pos.Underlying),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	if s.audit != nil {
		if auditErr := s.audit.Log(ctx, auditEvent, map[string]any{
			"position_id": id,
			"underlying":  pos.Underlying,
			"from":        string(from),
			"to":          string(to),
		}); auditErr != nil {
			s.logger.WarnContext(ctx, "audit log failed",
				slog.String("position_id", id),
				slog.String("error", auditErr.Error()),
			)
		}
	}
	if s.events != nil {
		s.events.PublishPosition(ctx, eventType, pos)
	}
	if s.notify != nil {
		msg := fmt.Sprintf("%s position %s is now %s.", pos.Underlying, id, to)
		if err := s.notify.Notify(ctx, notify.EventManualOverride, "Manual override: "+pos.Underlying, msg); err != nil {
			s.logger.WarnContext(ctx, "notify failed", slog.String("error", err.Error()))
		}
	}
	return pos, nil
}

// Exit closes the selected sides of an ACTIVE position with reason
// MANUAL_CLOSE and returns the position as it stands afterwards. A position
// that is not ACTIVE yields domain.ErrStatusConflict.
func (s *PositionService) Exit(ctx context.Context, id string, side domain.Side) (domain.Position, error) {
	if s.exits == nil {
		return domain.Position{}, ErrExitsDisabled
	}
	pos, err := s.ledger.GetByID(ctx, id)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: get %q: %w", id, err)
	}
	if pos.Status != domain.StatusActive {
		return pos, fmt.Errorf("position_service: exit %q in status %s: %w", id, pos.Status, domain.ErrStatusConflict)
	}

	var quote map[uint32]float64
	if s.prices != nil {
		if q, qerr := s.prices.Prices(ctx, pos.Tokens()); qerr == nil {
			quote = q
		}
	}

	s.logger.WarnContext(ctx, "manual exit requested",
		slog.String("position_id", id),
		slog.String("underlying", pos.Underlying),
		slog.String("side", string(side)),
	)
	exitErr := s.exits.Exit(ctx, executor.ExitRequest{
		Position: pos,
		Side:     side,
		Reason:   domain.ExitManualClose,
		Quote:    quote,
	})

	after, err := s.ledger.GetByID(context.WithoutCancel(ctx), id)
	if err != nil {
		after = pos
	}
	if exitErr != nil {
		return after, fmt.Errorf("position_service: exit %q: %w", id, exitErr)
	}
	return after, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
