// Package reconcile keeps the ledger in step with what the trader actually
// did at the broker. It reads the day's completed orders, records new spread
// entries and detects manual rolls.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/condorbot/internal/domain"
	"github.com/alanyoungcy/condorbot/internal/metrics"
	"github.com/alanyoungcy/condorbot/internal/notify"
)

// Result is the outcome of one reconciliation pass.
type Result string

const (
	ResultIdle     Result = "idle"     // nothing scheduled today
	ResultNoFills  Result = "no_fills" // no new fills
	ResultDeferred Result = "deferred" // incomplete fills or position busy
	ResultCreated  Result = "created"  // new position recorded
	ResultRolled   Result = "rolled"   // legs of the active position replaced
	ResultLocked   Result = "locked"   // another replica holds the underlying
	ResultConflict Result = "conflict" // lost a conditional write
	ResultFailed   Result = "error"
)

// Underlying holds the per-index contract parameters.
type Underlying struct {
	LotSize   int
	SpotToken uint32
	Exchange  string
}

// Config holds scanner settings.
type Config struct {
	Interval       time.Duration
	Schedule       map[time.Weekday]string
	Location       *time.Location
	Underlyings    map[string]Underlying
	RollCarryRatio float64
	DefaultLots    int
	LockTTL        time.Duration
}

// Scanner reconciles broker fills into the ledger on a fixed interval.
type Scanner struct {
	cfg    Config
	broker domain.BrokerGateway
	ledger domain.PositionLedger
	locks  domain.LockManager
	audit  domain.AuditStore
	notify domain.Notifier
	events domain.EventPublisher
	logger *slog.Logger
	now    func() time.Time
}

// NewScanner creates a Scanner. locks, audit, notifier and events may be nil.
func NewScanner(
	cfg Config,
	broker domain.BrokerGateway,
	ledger domain.PositionLedger,
	locks domain.LockManager,
	audit domain.AuditStore,
	notifier domain.Notifier,
	events domain.EventPublisher,
	logger *slog.Logger,
) *Scanner {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.RollCarryRatio <= 0 {
		cfg.RollCarryRatio = 0.7
	}
	if cfg.DefaultLots <= 0 {
		cfg.DefaultLots = 1
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = cfg.Interval
	}
	return &Scanner{
		cfg:    cfg,
		broker: broker,
		ledger: ledger,
		locks:  locks,
		audit:  audit,
		notify: notifier,
		events: events,
		logger: logger.With(slog.String("component", "reconcile")),
		now:    time.Now,
	}
}

// Run scans immediately and then every interval until ctx is cancelled.
// Errors are logged and never stop the loop.
func (s *Scanner) Run(ctx context.Context) error {
	s.logger.Info("reconciliation scanner started", slog.Duration("interval", s.cfg.Interval))

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		s.ScanOnce(ctx)
		select {
		case <-ctx.Done():
			s.logger.Info("reconciliation scanner stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ActiveUnderlying returns the underlying scheduled for the weekday of t in
// the configured timezone, or "".
func (s *Scanner) ActiveUnderlying(t time.Time) string {
	return s.cfg.Schedule[t.In(s.cfg.Location).Weekday()]
}

// ScanOnce reconciles today's scheduled underlying.
func (s *Scanner) ScanOnce(ctx context.Context) Result {
	underlying := s.ActiveUnderlying(s.now())
	if underlying == "" {
		metrics.Scans.WithLabelValues(string(ResultIdle)).Inc()
		return ResultIdle
	}
	res, err := s.Reconcile(ctx, underlying)
	if err != nil && ctx.Err() == nil {
		s.logger.Error("reconciliation failed",
			slog.String("underlying", underlying),
			slog.String("error", err.Error()),
		)
	}
	return res
}

// Reconcile runs one pass for underlying.
func (s *Scanner) Reconcile(ctx context.Context, underlying string) (res Result, err error) {
	defer func() { metrics.Scans.WithLabelValues(string(res)).Inc() }()

	underlying = strings.ToUpper(underlying)
	inst, ok := s.cfg.Underlyings[underlying]
	if !ok {
		return ResultFailed, fmt.Errorf("reconcile: unconfigured underlying %q", underlying)
	}

	if s.locks != nil {
		unlock, err := s.locks.Acquire(ctx, "reconcile:"+underlying, s.cfg.LockTTL)
		switch {
		case errors.Is(err, domain.ErrLockHeld):
			return ResultLocked, nil
		case err != nil:
			s.logger.Warn("reconcile lock unavailable, continuing unlocked",
				slog.String("underlying", underlying),
				slog.String("error", err.Error()),
			)
		default:
			defer unlock()
		}
	}

	orders, err := s.broker.CompletedOrders(ctx)
	if err != nil {
		return ResultFailed, fmt.Errorf("reconcile: fetch orders: %w", err)
	}
	fills := optionFills(orders, underlying)

	active, err := s.ledger.FindActive(ctx, underlying)
	switch {
	case err == nil:
		return s.reconcileActive(ctx, active, fills)
	case !errors.Is(err, domain.ErrNotFound):
		return ResultFailed, fmt.Errorf("reconcile: find active %s: %w", underlying, err)
	}

	latest, err := s.ledger.FindLatest(ctx, underlying)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return s.reconcileEntry(ctx, underlying, inst, fills, nil)
	case err != nil:
		return ResultFailed, fmt.Errorf("reconcile: find latest %s: %w", underlying, err)
	case !latest.Status.Terminal():
		// MANUAL_OVERRIDE or EXITING: the record still owns the underlying.
		return ResultDeferred, nil
	}
	return s.reconcileEntry(ctx, underlying, inst, fills, &latest)
}

// reconcileEntry records a new position from fills when no position is
// ACTIVE. prev is the most recent closed position, if any; its fills and
// its exit fills are never reused.
func (s *Scanner) reconcileEntry(ctx context.Context, underlying string, inst Underlying, fills []domain.CompletedOrder, prev *domain.Position) (Result, error) {
	var fresh []domain.CompletedOrder
	for _, f := range fills {
		if prev != nil {
			if !f.Timestamp.After(watermark(*prev)) || retired(*prev, f.Symbol) || isClosingFill(*prev, f) {
				continue
			}
		}
		fresh = append(fresh, f)
	}
	if len(fresh) == 0 {
		return ResultNoFills, nil
	}

	roles := pickRoles(fresh)
	call, _ := buildSide(roles, domain.OptionCall)
	put, _ := buildSide(roles, domain.OptionPut)
	tradeType, err := domain.ClassifyTradeType(call, put)
	if err != nil {
		s.logger.Debug("entry fills incomplete, deferring",
			slog.String("underlying", underlying),
			slog.Int("fills", len(fresh)),
		)
		return ResultDeferred, nil
	}

	exchange := inst.Exchange
	if exchange == "" {
		exchange = roles[anySellRole(call, put)].exchange
	}

	var sides []domain.OptionType
	if call != nil {
		sides = append(sides, domain.OptionCall)
	}
	if put != nil {
		sides = append(sides, domain.OptionPut)
	}

	now := s.now().UTC()
	pos := domain.Position{
		ID:         uuid.NewString(),
		Underlying: underlying,
		Status:     domain.StatusActive,
		TradeType:  tradeType,
		Call:       call,
		Put:        put,
		LotSize:    inst.LotSize,
		Lots:       s.lots(roles, call, put, inst.LotSize),
		SpotToken:  inst.SpotToken,
		Exchange:   exchange,
		LastFillAt: lastFill(roles, sides...),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if prev != nil {
		pos.OpenedAfter = watermark(*prev)
		// Late closing fills of the previous legs must not read as a roll.
		for _, sym := range prev.Symbols() {
			if !holdsSymbol(pos, sym) {
				pos.RetiredSymbols = append(pos.RetiredSymbols, sym)
			}
		}
	}
	pos.RecomputeTotal()

	if err := s.ledger.Create(ctx, pos); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			metrics.Conflicts.WithLabelValues("reconcile").Inc()
			return ResultConflict, nil
		}
		return ResultFailed, fmt.Errorf("reconcile: create position: %w", err)
	}

	s.logger.Info("new position recorded",
		slog.String("position_id", pos.ID),
		slog.String("underlying", underlying),
		slog.String("trade_type", string(pos.TradeType)),
		slog.Float64("total_entry_premium", pos.TotalEntryPremium),
		slog.Int("lots", pos.Lots),
	)
	s.auditLog(ctx, "position.created", pos, nil)
	s.publish(ctx, domain.EventPositionOpened, pos)
	s.send(ctx, notify.EventPositionOpened, "New "+string(pos.TradeType)+": "+underlying,
		fmt.Sprintf("%s %s recorded. Entry premium %.2f, %d lot(s).\n%s",
			underlying, pos.TradeType, pos.TotalEntryPremium, pos.Lots, strings.Join(pos.Symbols(), ", ")))
	return ResultCreated, nil
}

// reconcileActive detects rolls on the ACTIVE position. A side is replaced
// only when both a new sell and a new buy fill exist for it. A lone new fill
// stays pending whatever its time relative to other rolls.
func (s *Scanner) reconcileActive(ctx context.Context, pos domain.Position, fills []domain.CompletedOrder) (Result, error) {
	var fresh []domain.CompletedOrder
	for _, f := range fills {
		if holdsSymbol(pos, f.Symbol) || retired(pos, f.Symbol) {
			continue
		}
		if !pos.OpenedAfter.IsZero() && !f.Timestamp.After(pos.OpenedAfter) {
			continue
		}
		fresh = append(fresh, f)
	}
	if len(fresh) == 0 {
		return ResultNoFills, nil
	}

	roles := pickRoles(fresh)
	updated := pos.Clone()
	carry := decimal.NewFromFloat(s.cfg.RollCarryRatio)
	buffer := decimal.NewFromFloat(pos.BufferPremium)

	var changed []string
	for _, opt := range []domain.OptionType{domain.OptionCall, domain.OptionPut} {
		side, ok := buildSide(roles, opt)
		if !ok {
			continue
		}
		old := updated.SideOf(opt.Side())
		if old != nil {
			// Debit spreads carry nothing; the buffer never decreases.
			if c := carry.Mul(decimal.NewFromFloat(old.EntryPremium)); c.IsPositive() {
				buffer = buffer.Add(c)
			}
			updated.RetiredSymbols = append(updated.RetiredSymbols, old.Sell.Symbol, old.Buy.Symbol)
		}
		if opt == domain.OptionCall {
			updated.Call = side
		} else {
			updated.Put = side
		}
		if t := lastFill(roles, opt); t.After(updated.LastFillAt) {
			updated.LastFillAt = t
		}
		changed = append(changed, string(opt.Side()))
	}

	if len(changed) == 0 {
		s.logger.Debug("new fills incomplete, deferring",
			slog.String("position_id", pos.ID),
			slog.Int("fills", len(fresh)),
		)
		return ResultDeferred, nil
	}

	updated.BufferPremium, _ = buffer.Float64()
	updated.TradeType, _ = domain.ClassifyTradeType(updated.Call, updated.Put)
	updated.RecomputeTotal()
	updated.ResetAlerts()
	updated.IsIronButterfly = false

	if err := s.ledger.Save(ctx, &updated, domain.StatusActive); err != nil {
		if errors.Is(err, domain.ErrStatusConflict) {
			metrics.Conflicts.WithLabelValues("reconcile").Inc()
			s.logger.Debug("position changed during reconciliation", slog.String("position_id", pos.ID))
			return ResultConflict, nil
		}
		return ResultFailed, fmt.Errorf("reconcile: save roll of %s: %w", pos.ID, err)
	}

	s.logger.Info("roll detected",
		slog.String("position_id", pos.ID),
		slog.String("underlying", pos.Underlying),
		slog.String("sides", strings.Join(changed, ",")),
		slog.Float64("buffer_premium", updated.BufferPremium),
		slog.Float64("total_entry_premium", updated.TotalEntryPremium),
	)
	s.auditLog(ctx, "position.rolled", updated, map[string]any{
		"sides":              changed,
		"old_buffer_premium": pos.BufferPremium,
		"old_trade_type":     string(pos.TradeType),
	})
	s.publish(ctx, domain.EventPositionRolled, updated)
	s.send(ctx, notify.EventPositionRolled, "Roll: "+pos.Underlying,
		fmt.Sprintf("%s %s rolled. Buffer %.2f, total entry premium %.2f. Alerts re-armed.",
			pos.Underlying, strings.Join(changed, " and "), updated.BufferPremium, updated.TotalEntryPremium))
	return ResultRolled, nil
}

// lots infers the lot count from the short leg quantity.
func (s *Scanner) lots(roles map[role]legFill, call, put *domain.SpreadSide, lotSize int) int {
	if lotSize > 0 {
		if f, ok := roles[anySellRole(call, put)]; ok && f.qty > 0 && f.qty%lotSize == 0 {
			return f.qty / lotSize
		}
	}
	return s.cfg.DefaultLots
}

func anySellRole(call, put *domain.SpreadSide) role {
	if call != nil {
		return role{domain.OptionCall, domain.TransactionSell}
	}
	return role{domain.OptionPut, domain.TransactionSell}
}

func (s *Scanner) auditLog(ctx context.Context, event string, pos domain.Position, extra map[string]any) {
	if s.audit == nil {
		return
	}
	detail := map[string]any{
		"position_id":         pos.ID,
		"underlying":          pos.Underlying,
		"trade_type":          string(pos.TradeType),
		"symbols":             pos.Symbols(),
		"total_entry_premium": pos.TotalEntryPremium,
		"buffer_premium":      pos.BufferPremium,
	}
	for k, v := range extra {
		detail[k] = v
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.Warn("audit log failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}

func (s *Scanner) publish(ctx context.Context, eventType string, pos domain.Position) {
	if s.events != nil {
		s.events.PublishPosition(ctx, eventType, pos)
	}
}

func (s *Scanner) send(ctx context.Context, event, title, msg string) {
	if s.notify == nil {
		return
	}
	if err := s.notify.Notify(ctx, event, title, msg); err != nil {
		s.logger.Warn("notify failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}

// optionFills keeps the complete option fills of underlying.
func optionFills(orders []domain.CompletedOrder, underlying string) []domain.CompletedOrder {
	out := make([]domain.CompletedOrder, 0, len(orders))
	for _, o := range orders {
		if o.Status != domain.OrderStatusComplete || o.Underlying != underlying || o.FilledQty <= 0 {
			continue
		}
		out = append(out, o)
	}
	return out
}

// watermark is the point after which fills can belong to a new entry.
func watermark(prev domain.Position) time.Time {
	if prev.UpdatedAt.After(prev.LastFillAt) {
		return prev.UpdatedAt
	}
	return prev.LastFillAt
}
