// Package executor unwinds spread positions through the broker. Legs are
// closed strictly one after another so the account never holds a naked
// short: for each side the short leg is bought back before the long leg is
// sold.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/condorbot/internal/domain"
	"github.com/alanyoungcy/condorbot/internal/journal"
	"github.com/alanyoungcy/condorbot/internal/metrics"
	"github.com/alanyoungcy/condorbot/internal/notify"
)

// Journal records exit outcomes.
type Journal interface {
	Record(ctx context.Context, o journal.Outcome) (domain.TradePerformance, error)
}

// ExitRequest asks for one or both sides of a position to be closed.
type ExitRequest struct {
	Position domain.Position
	Side     domain.Side
	Reason   domain.ExitReason
	// Quote holds the prices that triggered the exit, keyed by token. It is
	// only used to estimate realized PnL.
	Quote map[uint32]float64
}

// Config holds the order parameters of exit orders.
type Config struct {
	Product      string        // NRML
	OrderTimeout time.Duration // per order
}

// Executor performs margin-safe exits. It is safe for concurrent use; the
// ledger's ACTIVE -> EXITING transition admits a single exit per position.
type Executor struct {
	cfg     Config
	ledger  domain.PositionLedger
	broker  domain.BrokerGateway
	audit   domain.AuditStore
	journal Journal
	notify  domain.Notifier
	events  domain.EventPublisher
	logger  *slog.Logger
}

// New creates an Executor. journal, notifier and events may be nil.
func New(
	cfg Config,
	ledger domain.PositionLedger,
	broker domain.BrokerGateway,
	audit domain.AuditStore,
	journal Journal,
	notifier domain.Notifier,
	events domain.EventPublisher,
	logger *slog.Logger,
) *Executor {
	if cfg.Product == "" {
		cfg.Product = "NRML"
	}
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = 10 * time.Second
	}
	return &Executor{
		cfg:     cfg,
		ledger:  ledger,
		broker:  broker,
		audit:   audit,
		journal: journal,
		notify:  notifier,
		events:  events,
		logger:  logger.With(slog.String("component", "executor")),
	}
}

// Exit closes the requested sides of req.Position.
//
// The position is first moved from ACTIVE to EXITING. If another caller got
// there first, Exit returns nil without placing orders. Once the transition
// succeeds the exit runs to completion even if ctx is cancelled. The first
// order failure stops the sequence, marks the position FAILED_EXIT and
// returns a *domain.OrderPlacementError; nothing is retried.
func (e *Executor) Exit(ctx context.Context, req ExitRequest) error {
	pos := req.Position
	sides := affectedSides(pos, req.Side)
	if len(sides) == 0 {
		return fmt.Errorf("executor: %w: %s has no %s side", domain.ErrInvalidSide, pos.ID, req.Side)
	}

	if err := e.ledger.TransitionStatus(ctx, pos.ID, domain.StatusActive, domain.StatusExiting); err != nil {
		if errors.Is(err, domain.ErrStatusConflict) {
			metrics.Conflicts.WithLabelValues("executor").Inc()
			e.logger.Debug("exit already claimed",
				slog.String("position_id", pos.ID),
				slog.String("reason", string(req.Reason)),
			)
			return nil
		}
		return fmt.Errorf("executor: claim position %s: %w", pos.ID, err)
	}

	ctx = context.WithoutCancel(ctx)

	// The claim froze the record; close the legs it holds now.
	if fresh, err := e.ledger.GetByID(ctx, pos.ID); err == nil {
		pos = fresh
		sides = affectedSides(pos, req.Side)
	} else {
		e.logger.Warn("reload claimed position",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
	pos.Status = domain.StatusExiting
	e.publish(ctx, domain.EventPositionExiting, pos)

	log := e.logger.With(
		slog.String("position_id", pos.ID),
		slog.String("underlying", pos.Underlying),
		slog.String("side", string(req.Side)),
		slog.String("reason", string(req.Reason)),
	)
	log.Warn("exit started")
	e.auditLog(ctx, "exit.started", pos, req, nil)

	var (
		exited   []domain.Side
		orderIDs []string
		exitErr  error
	)
	for _, s := range sides {
		ids, err := e.unwindSide(ctx, pos, *pos.SideOf(s))
		orderIDs = append(orderIDs, ids...)
		if err != nil {
			exitErr = err
			break
		}
		exited = append(exited, s)
	}

	final := domain.StatusExited
	if exitErr != nil {
		final = domain.StatusFailedExit
	}
	var ledgerErr error
	if err := e.ledger.TransitionStatus(ctx, pos.ID, domain.StatusExiting, final); err != nil {
		ledgerErr = fmt.Errorf("executor: mark %s %s: %w", pos.ID, final, err)
		log.Error("final status not persisted",
			slog.String("status", string(final)),
			slog.String("error", err.Error()),
		)
	}
	pos.Status = final

	metrics.Exits.WithLabelValues(string(req.Side), string(final)).Inc()
	e.auditLog(ctx, "exit."+statusEvent(final), pos, req, map[string]any{
		"order_ids":    orderIDs,
		"exited_sides": exited,
	})
	if e.journal != nil {
		if _, err := e.journal.Record(ctx, journal.Outcome{
			Position:    pos,
			Side:        req.Side,
			Reason:      req.Reason,
			FinalStatus: final,
			ExitedSides: exited,
			Quote:       req.Quote,
			Err:         exitErr,
		}); err != nil {
			log.Error("journal record failed", slog.String("error", err.Error()))
		}
	}

	if exitErr != nil {
		log.Error("exit failed, manual intervention required",
			slog.Any("order_ids", orderIDs),
			slog.String("error", exitErr.Error()),
		)
		e.publish(ctx, domain.EventPositionFailed, pos)
		e.send(ctx, notify.EventExitFailed, "EXIT FAILED: "+pos.Underlying,
			fmt.Sprintf("Position %s %s exit (%s) stopped: %v\nClose remaining legs manually.",
				pos.Underlying, req.Side, req.Reason, exitErr))
		return errors.Join(exitErr, ledgerErr)
	}

	log.Warn("exit completed", slog.Any("order_ids", orderIDs))
	e.publish(ctx, domain.EventPositionExited, pos)
	event := notify.EventExitCompleted
	if req.Reason == domain.ExitStopLoss {
		event = notify.EventStopLoss
	}
	e.send(ctx, event, "Exit complete: "+pos.Underlying,
		fmt.Sprintf("%s %s closed (%s), %d orders placed.", pos.Underlying, req.Side, req.Reason, len(orderIDs)))
	return ledgerErr
}

// unwindSide buys back the short leg and then sells the long leg. The long
// leg is never touched if the short leg fails.
func (e *Executor) unwindSide(ctx context.Context, pos domain.Position, side domain.SpreadSide) ([]string, error) {
	var ids []string
	legs := []struct {
		leg domain.Leg
		tx  domain.TransactionType
	}{
		{side.Sell, domain.TransactionBuy},
		{side.Buy, domain.TransactionSell},
	}
	for _, l := range legs {
		id, err := e.place(ctx, pos, l.leg, l.tx)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (e *Executor) place(ctx context.Context, pos domain.Position, leg domain.Leg, tx domain.TransactionType) (string, error) {
	orderCtx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
	defer cancel()

	start := time.Now()
	res, err := e.broker.PlaceOrder(orderCtx, domain.OrderRequest{
		Exchange:        pos.Exchange,
		Symbol:          leg.Symbol,
		TransactionType: tx,
		Quantity:        pos.Quantity(),
		OrderType:       "MARKET",
		Product:         e.cfg.Product,
		Tag:             orderTag(pos.ID),
	})
	metrics.OrderLatency.WithLabelValues(string(tx)).Observe(float64(time.Since(start).Microseconds()) / 1000)
	if err != nil {
		return "", &domain.OrderPlacementError{
			PositionID: pos.ID,
			Symbol:     leg.Symbol,
			Side:       tx,
			Err:        err,
		}
	}

	e.logger.Info("exit order placed",
		slog.String("position_id", pos.ID),
		slog.String("symbol", leg.Symbol),
		slog.String("transaction_type", string(tx)),
		slog.Int("quantity", pos.Quantity()),
		slog.String("order_id", res.OrderID),
	)
	return res.OrderID, nil
}

func (e *Executor) auditLog(ctx context.Context, event string, pos domain.Position, req ExitRequest, extra map[string]any) {
	if e.audit == nil {
		return
	}
	detail := map[string]any{
		"position_id": pos.ID,
		"underlying":  pos.Underlying,
		"side":        string(req.Side),
		"reason":      string(req.Reason),
		"status":      string(pos.Status),
	}
	for k, v := range extra {
		detail[k] = v
	}
	if err := e.audit.Log(ctx, event, detail); err != nil {
		e.logger.Warn("audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Executor) publish(ctx context.Context, eventType string, pos domain.Position) {
	if e.events != nil {
		e.events.PublishPosition(ctx, eventType, pos)
	}
}

func (e *Executor) send(ctx context.Context, event, title, msg string) {
	if e.notify == nil {
		return
	}
	if err := e.notify.Notify(ctx, event, title, msg); err != nil {
		e.logger.Warn("notify failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// affectedSides returns the present sides selected by s, CALL first.
func affectedSides(pos domain.Position, s domain.Side) []domain.Side {
	var out []domain.Side
	for _, side := range []domain.Side{domain.SideCall, domain.SidePut} {
		if s.Covers(side) && pos.SideOf(side) != nil {
			out = append(out, side)
		}
	}
	return out
}

func statusEvent(s domain.PositionStatus) string {
	if s == domain.StatusExited {
		return "completed"
	}
	return "failed"
}

// orderTag fits the broker's 20 character tag limit.
func orderTag(positionID string) string {
	tag := "cb-" + positionID
	if len(tag) > 20 {
		tag = tag[:20]
	}
	return tag
}
