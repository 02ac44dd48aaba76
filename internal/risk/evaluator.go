package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/alanyoungcy/condorbot/internal/domain"
	"github.com/alanyoungcy/condorbot/internal/executor"
	"github.com/alanyoungcy/condorbot/internal/metrics"
	"github.com/alanyoungcy/condorbot/internal/notify"
)

// Skip reasons reported on the skipped_total metric.
const (
	SkipNoSpot     = "no_spot_price"
	SkipNoLegPrice = "no_leg_price"
)

// defaultATMBand applies to underlyings without a configured band.
const defaultATMBand = 50

// PriceReader is the read side of the in-process price cache.
type PriceReader interface {
	Get(token uint32) (float64, bool)
}

// Exiter runs exit sequences.
type Exiter interface {
	Exit(ctx context.Context, req executor.ExitRequest) error
}

// Config holds evaluator settings.
type Config struct {
	// ATMBands maps an underlying to the spot distance from a short strike at
	// which the position switches to butterfly rules.
	ATMBands map[string]float64
	// SkipLogInterval limits skip logging per position and reason.
	SkipLogInterval time.Duration
}

// Evaluator applies the risk policy to every ACTIVE position on each price
// update.
type Evaluator struct {
	cfg    Config
	ledger domain.PositionLedger
	prices PriceReader
	policy Policy
	exits  Exiter
	notify domain.Notifier
	events domain.EventPublisher
	skips  *Throttle
	logger *slog.Logger
}

// NewEvaluator creates an Evaluator. notifier and events may be nil.
func NewEvaluator(
	cfg Config,
	ledger domain.PositionLedger,
	prices PriceReader,
	policy Policy,
	exits Exiter,
	notifier domain.Notifier,
	events domain.EventPublisher,
	logger *slog.Logger,
) *Evaluator {
	if cfg.SkipLogInterval <= 0 {
		cfg.SkipLogInterval = time.Minute
	}
	return &Evaluator{
		cfg:    cfg,
		ledger: ledger,
		prices: prices,
		policy: policy,
		exits:  exits,
		notify: notifier,
		events: events,
		skips:  NewThrottle(cfg.SkipLogInterval),
		logger: logger.With(slog.String("component", "risk")),
	}
}

// Run evaluates all ACTIVE positions each time signal fires, until ctx is
// cancelled.
func (e *Evaluator) Run(ctx context.Context, signal <-chan struct{}) error {
	e.logger.Info("risk evaluator started", slog.String("policy", e.policy.Name()))

	cleanup := time.NewTicker(5 * time.Minute)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("risk evaluator stopped")
			return ctx.Err()
		case <-cleanup.C:
			e.skips.Cleanup()
		case <-signal:
			e.EvaluateAll(ctx)
		}
	}
}

// EvaluateAll runs one evaluation cycle. Per-position errors are logged and
// never stop the cycle.
func (e *Evaluator) EvaluateAll(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.EvaluationLatency.Observe(float64(time.Since(start).Microseconds()) / 1000)
	}()

	positions, err := e.ledger.FindAll(ctx, domain.StatusActive)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Error("load active positions", slog.String("error", err.Error()))
		}
		return
	}
	metrics.ActivePositions.Set(float64(len(positions)))

	for _, pos := range positions {
		if err := e.Evaluate(ctx, pos); err != nil {
			e.logger.Error("evaluate position",
				slog.String("position_id", pos.ID),
				slog.String("underlying", pos.Underlying),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Evaluate applies the policy to one position. A missing price skips the
// position for this cycle and a lost conditional write abandons it; neither
// is an error.
func (e *Evaluator) Evaluate(ctx context.Context, pos domain.Position) error {
	snap, quote, reason := e.snapshot(pos)
	if reason != "" {
		metrics.EvaluationSkips.WithLabelValues(reason).Inc()
		if e.skips.Allow(pos.ID + ":" + reason) {
			e.logger.Debug("evaluation skipped",
				slog.String("position_id", pos.ID),
				slog.String("underlying", pos.Underlying),
				slog.String("reason", reason),
			)
		}
		return nil
	}
	metrics.Evaluations.WithLabelValues(pos.Underlying).Inc()

	if !pos.IsIronButterfly && e.nearATM(pos, snap.Spot) {
		converted := pos.Clone()
		converted.IsIronButterfly = true
		ok, err := e.save(ctx, &converted)
		if err != nil || !ok {
			return err
		}
		pos = converted
		snap.Position = pos
		e.logger.Warn("position converted to iron butterfly",
			slog.String("position_id", pos.ID),
			slog.String("underlying", pos.Underlying),
			slog.Float64("spot", snap.Spot),
		)
		e.publish(ctx, domain.EventPositionConverted, pos)
		e.send(ctx, notify.EventButterflyConversion, "ATM: "+pos.Underlying,
			fmt.Sprintf("%s spot %.2f is within %.0f of a short strike. Position now follows iron butterfly rules.",
				pos.Underlying, snap.Spot, e.band(pos.Underlying)))
	}

	d := e.policy.Evaluate(snap)

	if len(d.Alerts) > 0 {
		flagged := pos.Clone()
		for _, a := range d.Alerts {
			setFlag(&flagged.Alerts, a)
		}
		ok, err := e.save(ctx, &flagged)
		if err != nil || !ok {
			return err
		}
		pos = flagged
		for _, a := range d.Alerts {
			metrics.Alerts.WithLabelValues(string(a)).Inc()
			event, title, msg := alertText(a, snap)
			e.logger.Info("alert raised",
				slog.String("position_id", pos.ID),
				slog.String("kind", string(a)),
			)
			e.send(ctx, event, title, msg)
		}
	}

	if d.Exit == nil {
		return nil
	}

	e.logger.Warn("exit triggered",
		slog.String("position_id", pos.ID),
		slog.String("underlying", pos.Underlying),
		slog.String("side", string(d.Exit.Side)),
		slog.String("reason", string(d.Exit.Reason)),
		slog.String("detail", d.Exit.Detail),
	)
	return e.exits.Exit(ctx, executor.ExitRequest{
		Position: pos,
		Side:     d.Exit.Side,
		Reason:   d.Exit.Reason,
		Quote:    quote,
	})
}

// snapshot reads every price the position needs. It returns a skip reason
// when any is missing.
func (e *Evaluator) snapshot(pos domain.Position) (Snapshot, map[uint32]float64, string) {
	snap := Snapshot{Position: pos}
	quote := make(map[uint32]float64, 5)

	spot, ok := e.prices.Get(pos.SpotToken)
	if !ok {
		return snap, nil, SkipNoSpot
	}
	snap.Spot = spot
	quote[pos.SpotToken] = spot

	net := func(s *domain.SpreadSide) (float64, bool) {
		sell, okSell := e.prices.Get(s.Sell.Token)
		buy, okBuy := e.prices.Get(s.Buy.Token)
		if !okSell || !okBuy {
			return 0, false
		}
		quote[s.Sell.Token] = sell
		quote[s.Buy.Token] = buy
		return math.Abs(buy - sell), true
	}

	if pos.Call != nil {
		if snap.CallNet, ok = net(pos.Call); !ok {
			return snap, nil, SkipNoLegPrice
		}
	}
	if pos.Put != nil {
		if snap.PutNet, ok = net(pos.Put); !ok {
			return snap, nil, SkipNoLegPrice
		}
	}
	return snap, quote, ""
}

func (e *Evaluator) nearATM(pos domain.Position, spot float64) bool {
	band := e.band(pos.Underlying)
	for _, s := range []*domain.SpreadSide{pos.Call, pos.Put} {
		if s != nil && math.Abs(spot-s.Sell.Strike) <= band {
			return true
		}
	}
	return false
}

func (e *Evaluator) band(underlying string) float64 {
	if b, ok := e.cfg.ATMBands[underlying]; ok {
		return b
	}
	return defaultATMBand
}

// save persists pos if nobody changed it since it was read. A lost race
// returns false and no error.
func (e *Evaluator) save(ctx context.Context, pos *domain.Position) (bool, error) {
	err := e.ledger.Save(ctx, pos, domain.StatusActive)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, domain.ErrStatusConflict):
		metrics.Conflicts.WithLabelValues("evaluator").Inc()
		e.logger.Debug("position changed during evaluation", slog.String("position_id", pos.ID))
		return false, nil
	default:
		return false, fmt.Errorf("risk: save position %s: %w", pos.ID, err)
	}
}

func (e *Evaluator) publish(ctx context.Context, eventType string, pos domain.Position) {
	if e.events != nil {
		e.events.PublishPosition(ctx, eventType, pos)
	}
}

func (e *Evaluator) send(ctx context.Context, event, title, msg string) {
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

func setFlag(f *domain.AlertFlags, a AlertKind) {
	switch a {
	case AlertCallDecay:
		f.Call70Decay = true
	case AlertPutDecay:
		f.Put70Decay = true
	case AlertFirefight:
		f.Firefight = true
	}
}

func alertText(a AlertKind, s Snapshot) (event, title, msg string) {
	pos := s.Position
	switch a {
	case AlertCallDecay:
		return notify.EventDecayAlert, "Decay: " + pos.Underlying + " CALL",
			fmt.Sprintf("%s call spread net %.2f is %.0f%% of entry %.2f.",
				pos.Underlying, s.CallNet, pct(s.CallNet, pos.Call.EntryPremium), pos.Call.EntryPremium)
	case AlertPutDecay:
		return notify.EventDecayAlert, "Decay: " + pos.Underlying + " PUT",
			fmt.Sprintf("%s put spread net %.2f is %.0f%% of entry %.2f.",
				pos.Underlying, s.PutNet, pct(s.PutNet, pos.Put.EntryPremium), pos.Put.EntryPremium)
	default:
		return notify.EventFirefightAlert, "Firefight: " + pos.Underlying,
			fmt.Sprintf("%s one side has decayed while the other is under pressure (call net %.2f, put net %.2f, spot %.2f). Consider rolling the decayed side.",
				pos.Underlying, s.CallNet, s.PutNet, s.Spot)
	}
}

func pct(net, entry float64) float64 {
	if entry == 0 {
		return 0
	}
	return net / entry * 100
}
