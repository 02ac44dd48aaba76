// Package journal records the outcome of every exit as a trade performance
// row and, when object storage is configured, a JSON copy in the bucket.
package journal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/condorbot/internal/domain"
)

// Outcome describes one finished exit attempt.
type Outcome struct {
	Position    domain.Position
	Side        domain.Side
	Reason      domain.ExitReason
	FinalStatus domain.PositionStatus
	// ExitedSides lists the sides whose legs were all closed.
	ExitedSides []domain.Side
	// Quote holds the prices seen when the exit was triggered.
	Quote map[uint32]float64
	Err   error
	At    time.Time
}

// Recorder writes trade performance rows.
type Recorder struct {
	store  domain.PerformanceStore
	blob   domain.BlobWriter
	logger *slog.Logger
}

// NewRecorder creates a Recorder. blob may be nil.
func NewRecorder(store domain.PerformanceStore, blob domain.BlobWriter, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:  store,
		blob:   blob,
		logger: logger.With(slog.String("component", "journal")),
	}
}

// Record builds the performance row for o and persists it. The object storage
// copy is best effort.
func (r *Recorder) Record(ctx context.Context, o Outcome) (domain.TradePerformance, error) {
	if o.At.IsZero() {
		o.At = time.Now().UTC()
	}

	pnl, missing := RealizedPnL(o.Position, o.ExitedSides, o.Quote)

	var notes []string
	if o.Err != nil {
		notes = append(notes, "exit failed: "+o.Err.Error())
	}
	if len(missing) > 0 {
		notes = append(notes, "no quote for "+strings.Join(missing, ", "))
	}

	rec := domain.TradePerformance{
		ID:          uuid.NewString(),
		PositionID:  o.Position.ID,
		Underlying:  o.Position.Underlying,
		Side:        o.Side,
		ExitReason:  o.Reason,
		FinalStatus: o.FinalStatus,
		RealizedPnL: pnl,
		Notes:       strings.Join(notes, "; "),
		CreatedAt:   o.At,
	}

	if err := r.store.Insert(ctx, rec); err != nil {
		return rec, fmt.Errorf("journal: insert performance: %w", err)
	}

	if r.blob != nil {
		if err := r.mirror(ctx, rec); err != nil {
			r.logger.Warn("performance mirror failed",
				slog.String("position_id", rec.PositionID),
				slog.String("error", err.Error()),
			)
		}
	}

	r.logger.Info("trade recorded",
		slog.String("position_id", rec.PositionID),
		slog.String("underlying", rec.Underlying),
		slog.String("side", string(rec.Side)),
		slog.String("reason", string(rec.ExitReason)),
		slog.String("status", string(rec.FinalStatus)),
		slog.Float64("realized_pnl", rec.RealizedPnL),
	)
	return rec, nil
}

func (r *Recorder) mirror(ctx context.Context, rec domain.TradePerformance) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.blob.Put(ctx, ObjectPath(rec), bytes.NewReader(body), "application/json")
}

// ObjectPath is the bucket key of a performance row, partitioned by day.
//
//	trades/2025-01-14/NIFTY/<id>.json
func ObjectPath(rec domain.TradePerformance) string {
	return fmt.Sprintf("trades/%s/%s/%s.json", rec.CreatedAt.Format("2006-01-02"), rec.Underlying, rec.ID)
}

// RealizedPnL estimates the profit of closing sides at the quoted prices:
// for each side (entry premium - (sell - buy)) * quantity, rounded to two
// decimals. Sides without both leg prices are skipped and returned in
// missing.
func RealizedPnL(pos domain.Position, sides []domain.Side, quote map[uint32]float64) (float64, []string) {
	total := decimal.Zero
	qty := decimal.NewFromInt(int64(pos.Quantity()))
	var missing []string

	for _, s := range sides {
		spread := pos.SideOf(s)
		if spread == nil {
			continue
		}
		sell, okSell := quote[spread.Sell.Token]
		buy, okBuy := quote[spread.Buy.Token]
		if !okSell || !okBuy {
			missing = append(missing, string(s))
			continue
		}
		closeCost := decimal.NewFromFloat(sell).Sub(decimal.NewFromFloat(buy))
		total = total.Add(decimal.NewFromFloat(spread.EntryPremium).Sub(closeCost).Mul(qty))
	}

	pnl, _ := total.Round(2).Float64()
	return pnl, missing
}
