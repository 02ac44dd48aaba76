package domain

import "time"

// ExitReason records why a position was closed.
type ExitReason string

const (
	ExitStopLoss         ExitReason = "STOP_LOSS_HIT"
	ExitATMManualHandoff ExitReason = "ATM_MANUAL_HANDOFF"
	ExitProfitTarget     ExitReason = "PROFIT_TARGET"
	ExitManualClose      ExitReason = "MANUAL_CLOSE"
)

// TradePerformance is the journal row written when an exit finishes.
type TradePerformance struct {
	ID          string         `json:"id"`
	PositionID  string         `json:"position_id"`
	Underlying  string         `json:"underlying"`
	Side        Side           `json:"side"`
	ExitReason  ExitReason     `json:"exit_reason"`
	FinalStatus PositionStatus `json:"final_status"`
	RealizedPnL float64        `json:"realized_pnl"`
	Notes       string         `json:"notes,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}
