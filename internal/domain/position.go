package domain

import (
	"fmt"
	"strings"
	"time"
)

// PositionStatus tracks the risk lifecycle of a spread position.
type PositionStatus string

const (
	StatusActive         PositionStatus = "ACTIVE"
	StatusManualOverride PositionStatus = "MANUAL_OVERRIDE"
	StatusExiting        PositionStatus = "EXITING"
	StatusExited         PositionStatus = "EXITED"
	StatusFailedExit     PositionStatus = "FAILED_EXIT"
)

// validTransitions lists the statuses reachable from each status. EXITED and
// FAILED_EXIT are terminal.
var validTransitions = map[PositionStatus][]PositionStatus{
	StatusActive:         {StatusExiting, StatusManualOverride},
	StatusManualOverride: {StatusActive},
	StatusExiting:        {StatusExited, StatusFailedExit},
}

// CanTransition reports whether a position may move from one status to another.
func CanTransition(from, to PositionStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the core stops processing positions in this status.
func (s PositionStatus) Terminal() bool {
	return s == StatusExited || s == StatusFailedExit
}

// ParseStatus converts an API or database string into a PositionStatus.
func ParseStatus(v string) (PositionStatus, error) {
	s := PositionStatus(strings.ToUpper(strings.TrimSpace(v)))
	switch s {
	case StatusActive, StatusManualOverride, StatusExiting, StatusExited, StatusFailedExit:
		return s, nil
	}
	return "", fmt.Errorf("unknown position status %q", v)
}

// TradeType is derived from which spread sides a position carries.
type TradeType string

const (
	TradeIronCondor TradeType = "IRON_CONDOR"
	TradeCallSpread TradeType = "CALL_SPREAD"
	TradePutSpread  TradeType = "PUT_SPREAD"
)

// ClassifyTradeType returns the trade type for the given sides. At least one
// side must be present.
func ClassifyTradeType(call, put *SpreadSide) (TradeType, error) {
	switch {
	case call != nil && put != nil:
		return TradeIronCondor, nil
	case call != nil:
		return TradeCallSpread, nil
	case put != nil:
		return TradePutSpread, nil
	}
	return "", fmt.Errorf("%w: no complete spread side", ErrInvalidPosition)
}

// Side selects which part of a position an exit applies to.
type Side string

const (
	SideCall Side = "CALL"
	SidePut  Side = "PUT"
	SideAll  Side = "ALL"
)

// ParseSide parses a side selector, defaulting to ALL for an empty string.
func ParseSide(v string) (Side, error) {
	switch s := Side(strings.ToUpper(strings.TrimSpace(v))); s {
	case "":
		return SideAll, nil
	case SideCall, SidePut, SideAll:
		return s, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidSide, v)
}

// Covers reports whether the selector includes the given single side.
func (s Side) Covers(side Side) bool {
	return s == SideAll || s == side
}

// Leg is one option contract of a spread.
type Leg struct {
	Token      uint32  `json:"token"`
	Symbol     string  `json:"symbol"`
	Strike     float64 `json:"strike"`
	EntryPrice float64 `json:"entry_price"`
}

// SpreadSide is a sold option hedged by a bought option of the same type.
// EntryPremium is the signed net credit, sell price minus buy price.
type SpreadSide struct {
	Sell         Leg     `json:"sell"`
	Buy          Leg     `json:"buy"`
	EntryPremium float64 `json:"entry_premium"`
}

// AlertFlags guard each alert so it fires at most once per entry or roll.
type AlertFlags struct {
	Call70Decay bool `json:"call_70_decay"`
	Put70Decay  bool `json:"put_70_decay"`
	Firefight   bool `json:"firefight"`
}

// Position is one open spread trade on an underlying. Call and Put are nil
// when the trade does not carry that side. LastFillAt is the newest broker
// fill folded into a side. OpenedAfter is fixed at creation: fills at or
// before it belong to earlier positions on the underlying.
type Position struct {
	ID                string         `json:"id"`
	Underlying        string         `json:"underlying"`
	Status            PositionStatus `json:"status"`
	TradeType         TradeType      `json:"trade_type"`
	Call              *SpreadSide    `json:"call,omitempty"`
	Put               *SpreadSide    `json:"put,omitempty"`
	TotalEntryPremium float64        `json:"total_entry_premium"`
	BufferPremium     float64        `json:"buffer_premium"`
	IsIronButterfly   bool           `json:"is_iron_butterfly"`
	Alerts            AlertFlags     `json:"alerts"`
	LotSize           int            `json:"lot_size"`
	Lots              int            `json:"lots"`
	SpotToken         uint32         `json:"spot_token"`
	Exchange          string         `json:"exchange"`
	LastFillAt        time.Time      `json:"last_fill_at"`
	OpenedAfter       time.Time      `json:"opened_after"`
	RetiredSymbols    []string       `json:"retired_symbols,omitempty"`
	Version           int64          `json:"version"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// SideOf returns the spread side for CALL or PUT, nil when absent.
func (p *Position) SideOf(s Side) *SpreadSide {
	switch s {
	case SideCall:
		return p.Call
	case SidePut:
		return p.Put
	}
	return nil
}

// Quantity is the order size for every leg.
func (p Position) Quantity() int {
	return p.LotSize * p.Lots
}

// Tokens returns the instrument tokens the ticker must stream for this
// position: the spot index plus every present leg.
func (p Position) Tokens() []uint32 {
	tokens := []uint32{p.SpotToken}
	for _, s := range []*SpreadSide{p.Call, p.Put} {
		if s != nil {
			tokens = append(tokens, s.Sell.Token, s.Buy.Token)
		}
	}
	return tokens
}

// Symbols returns every current leg symbol.
func (p Position) Symbols() []string {
	var out []string
	for _, s := range []*SpreadSide{p.Call, p.Put} {
		if s != nil {
			out = append(out, s.Sell.Symbol, s.Buy.Symbol)
		}
	}
	return out
}

// RecomputeTotal sets TotalEntryPremium to the sum of the present sides.
func (p *Position) RecomputeTotal() {
	var total float64
	if p.Call != nil {
		total += p.Call.EntryPremium
	}
	if p.Put != nil {
		total += p.Put.EntryPremium
	}
	p.TotalEntryPremium = total
}

// ResetAlerts clears every alert guard.
func (p *Position) ResetAlerts() {
	p.Alerts = AlertFlags{}
}

// Validate checks the structural invariants of a position.
func (p Position) Validate() error {
	if p.Underlying == "" {
		return fmt.Errorf("%w: underlying is empty", ErrInvalidPosition)
	}
	tt, err := ClassifyTradeType(p.Call, p.Put)
	if err != nil {
		return err
	}
	if p.TradeType != tt {
		return fmt.Errorf("%w: trade type %s does not match legs (%s)", ErrInvalidPosition, p.TradeType, tt)
	}
	if p.LotSize <= 0 || p.Lots <= 0 {
		return fmt.Errorf("%w: lot size and lots must be positive", ErrInvalidPosition)
	}
	for _, s := range []*SpreadSide{p.Call, p.Put} {
		if s == nil {
			continue
		}
		if s.Sell.Symbol == "" || s.Buy.Symbol == "" {
			return fmt.Errorf("%w: leg symbol is empty", ErrInvalidPosition)
		}
		if s.Sell.Token == 0 || s.Buy.Token == 0 {
			return fmt.Errorf("%w: leg token is zero", ErrInvalidPosition)
		}
	}
	return nil
}

// Clone returns a deep copy so callers can mutate it without aliasing.
func (p Position) Clone() Position {
	out := p
	if p.Call != nil {
		c := *p.Call
		out.Call = &c
	}
	if p.Put != nil {
		c := *p.Put
		out.Put = &c
	}
	if p.RetiredSymbols != nil {
		out.RetiredSymbols = append([]string(nil), p.RetiredSymbols...)
	}
	return out
}
