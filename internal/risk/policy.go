// Package risk evaluates ACTIVE spread positions against live prices and
// decides when to alert and when to exit.
package risk

import (
	"fmt"

	"github.com/alanyoungcy/condorbot/internal/domain"
)

// AlertKind identifies a one-shot alert guarded by a position flag.
type AlertKind string

const (
	AlertCallDecay AlertKind = "call_decay"
	AlertPutDecay  AlertKind = "put_decay"
	AlertFirefight AlertKind = "firefight"
)

// Snapshot is a position with the prices of one evaluation cycle. Nets are
// the absolute difference of the two leg prices of a side and are only
// meaningful when the side is present.
type Snapshot struct {
	Position domain.Position
	Spot     float64
	CallNet  float64
	PutNet   float64
}

// ExitDecision asks for one or both sides to be closed.
type ExitDecision struct {
	Side   domain.Side
	Reason domain.ExitReason
	Detail string
}

// Decision is the result of applying a policy to a snapshot. Alerts only
// lists kinds whose guard flag is still clear.
type Decision struct {
	Alerts []AlertKind
	Exit   *ExitDecision
}

// Policy decides what to do with one position. Implementations must be pure:
// the evaluator owns persistence, notification and order flow.
type Policy interface {
	Name() string
	Evaluate(s Snapshot) Decision
}

// Thresholds parameterise PercentStopPolicy.
type Thresholds struct {
	// DecayRatio raises the decay alert when net <= DecayRatio * entry.
	DecayRatio float64
	// FirefightMultiple raises the firefight alert when one side has decayed,
	// now or earlier, and the other side's net >= FirefightMultiple * entry.
	FirefightMultiple float64
	// StopMultiple exits a side when net >= StopMultiple * entry + buffer.
	StopMultiple float64
	// ButterflyLossMultiple exits everything in butterfly mode when
	// sum(nets) - total >= ButterflyLossMultiple * total.
	ButterflyLossMultiple float64
}

// DefaultThresholds returns the standard 70% decay, 3x firefight, 4x stop and
// 200% butterfly loss levels.
func DefaultThresholds() Thresholds {
	return Thresholds{
		DecayRatio:            0.3,
		FirefightMultiple:     3,
		StopMultiple:          4,
		ButterflyLossMultiple: 2,
	}
}

// NewPolicy returns the policy registered under name.
func NewPolicy(name string, th Thresholds) (Policy, error) {
	switch name {
	case "", PercentStopName:
		return NewPercentStopPolicy(th), nil
	case KillSwitchName:
		return KillSwitchPolicy{}, nil
	}
	return nil, fmt.Errorf("risk: unknown policy %q", name)
}

const (
	PercentStopName = "percent_stop"
	KillSwitchName  = "kill_switch"
)

// PercentStopPolicy alerts on premium decay and exits on a multiple of the
// entry premium.
type PercentStopPolicy struct {
	th Thresholds
}

// NewPercentStopPolicy creates the policy. Zero thresholds take the defaults.
func NewPercentStopPolicy(th Thresholds) *PercentStopPolicy {
	def := DefaultThresholds()
	if th.DecayRatio <= 0 {
		th.DecayRatio = def.DecayRatio
	}
	if th.FirefightMultiple <= 0 {
		th.FirefightMultiple = def.FirefightMultiple
	}
	if th.StopMultiple <= 0 {
		th.StopMultiple = def.StopMultiple
	}
	if th.ButterflyLossMultiple <= 0 {
		th.ButterflyLossMultiple = def.ButterflyLossMultiple
	}
	return &PercentStopPolicy{th: th}
}

func (p *PercentStopPolicy) Name() string { return PercentStopName }

func (p *PercentStopPolicy) Evaluate(s Snapshot) Decision {
	pos := s.Position
	if pos.IsIronButterfly {
		return p.butterfly(s)
	}

	var d Decision
	call, put := pos.Call, pos.Put

	callDecayed := call != nil && s.CallNet <= p.th.DecayRatio*call.EntryPremium
	putDecayed := put != nil && s.PutNet <= p.th.DecayRatio*put.EntryPremium

	if callDecayed && !pos.Alerts.Call70Decay {
		d.Alerts = append(d.Alerts, AlertCallDecay)
	}
	if putDecayed && !pos.Alerts.Put70Decay {
		d.Alerts = append(d.Alerts, AlertPutDecay)
	}
	if !pos.Alerts.Firefight {
		callTested := call != nil && s.CallNet >= p.th.FirefightMultiple*call.EntryPremium
		putTested := put != nil && s.PutNet >= p.th.FirefightMultiple*put.EntryPremium
		// A side that decayed once stays decayed for this rule, even after
		// its net drifts back above the decay line.
		callDone := callDecayed || pos.Alerts.Call70Decay
		putDone := putDecayed || pos.Alerts.Put70Decay
		if (callDone && putTested) || (putDone && callTested) {
			d.Alerts = append(d.Alerts, AlertFirefight)
		}
	}

	// One side per cycle; the call side wins a tie.
	if call != nil {
		if stop := p.StopLevel(call.EntryPremium, pos.BufferPremium); s.CallNet >= stop {
			d.Exit = &ExitDecision{
				Side:   domain.SideCall,
				Reason: domain.ExitStopLoss,
				Detail: fmt.Sprintf("call net %.2f >= stop %.2f", s.CallNet, stop),
			}
			return d
		}
	}
	if put != nil {
		if stop := p.StopLevel(put.EntryPremium, pos.BufferPremium); s.PutNet >= stop {
			d.Exit = &ExitDecision{
				Side:   domain.SidePut,
				Reason: domain.ExitStopLoss,
				Detail: fmt.Sprintf("put net %.2f >= stop %.2f", s.PutNet, stop),
			}
		}
	}
	return d
}

func (p *PercentStopPolicy) butterfly(s Snapshot) Decision {
	pos := s.Position
	var current float64
	if pos.Call != nil {
		current += s.CallNet
	}
	if pos.Put != nil {
		current += s.PutNet
	}
	total := pos.TotalEntryPremium
	loss := current - total
	if loss >= p.th.ButterflyLossMultiple*total {
		return Decision{Exit: &ExitDecision{
			Side:   domain.SideAll,
			Reason: domain.ExitStopLoss,
			Detail: fmt.Sprintf("butterfly loss %.2f >= %.0f%% of %.2f", loss, p.th.ButterflyLossMultiple*100, total),
		}}
	}
	return Decision{}
}

// StopLevel is the side net at which the side is exited.
func (p *PercentStopPolicy) StopLevel(entry, buffer float64) float64 {
	return p.th.StopMultiple*entry + buffer
}

// KillSwitchPolicy exits a side as soon as spot touches or crosses its short
// strike, and exits everything once the position has become a butterfly.
// It raises no alerts.
type KillSwitchPolicy struct{}

func (KillSwitchPolicy) Name() string { return KillSwitchName }

func (KillSwitchPolicy) Evaluate(s Snapshot) Decision {
	pos := s.Position
	if pos.IsIronButterfly {
		return Decision{Exit: &ExitDecision{
			Side:   domain.SideAll,
			Reason: domain.ExitATMManualHandoff,
			Detail: fmt.Sprintf("spot %.2f at the short strikes", s.Spot),
		}}
	}
	if pos.Call != nil && s.Spot >= pos.Call.Sell.Strike {
		return Decision{Exit: &ExitDecision{
			Side:   domain.SideCall,
			Reason: domain.ExitStopLoss,
			Detail: fmt.Sprintf("spot %.2f >= short call %.0f", s.Spot, pos.Call.Sell.Strike),
		}}
	}
	if pos.Put != nil && s.Spot <= pos.Put.Sell.Strike {
		return Decision{Exit: &ExitDecision{
			Side:   domain.SidePut,
			Reason: domain.ExitStopLoss,
			Detail: fmt.Sprintf("spot %.2f <= short put %.0f", s.Spot, pos.Put.Sell.Strike),
		}}
	}
	return Decision{}
}

var (
	_ Policy = (*PercentStopPolicy)(nil)
	_ Policy = KillSwitchPolicy{}
)
