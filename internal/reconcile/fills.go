package reconcile

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/condorbot/internal/domain"
)

// role is the position a fill plays in a spread.
type role struct {
	opt domain.OptionType
	tx  domain.TransactionType
}

// legFill is the aggregated fill chosen for one role.
type legFill struct {
	symbol   string
	exchange string
	token    uint32
	strike   float64
	avgPrice decimal.Decimal
	qty      int
	last     time.Time
}

// pickRoles chooses, for every role present in fills, the symbol of the most
// recent fill and averages all fills of that symbol and direction weighted by
// quantity.
func pickRoles(fills []domain.CompletedOrder) map[role]legFill {
	sorted := make([]domain.CompletedOrder, len(fills))
	copy(sorted, fills)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	latest := make(map[role]domain.CompletedOrder)
	for _, f := range sorted {
		latest[role{f.OptionType, f.TransactionType}] = f
	}

	out := make(map[role]legFill, len(latest))
	for r, pick := range latest {
		var (
			notional = decimal.Zero
			qty      int
			last     time.Time
		)
		for _, f := range sorted {
			if f.Symbol != pick.Symbol || f.TransactionType != r.tx {
				continue
			}
			notional = notional.Add(decimal.NewFromFloat(f.AvgPrice).Mul(decimal.NewFromInt(int64(f.FilledQty))))
			qty += f.FilledQty
			if f.Timestamp.After(last) {
				last = f.Timestamp
			}
		}
		if qty == 0 {
			continue
		}
		out[r] = legFill{
			symbol:   pick.Symbol,
			exchange: pick.Exchange,
			token:    pick.Token,
			strike:   pick.Strike,
			avgPrice: notional.Div(decimal.NewFromInt(int64(qty))).Round(2),
			qty:      qty,
			last:     last,
		}
	}
	return out
}

// buildSide returns the spread side of opt when both a sell and a buy fill
// exist for it.
func buildSide(roles map[role]legFill, opt domain.OptionType) (*domain.SpreadSide, bool) {
	sell, okSell := roles[role{opt, domain.TransactionSell}]
	buy, okBuy := roles[role{opt, domain.TransactionBuy}]
	if !okSell || !okBuy {
		return nil, false
	}
	sellPrice, _ := sell.avgPrice.Float64()
	buyPrice, _ := buy.avgPrice.Float64()
	net, _ := sell.avgPrice.Sub(buy.avgPrice).Float64()
	return &domain.SpreadSide{
		Sell:         domain.Leg{Token: sell.token, Symbol: sell.symbol, Strike: sell.strike, EntryPrice: sellPrice},
		Buy:          domain.Leg{Token: buy.token, Symbol: buy.symbol, Strike: buy.strike, EntryPrice: buyPrice},
		EntryPremium: net,
	}, true
}

// lastFill is the newest fill time among the roles used for a side.
func lastFill(roles map[role]legFill, opts ...domain.OptionType) time.Time {
	var t time.Time
	for _, opt := range opts {
		for _, tx := range []domain.TransactionType{domain.TransactionSell, domain.TransactionBuy} {
			if f, ok := roles[role{opt, tx}]; ok && f.last.After(t) {
				t = f.last
			}
		}
	}
	return t
}

// isClosingFill reports whether f unwinds one of pos's legs: a buy of the
// short leg or a sale of the long leg.
func isClosingFill(pos domain.Position, f domain.CompletedOrder) bool {
	for _, s := range []*domain.SpreadSide{pos.Call, pos.Put} {
		if s == nil {
			continue
		}
		if f.Symbol == s.Sell.Symbol && f.TransactionType == domain.TransactionBuy {
			return true
		}
		if f.Symbol == s.Buy.Symbol && f.TransactionType == domain.TransactionSell {
			return true
		}
	}
	return false
}

// holdsSymbol reports whether sym is a current leg of pos.
func holdsSymbol(pos domain.Position, sym string) bool {
	for _, s := range pos.Symbols() {
		if s == sym {
			return true
		}
	}
	return false
}

func retired(pos domain.Position, sym string) bool {
	for _, s := range pos.RetiredSymbols {
		if s == sym {
			return true
		}
	}
	return false
}
