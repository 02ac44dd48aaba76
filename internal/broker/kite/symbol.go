package kite

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/alanyoungcy/condorbot/internal/domain"
)

// Contract is the option contract encoded in a trading symbol.
type Contract struct {
	Underlying string
	Expiry     string
	Strike     float64
	OptionType domain.OptionType
}

// expiryLen covers both weekly ("24D12") and monthly ("24DEC") codes.
const expiryLen = 5

// SymbolParser decodes F&O trading symbols of the form
// UNDERLYING + expiry + strike + CE|PE for a known set of underlyings.
type SymbolParser struct {
	names []string
}

// NewSymbolParser returns a parser for the given underlyings. Longer names
// are tried first so NIFTY does not swallow NIFTYNXT50 symbols.
func NewSymbolParser(underlyings []string) *SymbolParser {
	names := make([]string, 0, len(underlyings))
	for _, u := range underlyings {
		names = append(names, strings.ToUpper(u))
	}
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) > len(names[j])
		}
		return names[i] < names[j]
	})
	return &SymbolParser{names: names}
}

// Parse decodes symbol. It fails for futures, equities and unknown underlyings.
func (p *SymbolParser) Parse(symbol string) (Contract, error) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))

	var opt domain.OptionType
	switch {
	case strings.HasSuffix(sym, string(domain.OptionCall)):
		opt = domain.OptionCall
	case strings.HasSuffix(sym, string(domain.OptionPut)):
		opt = domain.OptionPut
	default:
		return Contract{}, fmt.Errorf("kite: %q is not an option symbol", symbol)
	}
	body := sym[:len(sym)-2]

	for _, name := range p.names {
		if !strings.HasPrefix(body, name) {
			continue
		}
		rest := body[len(name):]
		// The expiry always starts with the two-digit year.
		if len(rest) <= expiryLen || rest[0] < '0' || rest[0] > '9' {
			continue
		}
		strike, err := strconv.ParseFloat(rest[expiryLen:], 64)
		if err != nil || strike <= 0 {
			return Contract{}, fmt.Errorf("kite: bad strike in %q", symbol)
		}
		return Contract{
			Underlying: name,
			Expiry:     rest[:expiryLen],
			Strike:     strike,
			OptionType: opt,
		}, nil
	}
	return Contract{}, fmt.Errorf("kite: unknown underlying in %q", symbol)
}
