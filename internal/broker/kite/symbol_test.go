package kite

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/condorbot/internal/domain"
)

func TestSymbolParser(t *testing.T) {
	p := NewSymbolParser([]string{"nifty", "SENSEX", "NIFTYNXT50", "BANKNIFTY"})

	tests := []struct {
		symbol string
		want   Contract
	}{
		{"NIFTY24D1224500CE", Contract{"NIFTY", "24D12", 24500, domain.OptionCall}},
		{"NIFTY24DEC23500PE", Contract{"NIFTY", "24DEC", 23500, domain.OptionPut}},
		{"SENSEX2491781000CE", Contract{"SENSEX", "24917", 81000, domain.OptionCall}},
		{"BANKNIFTY24DEC51500PE", Contract{"BANKNIFTY", "24DEC", 51500, domain.OptionPut}},
		{"NIFTYNXT5024DEC70000CE", Contract{"NIFTYNXT50", "24DEC", 70000, domain.OptionCall}},
	}
	for _, tt := range tests {
		t.Run(tt.symbol, func(t *testing.T) {
			got, err := p.Parse(tt.symbol)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSymbolParserRejects(t *testing.T) {
	p := NewSymbolParser([]string{"NIFTY", "SENSEX"})
	for _, sym := range []string{
		"NIFTY24DECFUT",
		"RELIANCE",
		"FINNIFTY24DEC23500CE",
		"NIFTYCE",
		"NIFTY24DECCE",
	} {
		_, err := p.Parse(sym)
		assert.Error(t, err, sym)
	}
}
