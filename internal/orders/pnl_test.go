package orders

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelfin/optionsd/internal/domain"
)

func TestParseOCCSymbol(t *testing.T) {
	cases := []struct {
		name   string
		symbol string
		want   ParsedOCCSymbol
	}{
		{
			name:   "call",
			symbol: "SPY   240119C00450000",
			want:   ParsedOCCSymbol{Underlying: "SPY", Date: "240119", Type: domain.OptionTypeCall, Strike: 450},
		},
		{
			name:   "put with fractional strike",
			symbol: "SPY   240119P00452500",
			want:   ParsedOCCSymbol{Underlying: "SPY", Date: "240119", Type: domain.OptionTypePut, Strike: 452.5},
		},
		{
			name:   "underlying containing letter P",
			symbol: "SPXP  240119C00100000",
			want:   ParsedOCCSymbol{Underlying: "SPXP", Date: "240119", Type: domain.OptionTypeCall, Strike: 100},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ParseOCCSymbol(tc.symbol)
			require.True(t, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseOCCSymbol_TooShort(t *testing.T) {
	_, ok := ParseOCCSymbol("SPY")
	assert.False(t, ok)
}

func TestMatchExecutions(t *testing.T) {
	executions := []Execution{
		{Symbol: "SPY   240119C00450000", FillPrice: 0.10, Quantity: 2},
		{Symbol: "SPY   240119P00440000", FillPrice: 0.20, Quantity: 2},
		{Symbol: "QQQ   240119C00450000", FillPrice: 0.30, Quantity: 1},
	}

	matches := MatchExecutions(executions, "SPY", 450, domain.OptionTypeCall)
	require.Len(t, matches, 1)
	assert.Equal(t, 0.10, matches[0].FillPrice)
}

func TestRealizedPnL(t *testing.T) {
	matches := []Execution{{FillPrice: 0.05, Quantity: 2}}
	realized, avgExit, exitCost, ok := RealizedPnL(400, matches)
	require.True(t, ok)
	assert.Equal(t, 10.0, exitCost) // 0.05 * 2 * 100
	assert.Equal(t, 0.05, avgExit)
	assert.Equal(t, 390.0, realized)
}

func TestRealizedPnL_NoMatches(t *testing.T) {
	_, _, _, ok := RealizedPnL(400, nil)
	assert.False(t, ok)
}
