package jobs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelfin/optionsd/internal/domain"
	"github.com/kestrelfin/optionsd/internal/orders"
)

func TestDefaultReductionSchedule(t *testing.T) {
	assert.InDelta(t, 0.001, defaultReductionSchedule(1, 100, 0.1), 1e-9)
	assert.InDelta(t, 0.003, defaultReductionSchedule(3, 100, 0.1), 1e-9)
	// wide spread (>0.5% of bid) doubles the reduction
	assert.InDelta(t, 0.002, defaultReductionSchedule(1, 100, 1), 1e-9)
}

func TestFloatOrZero(t *testing.T) {
	assert.Equal(t, 0.0, floatOrZero(nil))
	v := 4.5
	assert.Equal(t, 4.5, floatOrZero(&v))
}

func TestPreviousTradingDayET_SkipsWeekend(t *testing.T) {
	// Monday 2026-07-27 -> previous trading day should be Friday 2026-07-24.
	monday := time.Date(2026, 7, 27, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, "2026-07-24", previousTradingDayET(monday))
}

func TestAssignmentMonitor_DetectAssignment(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/api/iserver/secdef/search", func(w http.ResponseWriter, r *http.Request) {
		writeJSONStub(w, []map[string]any{{"conid": 756733}})
	})
	mux.HandleFunc("/v1/api/iserver/marketdata/snapshot", func(w http.ResponseWriter, r *http.Request) {
		writeJSONStub(w, []map[string]any{{"conid": 756733.0, "31": "455.00"}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	deps := newTestDeps(t, srv.URL)
	monitor := NewAssignmentMonitor(deps)

	trade := domain.PaperTrade{
		Symbol:    "SPY",
		Contracts: 1,
		Legs:      []domain.OptionLeg{{Strike: 450, Type: domain.OptionTypeCall}},
	}
	positions := []orders.Position{
		{Conid: 1, Symbol: "SPY", Quantity: -100},
	}

	pos, itm := monitor.detectAssignment(context.Background(), trade, positions)
	require.NotNil(t, pos)
	assert.True(t, itm, "spot above the short call strike should flag assignment")
}

func TestAssignmentMonitor_DetectAssignment_NoMatchingShares(t *testing.T) {
	deps := newTestDeps(t, "")
	monitor := NewAssignmentMonitor(deps)

	trade := domain.PaperTrade{Symbol: "SPY", Contracts: 1}
	positions := []orders.Position{{Conid: 1, Symbol: "SPY", Quantity: -1}}

	pos, itm := monitor.detectAssignment(context.Background(), trade, positions)
	assert.Nil(t, pos)
	assert.False(t, itm)
}
