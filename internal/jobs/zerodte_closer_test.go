package jobs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelfin/optionsd/internal/domain"
	"github.com/kestrelfin/optionsd/internal/orders"
)

func TestAbs(t *testing.T) {
	assert.Equal(t, 5, abs(5))
	assert.Equal(t, 5, abs(-5))
	assert.Equal(t, 0, abs(0))
}

func TestMatchPosition(t *testing.T) {
	positions := []orders.Position{
		{Conid: 1, Symbol: "SPY   240119C00450000", Quantity: -1},
		{Conid: 2, Symbol: "SPY   240119P00440000", Quantity: -1},
	}
	leg := domain.OptionLeg{Strike: 450, Type: domain.OptionTypeCall}

	pos := matchPosition(positions, "SPY", leg)
	require.NotNil(t, pos)
	assert.Equal(t, 1, pos.Conid)

	noMatch := matchPosition(positions, "QQQ", leg)
	assert.Nil(t, noMatch)
}

func TestZeroDTECloser_EffectiveDelta_UsesPositionDelta(t *testing.T) {
	deps := newTestDeps(t, "")
	closer := NewZeroDTECloser(deps)

	delta := 0.72
	pos := orders.Position{Conid: 1, Symbol: "SPY   240119C00450000", Delta: &delta}
	trade := domain.PaperTrade{Symbol: "SPY"}
	leg := domain.OptionLeg{Strike: 450, Type: domain.OptionTypeCall}

	got, err := closer.effectiveDelta(context.Background(), trade, leg, pos)
	require.NoError(t, err)
	assert.Equal(t, 0.72, got)
}

func TestZeroDTECloser_EffectiveDelta_FallsBackToSnapshotITM(t *testing.T) {
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
	closer := NewZeroDTECloser(deps)

	pos := orders.Position{Conid: 756733, Symbol: "SPY   240119C00450000"}
	trade := domain.PaperTrade{Symbol: "SPY"}
	leg := domain.OptionLeg{Strike: 450, Type: domain.OptionTypeCall}

	got, err := closer.effectiveDelta(context.Background(), trade, leg, pos)
	require.NoError(t, err)
	assert.Equal(t, zeroDTEITMDelta, got, "spot above call strike should be treated as ITM")
}

func TestZeroDTECloser_EffectiveDelta_NoSourceErrors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/api/iserver/secdef/search", func(w http.ResponseWriter, r *http.Request) {
		writeJSONStub(w, []map[string]any{})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	deps := newTestDeps(t, srv.URL)
	closer := NewZeroDTECloser(deps)

	pos := orders.Position{Conid: 756733, Symbol: "SPY   240119C00450000"}
	trade := domain.PaperTrade{Symbol: "SPY"}
	leg := domain.OptionLeg{Strike: 450, Type: domain.OptionTypeCall}

	_, err := closer.effectiveDelta(context.Background(), trade, leg, pos)
	require.Error(t, err)
}
