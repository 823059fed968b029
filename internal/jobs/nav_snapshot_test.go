package jobs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelfin/optionsd/internal/domain"
)

func TestNavSnapshot_Execute(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/api/portfolio/DU12345/summary", func(w http.ResponseWriter, r *http.Request) {
		writeJSONStub(w, map[string]any{
			"netliquidation": map[string]any{"amount": 98000.0},
			"portfolioValue": map[string]any{"amount": 101500.0},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	deps := newTestDeps(t, srv.URL)
	handler := NewNavSnapshot(deps, domain.NavSnapshotOpening)

	assert.Equal(t, "nav_snapshot_opening", handler.ID())

	result := handler.Execute(context.Background())
	require.NoError(t, result.Err)
	assert.True(t, result.Success)
	assert.Equal(t, 101500.0, result.Data["nav"])
}

func TestNavSnapshot_Execute_SummaryError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/api/portfolio/DU12345/summary", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	deps := newTestDeps(t, srv.URL)
	handler := NewNavSnapshot(deps, domain.NavSnapshotClosing)

	result := handler.Execute(context.Background())
	require.Error(t, result.Err)
	assert.False(t, result.Success)
}
