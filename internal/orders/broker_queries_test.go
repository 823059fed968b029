package orders

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelfin/optionsd/internal/broker"
	"github.com/kestrelfin/optionsd/internal/config"
)

type noopAuditSink struct{}

func (noopAuditSink) RecordAuthStep(userID, step string, httpStatus int, reqID, detail string) {}
func (noopAuditSink) RecordOrderEvent(userID, event string, data map[string]any)                {}

// newTestService builds a Service whose session points at the given test
// server, without running the OAuth/SSO handshake: the read-only broker
// queries hit doJSON directly and never call EnsureReady.
func newTestService(t *testing.T, baseURL string) *Service {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	keyPath := filepath.Join(t.TempDir(), "key.pem")
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0o600))

	cred := config.BrokerCredential{
		UserID:         "u1",
		ClientID:       "client-1",
		ClientKeyID:    "kid-1",
		PrivateKeyPath: keyPath,
		AccountID:      "DU12345",
		Environment:    "paper",
		GatewayBaseURL: baseURL,
	}
	session, err := broker.NewSession(cred, zerolog.Nop(), noopAuditSink{})
	require.NoError(t, err)

	ledger := newTestLedger(t)
	return NewService(session, ledger, noopAuditSink{}, zerolog.Nop(), "u1", "DU12345")
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestGetPositions(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/api/portfolio/DU12345/positions/0", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, []map[string]any{
			{"conid": 1, "contractDesc": "SPY   240119C00450000", "position": -1.0},
			{"conid": 2, "contractDesc": "QQQ", "position": 0.0},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	svc := newTestService(t, srv.URL)
	positions, err := svc.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1, "zero-quantity positions should be filtered")
	assert.Equal(t, "SPY   240119C00450000", positions[0].Symbol)
	assert.Equal(t, -1.0, positions[0].Quantity)
}

func TestGetAccountSummary(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/api/portfolio/DU12345/summary", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{
			"netliquidation": map[string]any{"amount": 99000.0},
			"portfolioValue": map[string]any{"amount": 100000.0},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	svc := newTestService(t, srv.URL)
	summary, err := svc.GetAccountSummary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100000.0, summary.NAV(), "portfolioValue should take precedence")
}

func TestGetAccountSummary_FallsBackToNetLiquidation(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/api/portfolio/DU12345/summary", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{
			"netliquidation": map[string]any{"amount": 99000.0},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	svc := newTestService(t, srv.URL)
	summary, err := svc.GetAccountSummary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 99000.0, summary.NAV())
}

func TestGetMarketDataSnapshot(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/api/iserver/marketdata/snapshot", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, []map[string]any{
			{"conid": 265598.0, "31": "C450.12", "84": "450.10", "86": "450.15"},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	svc := newTestService(t, srv.URL)
	snapshot, err := svc.GetMarketDataSnapshot(context.Background(), []int{265598})
	require.NoError(t, err)
	require.Contains(t, snapshot, 265598)
	entry := snapshot[265598]
	require.NotNil(t, entry.Last)
	assert.Equal(t, 450.12, *entry.Last)
	require.NotNil(t, entry.Bid)
	assert.Equal(t, 450.10, *entry.Bid)
}

func TestGetMarketDataSnapshot_EmptyConids(t *testing.T) {
	svc := newTestService(t, "http://unused.invalid")
	snapshot, err := svc.GetMarketDataSnapshot(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, snapshot)
}

func TestGetExecutions(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/api/iserver/account/trades", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, []map[string]any{
			{"symbol": "SPY   240119C00450000", "price": "0.12", "size": "1"},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	svc := newTestService(t, srv.URL)
	execs, err := svc.GetExecutions(context.Background())
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, 0.12, execs[0].FillPrice)
	assert.Equal(t, 1.0, execs[0].Quantity)
}
