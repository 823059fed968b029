package jobs

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelfin/optionsd/internal/broker"
	"github.com/kestrelfin/optionsd/internal/config"
	"github.com/kestrelfin/optionsd/internal/database"
	"github.com/kestrelfin/optionsd/internal/domain"
	"github.com/kestrelfin/optionsd/internal/events"
	"github.com/kestrelfin/optionsd/internal/orders"
)

type fakeStrategyEngine struct {
	decision TradingDecision
	err      error
}

func (f fakeStrategyEngine) Decide(ctx context.Context, symbol string) (TradingDecision, error) {
	return f.decision, f.err
}

func newHandshakeAndOrderMux(t *testing.T) *http.ServeMux {
	t.Helper()
	mux := http.NewServeMux()
	newHandshakeMux(mux)
	mux.HandleFunc("/v1/api/iserver/secdef/search", func(w http.ResponseWriter, r *http.Request) {
		writeJSONStub(w, []map[string]any{{"conid": 756733}})
	})
	mux.HandleFunc("/v1/api/iserver/secdef/strikes", func(w http.ResponseWriter, r *http.Request) {
		writeJSONStub(w, map[string]any{"call": []float64{450}, "put": []float64{440}})
	})
	mux.HandleFunc("/v1/api/iserver/secdef/info", func(w http.ResponseWriter, r *http.Request) {
		writeJSONStub(w, []map[string]any{{"conid": 99887, "strike": 450.0, "right": "C"}})
	})
	mux.HandleFunc("/v1/api/iserver/account/DU12345/orders", func(w http.ResponseWriter, r *http.Request) {
		writeJSONStub(w, map[string]any{"order_id": "777001"})
	})
	return mux
}

func newTradeEngineDeps(t *testing.T, baseURL string) Deps {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	keyPath := filepath.Join(t.TempDir(), "key.pem")
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0o600))

	cred := config.BrokerCredential{
		UserID: "u1", ClientID: "client-1", ClientKeyID: "kid-1",
		PrivateKeyPath: keyPath, AccountID: "DU12345", Environment: "paper",
		GatewayBaseURL: baseURL,
	}
	session, err := broker.NewSession(cred, zerolog.Nop(), noopAuditSink{})
	require.NoError(t, err)

	dbPath := filepath.Join(t.TempDir(), "engine.db")
	db, err := database.New(dbPath)
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	ledger := orders.NewLedgerRepository(db, zerolog.Nop())
	svc := orders.NewService(session, ledger, noopAuditSink{}, zerolog.Nop(), "u1", "DU12345")

	return Deps{Ledger: ledger, Orders: svc, Events: events.NewManager(zerolog.Nop()), Log: zerolog.Nop(), UserID: "u1"}
}

func TestTradeEngine_Execute_EntersTrade(t *testing.T) {
	mux := newHandshakeAndOrderMux(t)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	deps := newTradeEngineDeps(t, srv.URL)
	engine := fakeStrategyEngine{decision: TradingDecision{
		CanTrade: true, Strategy: "iron_condor", Bias: "neutral",
		Expiration: "20260130", Contracts: 1,
		Legs: []LegDecision{{Type: domain.OptionTypeCall, Strike: 450, LimitPrice: 0.45}},
	}}
	handler := NewTradeEngine(deps, engine, []string{"SPY"}, 3.0)

	result := handler.Execute(context.Background())
	require.NoError(t, result.Err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.Data["entered"])

	open, err := deps.Ledger.OpenPaperTrades("u1", "")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "iron_condor", open[0].Strategy)
}

func TestTradeEngine_Execute_SkipsWhenAlreadyEntered(t *testing.T) {
	mux := newHandshakeAndOrderMux(t)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	deps := newTradeEngineDeps(t, srv.URL)
	_, err := deps.Ledger.CreatePaperTrade(domain.PaperTrade{
		UserID: "u1", Symbol: "SPY", Status: domain.TradeStatusOpen, CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	engine := fakeStrategyEngine{decision: TradingDecision{CanTrade: true, Legs: []LegDecision{{Strike: 450}}}}
	handler := NewTradeEngine(deps, engine, []string{"SPY"}, 3.0)

	result := handler.Execute(context.Background())
	require.NoError(t, result.Err)
	assert.True(t, result.Aggregated)
	assert.Equal(t, "no entries today", result.Reason)
}

func TestTradeEngine_Execute_DeclinedByEngine(t *testing.T) {
	deps := newTradeEngineDeps(t, "http://unused.invalid")
	engine := fakeStrategyEngine{decision: TradingDecision{CanTrade: false}}
	handler := NewTradeEngine(deps, engine, []string{"SPY"}, 3.0)

	result := handler.Execute(context.Background())
	require.NoError(t, result.Err)
	assert.True(t, result.Aggregated)
}
