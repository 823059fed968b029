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
	"github.com/kestrelfin/optionsd/internal/domain"
)

// newHandshakeMux registers the nine broker auth endpoints EnsureReady walks
// through, so tests exercising order placement don't need to fake a live
// gateway session.
func newHandshakeMux(mux *http.ServeMux) {
	mux.HandleFunc("/oauth2/api/v1/token", func(w http.ResponseWriter, r *http.Request) {
		writeStubJSON(w, map[string]any{"access_token": "oauth-bearer", "expires_in": 60})
	})
	mux.HandleFunc("/gw/api/v1/sso-sessions", func(w http.ResponseWriter, r *http.Request) {
		writeStubJSON(w, map[string]any{"access_token": "sso-bearer", "expires_in": 600})
	})
	mux.HandleFunc("/v1/api/sso/validate", func(w http.ResponseWriter, r *http.Request) {
		writeStubJSON(w, map[string]any{"USER_ID": 1})
	})
	mux.HandleFunc("/v1/api/tickle", func(w http.ResponseWriter, r *http.Request) {
		writeStubJSON(w, map[string]any{"session": "abc"})
	})
	mux.HandleFunc("/v1/api/iserver/auth/ssodh/init", func(w http.ResponseWriter, r *http.Request) {
		writeStubJSON(w, map[string]any{"passed": true})
	})
	mux.HandleFunc("/v1/api/iserver/reauthenticate", func(w http.ResponseWriter, r *http.Request) {
		writeStubJSON(w, map[string]any{})
	})
	mux.HandleFunc("/v1/api/iserver/auth/status", func(w http.ResponseWriter, r *http.Request) {
		writeStubJSON(w, map[string]any{"authenticated": true, "connected": true})
	})
	mux.HandleFunc("/v1/api/iserver/account", func(w http.ResponseWriter, r *http.Request) {
		writeStubJSON(w, map[string]any{"accounts": []string{"DU12345"}})
	})
	mux.HandleFunc("/v1/api/portfolio/subaccounts", func(w http.ResponseWriter, r *http.Request) {
		writeStubJSON(w, []any{})
	})
}

// newOrderTestService builds a Service whose session is pointed at mux, which
// must already carry the handshake endpoints for any test that places orders.
func newOrderTestService(t *testing.T, mux *http.ServeMux) (*Service, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(mux)

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
		GatewayBaseURL: srv.URL,
	}
	session, err := broker.NewSession(cred, zerolog.Nop(), noopAuditSink{})
	require.NoError(t, err)

	ledger := newTestLedger(t)
	return NewService(session, ledger, noopAuditSink{}, zerolog.Nop(), "u1", "DU12345"), srv
}

func TestPlaceStockOrder(t *testing.T) {
	mux := http.NewServeMux()
	newHandshakeMux(mux)
	mux.HandleFunc("/v1/api/iserver/secdef/search", func(w http.ResponseWriter, r *http.Request) {
		writeStubJSON(w, []map[string]any{{"conid": 756733}})
	})
	mux.HandleFunc("/v1/api/iserver/account/DU12345/orders", func(w http.ResponseWriter, r *http.Request) {
		writeStubJSON(w, map[string]any{"order_id": "999111"})
	})

	svc, srv := newOrderTestService(t, mux)
	defer srv.Close()

	rec, err := svc.PlaceStockOrder(context.Background(), "SPY", domain.SideBuy, 10, StockOrderOptions{})
	require.NoError(t, err)
	assert.Equal(t, "999111", rec.BrokerOrderID)
	assert.Equal(t, domain.OrderStatusSubmitted, rec.Status)
	assert.NotZero(t, rec.ID, "order should be persisted to the ledger")
}

func TestPlaceStockOrder_ConfirmationReply(t *testing.T) {
	mux := http.NewServeMux()
	newHandshakeMux(mux)
	mux.HandleFunc("/v1/api/iserver/secdef/search", func(w http.ResponseWriter, r *http.Request) {
		writeStubJSON(w, []map[string]any{{"conid": 756733}})
	})
	mux.HandleFunc("/v1/api/iserver/account/DU12345/orders", func(w http.ResponseWriter, r *http.Request) {
		writeStubJSON(w, []map[string]any{{"id": "confirm-1", "message": "price cap exceeded"}})
	})
	mux.HandleFunc("/v1/api/iserver/reply/confirm-1", func(w http.ResponseWriter, r *http.Request) {
		writeStubJSON(w, map[string]any{"order_id": "999222"})
	})

	svc, srv := newOrderTestService(t, mux)
	defer srv.Close()

	rec, err := svc.PlaceStockOrder(context.Background(), "SPY", domain.SideSell, 5, StockOrderOptions{})
	require.NoError(t, err)
	assert.Equal(t, "999222", rec.BrokerOrderID)
}

func TestPlaceStockOrder_RejectedByGateway(t *testing.T) {
	mux := http.NewServeMux()
	newHandshakeMux(mux)
	mux.HandleFunc("/v1/api/iserver/secdef/search", func(w http.ResponseWriter, r *http.Request) {
		writeStubJSON(w, []map[string]any{{"conid": 756733}})
	})
	mux.HandleFunc("/v1/api/iserver/account/DU12345/orders", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"insufficient buying power"}`))
	})

	svc, srv := newOrderTestService(t, mux)
	defer srv.Close()

	_, err := svc.PlaceStockOrder(context.Background(), "SPY", domain.SideBuy, 1000000, StockOrderOptions{})
	require.Error(t, err)
	var rejection *OrderRejection
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, http.StatusBadRequest, rejection.HTTPStatus)
}

func TestGetOpenOrders_Service(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/api/iserver/account/DU12345/orders", func(w http.ResponseWriter, r *http.Request) {
		writeStubJSON(w, map[string]any{
			"orders": []map[string]any{
				{"orderId": "111", "ticker": "SPY", "side": "SELL", "remainingQuantity": 1.0},
			},
		})
	})

	svc, srv := newOrderTestService(t, mux)
	defer srv.Close()

	open, err := svc.GetOpenOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "111", open[0].BrokerOrderID)
	assert.Equal(t, domain.SideSell, open[0].Side)
}

func TestCancelOrder(t *testing.T) {
	mux := http.NewServeMux()
	var gotMethod string
	mux.HandleFunc("/v1/api/iserver/account/DU12345/order/555", func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		writeStubJSON(w, map[string]any{"status": "cancelled"})
	})

	svc, srv := newOrderTestService(t, mux)
	defer srv.Close()

	err := svc.CancelOrder(context.Background(), "555")
	require.NoError(t, err)
	assert.Equal(t, http.MethodDelete, gotMethod)
}

func TestCancelAllOrders(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/api/iserver/account/DU12345/orders", func(w http.ResponseWriter, r *http.Request) {
		writeStubJSON(w, map[string]any{
			"orders": []map[string]any{
				{"orderId": "321", "ticker": "SPY", "side": "SELL", "remainingQuantity": 1.0},
			},
		})
	})
	mux.HandleFunc("/v1/api/iserver/account/DU12345/order/321", func(w http.ResponseWriter, r *http.Request) {
		writeStubJSON(w, map[string]any{"status": "cancelled"})
	})

	svc, srv := newOrderTestService(t, mux)
	defer srv.Close()

	require.NoError(t, svc.CancelAllOrders(context.Background()))
}

func TestResolveConid_NotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/api/iserver/secdef/search", func(w http.ResponseWriter, r *http.Request) {
		writeStubJSON(w, []map[string]any{})
	})

	svc, srv := newOrderTestService(t, mux)
	defer srv.Close()

	_, err := svc.ResolveConid(context.Background(), "ZZZZ")
	require.Error(t, err)
	var resErr *InstrumentResolutionError
	require.ErrorAs(t, err, &resErr)
}

func writeStubJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
