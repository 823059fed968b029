package jobs

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/kestrelfin/optionsd/internal/broker"
	"github.com/kestrelfin/optionsd/internal/config"
	"github.com/kestrelfin/optionsd/internal/database"
	"github.com/kestrelfin/optionsd/internal/events"
	"github.com/kestrelfin/optionsd/internal/orders"
)

type noopAuditSink struct{}

func (noopAuditSink) RecordAuthStep(userID, step string, httpStatus int, reqID, detail string) {}
func (noopAuditSink) RecordOrderEvent(userID, event string, data map[string]any)                {}

// newTestDeps builds a Deps wired to a real sqlite-backed ledger and an
// orders.Service pointed at baseURL. Only read-only broker queries (which
// bypass EnsureReady) are exercised unless the caller's mux also answers the
// nine broker handshake endpoints.
func newTestDeps(t *testing.T, baseURL string) Deps {
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

	dbPath := filepath.Join(t.TempDir(), "jobs.db")
	db, err := database.New(dbPath)
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	ledger := orders.NewLedgerRepository(db, zerolog.Nop())
	svc := orders.NewService(session, ledger, noopAuditSink{}, zerolog.Nop(), "u1", "DU12345")

	return Deps{
		Ledger: ledger,
		Orders: svc,
		Events: events.NewManager(zerolog.Nop()),
		Log:    zerolog.Nop(),
		UserID: "u1",
	}
}

func writeJSONStub(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// newHandshakeMux registers the nine broker handshake endpoints EnsureReady
// walks through, for tests whose handlers place orders.
func newHandshakeMux(mux *http.ServeMux) {
	stubs := map[string]any{
		"/oauth2/api/v1/token":            map[string]any{"access_token": "oauth-bearer", "expires_in": 60},
		"/gw/api/v1/sso-sessions":         map[string]any{"access_token": "sso-bearer", "expires_in": 600},
		"/v1/api/sso/validate":            map[string]any{"USER_ID": 1},
		"/v1/api/tickle":                  map[string]any{"session": "abc"},
		"/v1/api/iserver/auth/ssodh/init": map[string]any{"passed": true},
		"/v1/api/iserver/reauthenticate":  map[string]any{},
		"/v1/api/iserver/auth/status":     map[string]any{"authenticated": true, "connected": true},
		"/v1/api/iserver/account":         map[string]any{"accounts": []string{"DU12345"}},
		"/v1/api/portfolio/subaccounts":   []any{},
	}
	for path, body := range stubs {
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) { writeJSONStub(w, body) })
	}
}
