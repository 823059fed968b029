// Package broker drives the OAuth->SSO->validate->init handshake against the
// broker's Client Portal style API and keeps the resulting session alive.
package broker

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kestrelfin/optionsd/internal/audit"
	"github.com/kestrelfin/optionsd/internal/config"
)

const (
	oauthExpiryMargin  = 5 * time.Second
	defaultSSOLifetime = 540 * time.Second
	keepAliveInterval  = 240 * time.Second
	shortCircuitWindow = 540 * time.Second
)

// Session is a process-singleton auth state machine, one per configured credential.
type Session struct {
	cred  config.BrokerCredential
	log   zerolog.Logger
	audit audit.Sink
	key   *rsa.PrivateKey

	jar        *cookiejar.Jar
	httpClient *http.Client

	mu sync.Mutex

	phase                                      Phase
	oauthStep, ssoStep, validateStep, initStep StepRecord

	oauthBearer string
	oauthExpiry time.Time
	ssoBearer   string
	ssoExpiry   time.Time

	sessionReady    bool
	accountSelected bool
	lastInit        time.Time
	lastValidate    time.Time
}

// NewSession constructs a Session for one broker credential. The private key
// is loaded eagerly so a misconfigured credential fails at startup.
func NewSession(cred config.BrokerCredential, log zerolog.Logger, sink audit.Sink) (*Session, error) {
	key, err := loadPrivateKey(cred.PrivateKeyPath)
	if err != nil {
		return nil, err
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}
	return &Session{
		cred:       cred,
		log:        log.With().Str("component", "broker").Str("user", cred.UserID).Logger(),
		audit:      sink,
		key:        key,
		jar:        jar,
		httpClient: &http.Client{Jar: jar, Timeout: 15 * time.Second},
		phase:      PhaseDisconnected,
	}, nil
}

func (s *Session) baseURL() string { return strings.TrimRight(s.cred.GatewayBaseURL, "/") }

// BaseURL returns the broker gateway's base URL, for callers (the order
// service) that build their own request paths.
func (s *Session) BaseURL() string { return s.baseURL() }

// AuthenticatedClient returns an HTTP client carrying the shared cookie jar.
// Callers that hit endpoints requiring the SSO bearer should add it themselves
// via the value returned from RefreshSsoBearerForWs.
func (s *Session) AuthenticatedClient() *http.Client {
	return s.httpClient
}

// EnsureReady guarantees all four auth steps are current and, if an account is
// configured, that it is selected. Only one handshake runs at a time; other
// callers block until it completes.
func (s *Session) EnsureReady(ctx context.Context, forceRefresh bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if forceRefresh {
		s.resetLocked()
	}

	if !forceRefresh && s.freshShortCircuitLocked() {
		return s.keepAliveLocked(ctx)
	}

	return s.runHandshakeLocked(ctx)
}

// runHandshakeLocked drives steps 1-6 in order. Caller must hold s.mu.
func (s *Session) runHandshakeLocked(ctx context.Context) error {
	s.phase = PhaseAuthenticating

	if err := s.ensureOAuthLocked(ctx); err != nil {
		s.phase = PhaseError
		return err
	}
	if err := s.ensureSSOLocked(ctx); err != nil {
		s.phase = PhaseError
		return err
	}
	if err := s.validateLocked(ctx, true); err != nil {
		s.phase = PhaseError
		return err
	}
	if err := s.tickleInitLocked(ctx, true); err != nil {
		s.phase = PhaseError
		return err
	}
	if err := s.gatewayEstablishLocked(ctx); err != nil {
		s.phase = PhaseError
		return err
	}
	if err := s.accountSelectionLocked(ctx); err != nil {
		s.phase = PhaseError
		return err
	}

	s.phase = PhaseConnected
	return nil
}

// ForceRefresh tears the session down and re-runs the handshake from step 1.
func (s *Session) ForceRefresh(ctx context.Context) error {
	return s.EnsureReady(ctx, true)
}

func (s *Session) resetLocked() {
	s.oauthBearer, s.ssoBearer = "", ""
	s.oauthExpiry, s.ssoExpiry = time.Time{}, time.Time{}
	s.sessionReady = false
	s.accountSelected = false
	s.oauthStep, s.ssoStep, s.validateStep, s.initStep = StepRecord{}, StepRecord{}, StepRecord{}, StepRecord{}
	s.jar, _ = cookiejar.New(nil)
	s.httpClient.Jar = s.jar
	s.phase = PhaseDisconnected
}

func (s *Session) freshShortCircuitLocked() bool {
	oauthValid := time.Now().Before(s.oauthExpiry.Add(-oauthExpiryMargin))
	ssoValid := time.Now().Before(s.ssoExpiry) && time.Since(s.lastInit) < shortCircuitWindow
	handshakeGood := s.sessionReady && s.validateStep.Status == 200 && s.initStep.Status == 200
	return oauthValid && ssoValid && handshakeGood
}

// keepAliveLocked implements the §4.1 keep-alive rule: tickle if lastInit is
// stale, marking the session not-ready on failure so the next call re-handshakes.
func (s *Session) keepAliveLocked(ctx context.Context) error {
	if time.Since(s.lastInit) <= keepAliveInterval {
		s.phase = PhaseConnected
		return nil
	}
	if _, err := s.doGet(ctx, "/v1/api/tickle", s.ssoBearer); err != nil {
		s.sessionReady = false
		s.phase = PhaseStale
		return &TransportError{Op: "keepalive-tickle", Err: err}
	}
	s.lastInit = time.Now()
	s.phase = PhaseConnected
	return nil
}

// --- Step 1: OAuth token ---

func (s *Session) ensureOAuthLocked(ctx context.Context) error {
	if time.Now().Before(s.oauthExpiry.Add(-oauthExpiryMargin)) && s.oauthBearer != "" {
		return nil
	}

	tokenURL := s.baseURL() + "/oauth2/api/v1/token"
	assertion, err := signOAuthAssertion(s.cred.ClientID, s.cred.ClientKeyID, tokenURL, s.key)
	if err != nil {
		return fmt.Errorf("signing oauth assertion: %w", err)
	}

	scope := s.cred.OAuthScope
	if scope == "" {
		scope = "sso-sessions.write"
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("scope", scope)
	form.Set("client_assertion_type", "urn:ietf:params:oauth:client-assertion-type:jwt-bearer")
	form.Set("client_assertion", assertion)

	reqID := uuid.NewString()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("building oauth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, body, err := s.do(req)
	if err != nil {
		s.recordAuthStep("oauth", 0, reqID, err.Error())
		return &TransportError{Op: "oauth", Err: err}
	}

	s.oauthStep = StepRecord{Status: resp.StatusCode, Timestamp: time.Now(), RequestID: reqID}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.recordAuthStep("oauth", resp.StatusCode, reqID, snippet(body))
		return &AuthError{Step: "oauth", HTTPStatus: resp.StatusCode, ReqID: reqID, Body: snippet(body)}
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("decoding oauth response: %w", err)
	}
	s.oauthBearer = payload.AccessToken
	s.oauthExpiry = time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second)
	s.recordAuthStep("oauth", resp.StatusCode, reqID, "")
	return nil
}

// --- Step 2: SSO session ---

func (s *Session) ensureSSOLocked(ctx context.Context) error {
	assertion, err := signSSOAssertion(s.cred.ClientID, s.cred.UserID, s.cred.AllowedIP, s.key)
	if err != nil {
		return fmt.Errorf("signing sso assertion: %w", err)
	}

	reqID := uuid.NewString()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL()+"/gw/api/v1/sso-sessions", strings.NewReader(assertion))
	if err != nil {
		return fmt.Errorf("building sso request: %w", err)
	}
	req.Header.Set("Content-Type", "application/jwt")
	req.Header.Set("Authorization", "Bearer "+s.oauthBearer)

	resp, body, err := s.do(req)
	if err != nil {
		s.recordAuthStep("sso", 0, reqID, err.Error())
		return &TransportError{Op: "sso", Err: err}
	}

	s.ssoStep = StepRecord{Status: resp.StatusCode, Timestamp: time.Now(), RequestID: reqID}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.recordAuthStep("sso", resp.StatusCode, reqID, snippet(body))
		return &AuthError{Step: "sso", HTTPStatus: resp.StatusCode, ReqID: reqID, Body: snippet(body)}
	}

	bearer, lifetime := extractSSOBearer(body)
	s.ssoBearer = bearer
	if lifetime <= 0 {
		lifetime = defaultSSOLifetime
	}
	s.ssoExpiry = time.Now().Add(lifetime)
	s.recordAuthStep("sso", resp.StatusCode, reqID, "")

	select {
	case <-time.After(3 * time.Second):
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

var ssoBearerFields = []string{"access_token", "token", "bearer_token", "session_token", "sso_token", "authToken", "auth_token"}

// extractSSOBearer pulls the first recognized bearer field from the SSO
// response body. An empty result means the session operates cookie-only.
func extractSSOBearer(body []byte) (string, time.Duration) {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", 0
	}
	var bearer string
	for _, field := range ssoBearerFields {
		if v, ok := payload[field].(string); ok && v != "" {
			bearer = v
			break
		}
	}
	var lifetime time.Duration
	switch v := payload["expires_in"].(type) {
	case float64:
		lifetime = time.Duration(v) * time.Second
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			lifetime = time.Duration(n) * time.Second
		}
	}
	return bearer, lifetime
}

// --- Step 3: Validate ---

func (s *Session) validateLocked(ctx context.Context, allowRetry bool) error {
	attempts := []string{"sso", "oauth", "cookies"}
	var lastErr error
	for i, mode := range attempts {
		if mode == "sso" && s.ssoBearer == "" {
			continue
		}
		bearer := ""
		switch mode {
		case "sso":
			bearer = s.ssoBearer
		case "oauth":
			bearer = s.oauthBearer
		}
		reqID := uuid.NewString()
		resp, body, err := s.doGetRaw(ctx, "/v1/api/sso/validate", bearer)
		if err != nil {
			lastErr = &TransportError{Op: "validate", Err: err}
			continue
		}
		s.validateStep = StepRecord{Status: resp.StatusCode, Timestamp: time.Now(), RequestID: reqID}
		if resp.StatusCode == 200 {
			s.recordAuthStep("validate", 200, reqID, "")
			s.lastValidate = time.Now()
			time.Sleep(2 * time.Second)
			return nil
		}
		s.recordAuthStep("validate", resp.StatusCode, reqID, snippet(body))
		if resp.StatusCode != 401 || i == len(attempts)-1 {
			lastErr = &AuthError{Step: "validate", HTTPStatus: resp.StatusCode, ReqID: reqID, Body: snippet(body)}
		}
	}

	if allowRetry {
		s.ssoBearer = ""
		s.sessionReady = false
		if err := s.ensureSSOLocked(ctx); err == nil {
			return s.validateLocked(ctx, false)
		}
	}
	if lastErr == nil {
		lastErr = &AuthError{Step: "validate", HTTPStatus: 401}
	}
	return lastErr
}

// --- Step 4: Tickle then Init ---

func (s *Session) tickleInitLocked(ctx context.Context, allowRetry bool) error {
	if _, err := s.doGet(ctx, "/v1/api/tickle", s.ssoBearer); err != nil {
		return &TransportError{Op: "tickle", Err: err}
	}

	reqID := uuid.NewString()
	payload, _ := json.Marshal(map[string]bool{"publish": true, "compete": true})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL()+"/v1/api/iserver/auth/ssodh/init", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building init request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.ssoBearer != "" {
		req.Header.Set("Authorization", "Bearer "+s.ssoBearer)
	}

	resp, body, err := s.do(req)
	if err != nil {
		s.recordAuthStep("init", 0, reqID, err.Error())
		return &TransportError{Op: "init", Err: err}
	}
	s.initStep = StepRecord{Status: resp.StatusCode, Timestamp: time.Now(), RequestID: reqID}

	if resp.StatusCode == 410 {
		s.recordAuthStep("init", 410, reqID, snippet(body))
		s.resetLocked()
		return &SessionGoneError{RequiresRefresh: true}
	}

	if resp.StatusCode == 500 && allowRetry && strings.Contains(strings.ToLower(string(body)), "failed to generate sso dh token") {
		s.recordAuthStep("init", 500, reqID, snippet(body))
		time.Sleep(3 * time.Second)
		if _, err := s.doGet(ctx, "/v1/api/tickle", s.ssoBearer); err != nil {
			return &TransportError{Op: "tickle-retry", Err: err}
		}
		return s.tickleInitLocked(ctx, false)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.recordAuthStep("init", resp.StatusCode, reqID, snippet(body))
		return &AuthError{Step: "init", HTTPStatus: resp.StatusCode, ReqID: reqID, Body: snippet(body)}
	}

	s.recordAuthStep("init", resp.StatusCode, reqID, "")
	s.sessionReady = true
	s.lastInit = time.Now()
	return nil
}

// --- Step 5: Gateway establish ---

func (s *Session) gatewayEstablishLocked(ctx context.Context) error {
	check := func() (authenticated, connected bool, err error) {
		_, _, _ = s.doPost(ctx, "/v1/api/iserver/reauthenticate", nil, s.ssoBearer) // best effort
		resp, body, err := s.doPost(ctx, "/v1/api/iserver/auth/status", nil, s.ssoBearer)
		if err != nil {
			return false, false, err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return false, false, nil
		}
		var status struct {
			Authenticated bool `json:"authenticated"`
			Connected     bool `json:"connected"`
		}
		_ = json.Unmarshal(body, &status)
		return status.Authenticated, status.Connected, nil
	}

	authenticated, connected, err := check()
	if err != nil {
		return &TransportError{Op: "gateway-status", Err: err}
	}
	if !authenticated || !connected {
		time.Sleep(3 * time.Second)
		authenticated, connected, err = check()
		if err != nil {
			return &TransportError{Op: "gateway-status", Err: err}
		}
	}
	if !authenticated || !connected {
		return &GatewayError{Authenticated: authenticated, Connected: connected}
	}
	return nil
}

// --- Step 6: Account selection ---

func (s *Session) accountSelectionLocked(ctx context.Context) error {
	if s.cred.AccountID == "" || s.accountSelected {
		return nil
	}
	payload, _ := json.Marshal(map[string]string{"acctId": s.cred.AccountID})
	resp, body, err := s.doPost(ctx, "/v1/api/iserver/account", payload, s.ssoBearer)
	if err != nil {
		return &TransportError{Op: "account-select", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &AuthError{Step: "account", HTTPStatus: resp.StatusCode, Body: snippet(body)}
	}
	s.accountSelected = true
	time.Sleep(500 * time.Millisecond)

	_, _, _ = s.doGetRaw(ctx, "/v1/api/portfolio/subaccounts", s.ssoBearer) // idempotent, ignore failure
	return nil
}

// RefreshSsoBearerForWs is the credential-refresh callback registered on the
// WS streamer: it returns the jar's current Cookie header, the SSO bearer,
// and the bearer's expiry so the streamer can skip a refresh unless expiry
// is imminent.
func (s *Session) RefreshSsoBearerForWs(ctx context.Context) (cookieString string, ssoToken string, ssoExpiry time.Time, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.keepAliveLocked(ctx); err != nil && !s.freshShortCircuitLocked() {
		s.resetLocked()
		if rerr := s.runHandshakeLocked(ctx); rerr != nil {
			return "", "", time.Time{}, rerr
		}
	}

	u, _ := url.Parse(s.baseURL())
	var cookies []string
	for _, c := range s.jar.Cookies(u) {
		cookies = append(cookies, c.Name+"="+c.Value)
	}
	return strings.Join(cookies, "; "), s.ssoBearer, s.ssoExpiry, nil
}

// --- HTTP helpers ---

func (s *Session) do(req *http.Request) (*http.Response, []byte, error) {
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, nil, err
	}
	return resp, body, nil
}

func (s *Session) doGet(ctx context.Context, path, bearer string) ([]byte, error) {
	_, body, err := s.doGetRaw(ctx, path, bearer)
	return body, err
}

func (s *Session) doGetRaw(ctx context.Context, path, bearer string) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL()+path, nil)
	if err != nil {
		return nil, nil, err
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return s.do(req)
}

func (s *Session) doPost(ctx context.Context, path string, payload []byte, bearer string) (*http.Response, []byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL()+path, reader)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return s.do(req)
}

func (s *Session) recordAuthStep(step string, status int, reqID, detail string) {
	if s.audit != nil {
		s.audit.RecordAuthStep(s.cred.UserID, step, status, reqID, detail)
	}
}

func snippet(body []byte) string {
	const max = 300
	if len(body) > max {
		return string(body[:max])
	}
	return string(body)
}
