// Package marketdata maintains a single authenticated WebSocket to the
// broker's streaming endpoint and exposes a per-instrument tick cache.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/kestrelfin/optionsd/internal/database"
	"github.com/kestrelfin/optionsd/internal/domain"
)

const (
	heartbeatInterval      = 25 * time.Second
	sessionRefreshInterval = 60 * time.Second
	healthCheckInterval    = 30 * time.Second
	sessionRefreshMargin   = 120 * time.Second
	spyStaleThreshold      = 60 * time.Second
	backoffBase            = 1 * time.Second
	backoffCap             = 30 * time.Second
	maxAttemptsPerWindow   = 10
	attemptWindow          = 5 * time.Minute
	upsertDebounce         = 5 * time.Second
)

// CredentialRefreshFunc returns the current cookie header string, SSO bearer
// token, and the bearer's expiry. The Session registers this; the streamer
// never imports Session.
type CredentialRefreshFunc func(ctx context.Context) (cookieString string, ssoToken string, ssoExpiry time.Time, err error)

// UpdateCallback receives a non-blocking notification on every cache update.
type UpdateCallback func(conid int, entry domain.MarketDataEntry)

// Streamer owns one WebSocket connection, its subscriptions, and its cache.
type Streamer struct {
	wsURL string
	log   zerolog.Logger
	db    *database.DB

	connMu sync.Mutex
	conn   *websocket.Conn
	wmu    sync.Mutex // serializes writes to conn

	subsMu sync.Mutex
	subs   map[int]domain.Subscription

	cache *cache

	stateMu          sync.Mutex
	connected        bool
	authenticated    bool
	lastDataReceived time.Time
	ssoToken         string
	ssoExpiry        time.Time
	spyConid         int

	refreshCB CredentialRefreshFunc

	cbMu      sync.RWMutex
	callbacks map[int]UpdateCallback
	nextCBID  int

	stopCh   chan struct{}
	stopOnce sync.Once

	attemptsMu    sync.Mutex
	attempts      int
	windowStarted time.Time

	upsertMu   sync.Mutex
	lastUpsert map[int]time.Time
}

// New builds a Streamer for the given WebSocket URL. db may be nil to skip
// the latest_prices persistence side effect (e.g. in tests).
func New(wsURL string, log zerolog.Logger, db *database.DB) *Streamer {
	return &Streamer{
		wsURL:      wsURL,
		log:        log.With().Str("component", "marketdata").Logger(),
		db:         db,
		subs:       make(map[int]domain.Subscription),
		cache:      newCache(),
		callbacks:  make(map[int]UpdateCallback),
		lastUpsert: make(map[int]time.Time),
	}
}

// SetCredentialRefreshCallback registers the function used to obtain a fresh
// cookie header and SSO bearer before dialing or re-authenticating.
func (s *Streamer) SetCredentialRefreshCallback(fn CredentialRefreshFunc) {
	s.refreshCB = fn
}

// OnUpdate registers a callback invoked on every cache update and returns an
// unsubscribe function. Callbacks run on the reader goroutine and must not block.
func (s *Streamer) OnUpdate(cb UpdateCallback) func() {
	s.cbMu.Lock()
	id := s.nextCBID
	s.nextCBID++
	s.callbacks[id] = cb
	s.cbMu.Unlock()
	return func() {
		s.cbMu.Lock()
		delete(s.callbacks, id)
		s.cbMu.Unlock()
	}
}

func (s *Streamer) emit(conid int, entry domain.MarketDataEntry) {
	s.cbMu.RLock()
	defer s.cbMu.RUnlock()
	for _, cb := range s.callbacks {
		cb(conid, entry)
	}
}

// Subscribe stores the subscription and sends it immediately if the socket is
// connected and authenticated; otherwise it is replayed on the next successful
// authentication.
func (s *Streamer) Subscribe(conid int, symbol string, kind domain.InstrumentKind, fields []string) {
	if fields == nil {
		if kind == domain.InstrumentOption {
			fields = OptionFields
		} else {
			fields = StockFields
		}
	}
	sub := domain.Subscription{Conid: conid, Symbol: symbol, Kind: kind, Fields: fields}

	s.subsMu.Lock()
	s.subs[conid] = sub
	s.subsMu.Unlock()

	if strings.EqualFold(symbol, "SPY") {
		s.stateMu.Lock()
		s.spyConid = conid
		s.stateMu.Unlock()
	}

	if s.isAuthenticated() {
		s.sendSubscribe(sub)
	}
}

// Unsubscribe sends umd and removes the subscription.
func (s *Streamer) Unsubscribe(conid int) {
	s.subsMu.Lock()
	delete(s.subs, conid)
	s.subsMu.Unlock()

	frame := fmt.Sprintf("umd+%d+{}", conid)
	_ = s.writeText(frame)
}

func (s *Streamer) sendSubscribe(sub domain.Subscription) {
	payload, _ := json.Marshal(map[string][]string{"fields": sub.Fields})
	frame := fmt.Sprintf("smd+%d+%s", sub.Conid, payload)
	_ = s.writeText(frame)
}

func (s *Streamer) replaySubscriptions() {
	s.subsMu.Lock()
	subs := make([]domain.Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subsMu.Unlock()
	for _, sub := range subs {
		s.sendSubscribe(sub)
	}
}

// GetCachedMarketData returns the cached entry for a conid, if any.
func (s *Streamer) GetCachedMarketData(conid int) (domain.MarketDataEntry, bool) {
	return s.cache.get(conid)
}

// IsDataFresh reports whether any cached entry has updated within maxAge.
func (s *Streamer) IsDataFresh(maxAge time.Duration) bool {
	return s.GetDataAge() < maxAge
}

// GetDataAge returns how long ago any tick was last processed.
func (s *Streamer) GetDataAge() time.Duration {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.lastDataReceived.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return time.Since(s.lastDataReceived)
}

// HasSubscriptionError reports a captured WS error-frame message for a conid.
func (s *Streamer) HasSubscriptionError(conid int) (string, bool) {
	return s.cache.hasError(conid)
}

func (s *Streamer) isAuthenticated() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.authenticated
}

// Connect dials the socket and blocks until authenticated or timeout elapses.
func (s *Streamer) Connect(ctx context.Context, timeout time.Duration) error {
	s.stopCh = make(chan struct{})
	s.stopOnce = sync.Once{}

	connected := make(chan bool, 1)
	go s.connectLoop(ctx, connected)

	select {
	case <-connected:
		return nil
	case <-time.After(timeout):
		s.Disconnect()
		return fmt.Errorf("marketdata: connect timed out after %s", timeout)
	case <-ctx.Done():
		s.Disconnect()
		return ctx.Err()
	}
}

// Disconnect terminates the socket and stops all background loops.
func (s *Streamer) Disconnect() {
	s.stopOnce.Do(func() {
		if s.stopCh != nil {
			close(s.stopCh)
		}
	})
	s.connMu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.connMu.Unlock()
	s.stateMu.Lock()
	s.connected, s.authenticated = false, false
	s.stateMu.Unlock()
}

// ForceFullReconnect clears the cache and redials, replaying subscriptions
// once authenticated.
func (s *Streamer) ForceFullReconnect() {
	s.cache.clear()
	s.Disconnect()
	ctx := context.Background()
	s.stopCh = make(chan struct{})
	s.stopOnce = sync.Once{}
	go s.connectLoop(ctx, nil)
}

func (s *Streamer) nextBackoff() time.Duration {
	s.attemptsMu.Lock()
	defer s.attemptsMu.Unlock()

	now := time.Now()
	if s.windowStarted.IsZero() || now.Sub(s.windowStarted) > attemptWindow {
		s.windowStarted = now
		s.attempts = 0
	}
	s.attempts++
	if s.attempts > maxAttemptsPerWindow {
		s.windowStarted = now
		s.attempts = 1
	}
	d := backoffBase * time.Duration(1<<uint(s.attempts-1))
	if d > backoffCap {
		d = backoffCap
	}
	return d
}

func (s *Streamer) connectLoop(ctx context.Context, firstConnected chan bool) {
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		cookieString, ssoToken, ssoExpiry, err := s.refreshCredentials(ctx)
		if err != nil {
			s.log.Warn().Err(err).Msg("credential refresh failed before dial, rescheduling")
			if !s.sleepOrStop(s.nextBackoff()) {
				return
			}
			continue
		}

		header := map[string][]string{"Cookie": {cookieString}}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.wsURL, header)
		if err != nil {
			s.log.Warn().Err(err).Msg("dial failed, rescheduling")
			if !s.sleepOrStop(s.nextBackoff()) {
				return
			}
			continue
		}

		s.connMu.Lock()
		s.conn = conn
		s.connMu.Unlock()
		s.stateMu.Lock()
		s.connected = true
		s.ssoToken = ssoToken
		s.ssoExpiry = ssoExpiry
		s.stateMu.Unlock()

		if err := s.writeText(fmt.Sprintf(`{"session":"%s"}`, ssoToken)); err != nil {
			s.log.Warn().Err(err).Msg("failed to send initial session frame")
		}

		// Authentication is signalled on firstConnected (when set) while
		// readLoop is still running, so Connect returns as soon as it happens.
		authDone := firstConnected
		if authDone == nil {
			authDone = make(chan bool, 1)
		}
		go s.heartbeatLoop()
		go s.sessionRefreshLoop(ctx)
		go s.healthCheckLoop()

		s.readLoop(conn, authDone)

		s.stateMu.Lock()
		s.connected, s.authenticated = false, false
		s.stateMu.Unlock()

		select {
		case <-s.stopCh:
			return
		default:
		}

		if !s.sleepOrStop(s.nextBackoff()) {
			return
		}
	}
}

func (s *Streamer) sleepOrStop(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-s.stopCh:
		return false
	}
}

func (s *Streamer) refreshCredentials(ctx context.Context) (string, string, time.Time, error) {
	if s.refreshCB == nil {
		return "", "", time.Time{}, fmt.Errorf("no credential refresh callback registered")
	}
	return s.refreshCB(ctx)
}

func (s *Streamer) writeText(msg string) error {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("marketdata: not connected")
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (s *Streamer) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.writeText("tic"); err != nil {
				return
			}
		}
	}
}

func (s *Streamer) sessionRefreshLoop(ctx context.Context) {
	ticker := time.NewTicker(sessionRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.stateMu.Lock()
			expiry := s.ssoExpiry
			s.stateMu.Unlock()
			if !expiry.IsZero() && time.Until(expiry) > sessionRefreshMargin {
				continue
			}
			_, ssoToken, newExpiry, err := s.refreshCredentials(ctx)
			if err != nil {
				s.log.Warn().Err(err).Msg("session refresh failed")
				continue
			}
			s.stateMu.Lock()
			s.ssoToken = ssoToken
			s.ssoExpiry = newExpiry
			s.stateMu.Unlock()
			if err := s.writeText(fmt.Sprintf(`{"session":"%s"}`, ssoToken)); err != nil {
				s.log.Warn().Err(err).Msg("failed to send refreshed session frame")
			}
		}
	}
}

func (s *Streamer) healthCheckLoop() {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.isAuthenticated() {
				continue
			}
			s.stateMu.Lock()
			spyConid := s.spyConid
			s.stateMu.Unlock()
			if spyConid == 0 {
				continue
			}
			entry, ok := s.cache.get(spyConid)
			if !ok || time.Since(entry.Timestamp) > spyStaleThreshold {
				s.log.Warn().Msg("SPY cache stale while authenticated, forcing full reconnect")
				s.ForceFullReconnect()
				return
			}
		}
	}
}

func (s *Streamer) readLoop(conn *websocket.Conn, authDone chan<- bool) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleMessage(msg, authDone)
	}
}

func (s *Streamer) handleMessage(raw []byte, authDone chan<- bool) {
	text := string(raw)

	if text == "tic" {
		return
	}
	if strings.Contains(text, "waiting for session") {
		s.stateMu.Lock()
		token := s.ssoToken
		s.stateMu.Unlock()
		_ = s.writeText(fmt.Sprintf(`{"session":"%s"}`, token))
		return
	}

	var envelope map[string]any
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return
	}

	if topic, _ := envelope["topic"].(string); topic == "sts" {
		authenticated, _ := envelope["authenticated"].(bool)
		s.stateMu.Lock()
		s.authenticated = authenticated
		s.stateMu.Unlock()
		if authenticated {
			s.replaySubscriptions()
			select {
			case authDone <- true:
			default:
			}
		} else {
			s.log.Warn().Msg("sts authenticated=false, forcing reconnect with fresh credentials")
			s.cache.clear()
			go s.ForceFullReconnect()
		}
		return
	}

	if errMsg, ok := envelope["error"].(string); ok && errMsg != "" {
		conid := parseConid(envelope)
		s.cache.setError(conid, errMsg)
		lower := strings.ToLower(errMsg)
		if strings.Contains(lower, "not authenticated") || strings.Contains(lower, "authentication") {
			go s.ForceFullReconnect()
		}
		return
	}

	conid := parseConid(envelope)
	if conid == 0 {
		return
	}
	s.applyTick(conid, envelope)
}

func parseConid(envelope map[string]any) int {
	switch v := envelope["conid"].(type) {
	case float64:
		return int(v)
	case string:
		var n int
		fmt.Sscanf(v, "%d", &n)
		return n
	}
	return 0
}

func (s *Streamer) applyTick(conid int, envelope map[string]any) {
	symbol := ""
	s.subsMu.Lock()
	if sub, ok := s.subs[conid]; ok {
		symbol = sub.Symbol
	}
	s.subsMu.Unlock()

	s.cache.apply(conid, func(e *domain.MarketDataEntry) {
		setIfPresent(envelope, FieldLast, func(v float64) { e.Last = &v })
		setIfPresent(envelope, FieldBid, func(v float64) { e.Bid = &v })
		setIfPresent(envelope, FieldAsk, func(v float64) { e.Ask = &v })
		setIfPresent(envelope, FieldDayHigh, func(v float64) { e.DayHigh = &v })
		setIfPresent(envelope, FieldDayLow, func(v float64) { e.DayLow = &v })
		setIfPresent(envelope, FieldOpen, func(v float64) { e.Open = &v })
		setIfPresent(envelope, FieldOptionDelta, func(v float64) { e.Delta = &v })
		setIfPresent(envelope, FieldOptionGamma, func(v float64) { e.Gamma = &v })
		setIfPresent(envelope, FieldOptionTheta, func(v float64) { e.Theta = &v })
		setIfPresent(envelope, FieldOptionVega, func(v float64) { e.Vega = &v })
		setIfPresent(envelope, FieldOptionIV, func(v float64) { e.IV = &v })
		setIfPresent(envelope, FieldOptionOpenInt, func(v float64) { e.OpenInt = &v })

		for _, field := range []string{FieldAfterHoursLast, FieldPreMarketLast, FieldOvernightLast} {
			raw, ok := envelope[field].(string)
			if !ok {
				continue
			}
			value, _, parsed := parseTickValue(raw)
			if parsed && withinSanityBand(symbol, value) {
				e.Last = &value
			}
		}

		if e.Last == nil && e.Bid != nil && e.Ask != nil && *e.Bid > 0 && *e.Ask > 0 {
			mid := (*e.Bid + *e.Ask) / 2
			e.Last = &mid
		}
	})

	s.stateMu.Lock()
	s.lastDataReceived = time.Now()
	s.stateMu.Unlock()

	entry, _ := s.cache.get(conid)
	s.emit(conid, entry)
	s.maybeUpsertLatestPrice(symbol, conid, entry)
}

func setIfPresent(envelope map[string]any, field string, assign func(float64)) {
	raw, ok := envelope[field].(string)
	if !ok {
		return
	}
	value, _, parsed := parseTickValue(raw)
	if parsed {
		assign(value)
	}
}

func (s *Streamer) maybeUpsertLatestPrice(symbol string, conid int, entry domain.MarketDataEntry) {
	if s.db == nil || symbol == "" {
		return
	}
	s.upsertMu.Lock()
	last, ok := s.lastUpsert[conid]
	if ok && time.Since(last) < upsertDebounce {
		s.upsertMu.Unlock()
		return
	}
	s.lastUpsert[conid] = time.Now()
	s.upsertMu.Unlock()

	var lastPx, bid, ask float64
	if entry.Last != nil {
		lastPx = *entry.Last
	}
	if entry.Bid != nil {
		bid = *entry.Bid
	}
	if entry.Ask != nil {
		ask = *entry.Ask
	}

	_, err := s.db.Exec(
		`INSERT INTO latest_prices (symbol, conid, last, bid, ask, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(symbol) DO UPDATE SET conid=excluded.conid, last=excluded.last, bid=excluded.bid, ask=excluded.ask, updated_at=excluded.updated_at`,
		symbol, conid, lastPx, bid, ask, time.Now(),
	)
	if err != nil {
		s.log.Warn().Err(err).Str("symbol", symbol).Msg("failed to upsert latest price")
	}
}

// Rehydrate loads previously-seen prices from latest_prices so consumers see
// last-known values immediately after startup, before any tick arrives.
func (s *Streamer) Rehydrate() error {
	if s.db == nil {
		return nil
	}
	rows, err := s.db.Query(`SELECT symbol, conid, last, bid, ask, updated_at FROM latest_prices`)
	if err != nil {
		return fmt.Errorf("rehydrating latest prices: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var symbol string
		var conid int
		var last, bid, ask float64
		var updatedAt time.Time
		if err := rows.Scan(&symbol, &conid, &last, &bid, &ask, &updatedAt); err != nil {
			continue
		}
		s.cache.restore(conid, domain.MarketDataEntry{Last: &last, Bid: &bid, Ask: &ask, Timestamp: updatedAt})
		if strings.EqualFold(symbol, "SPY") {
			s.stateMu.Lock()
			s.spyConid = conid
			s.stateMu.Unlock()
		}
	}
	return rows.Err()
}
