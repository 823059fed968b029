// Package app wires one Session, Streamer, and Order service per configured
// broker credential into a top-level application context, replacing the
// module-level singletons a naive port of this system would reach for (see
// Design Notes §9: "module-level singletons... re-expressed as explicit
// handles owned by a top-level application context").
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/kestrelfin/optionsd/internal/audit"
	"github.com/kestrelfin/optionsd/internal/broker"
	"github.com/kestrelfin/optionsd/internal/config"
	"github.com/kestrelfin/optionsd/internal/database"
	"github.com/kestrelfin/optionsd/internal/domain"
	"github.com/kestrelfin/optionsd/internal/events"
	"github.com/kestrelfin/optionsd/internal/jobs"
	"github.com/kestrelfin/optionsd/internal/marketdata"
	"github.com/kestrelfin/optionsd/internal/orders"
	"github.com/kestrelfin/optionsd/internal/scheduler"
)

const wsConnectTimeout = 15 * time.Second

// Handle bundles one credential's collaborators. The Session owns the shared
// cookie jar; the Streamer never imports Session, only the credential-refresh
// callback the Session registers on it (breaking the cyclic reference Design
// Notes §9 calls out).
type Handle struct {
	UserID  string
	Cred    config.BrokerCredential
	Session *broker.Session
	Stream  *marketdata.Streamer
	Orders  *orders.Service
	Ledger  *orders.LedgerRepository
	Events  *events.Manager
	Log     zerolog.Logger
}

// Registry holds one Handle per configured broker credential, keyed by user id.
type Registry struct {
	handles map[string]*Handle
	order   []string // preserves config order for deterministic iteration
}

// NewRegistry builds a Handle for every configured credential. A credential
// that fails to construct (e.g. an unreadable private key) fails the whole
// startup, since a half-built registry would silently skip that user's jobs.
func NewRegistry(cfg *config.Config, db *database.DB, log zerolog.Logger) (*Registry, error) {
	reg := &Registry{handles: make(map[string]*Handle)}
	sink := audit.NewSQLSink(db)

	for _, cred := range cfg.Brokers {
		handle, err := buildHandle(cred, db, sink, log)
		if err != nil {
			return nil, fmt.Errorf("building handle for user %s: %w", cred.UserID, err)
		}
		reg.handles[cred.UserID] = handle
		reg.order = append(reg.order, cred.UserID)
	}
	return reg, nil
}

func buildHandle(cred config.BrokerCredential, db *database.DB, sink audit.Sink, log zerolog.Logger) (*Handle, error) {
	session, err := broker.NewSession(cred, log, sink)
	if err != nil {
		return nil, err
	}

	ledger := orders.NewLedgerRepository(db, log)
	svc := orders.NewService(session, ledger, sink, log, cred.UserID, cred.AccountID)
	evts := events.NewManager(log)

	stream := marketdata.New(wsURLFor(cred.GatewayBaseURL), log, db)
	stream.SetCredentialRefreshCallback(session.RefreshSsoBearerForWs)

	return &Handle{
		UserID:  cred.UserID,
		Cred:    cred,
		Session: session,
		Stream:  stream,
		Orders:  svc,
		Ledger:  ledger,
		Events:  evts,
		Log:     log.With().Str("user", cred.UserID).Logger(),
	}, nil
}

// wsURLFor derives the streaming endpoint from the gateway's HTTP base URL.
func wsURLFor(baseURL string) string {
	u := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/v1/api/ws"
}

// Handles returns all handles in configuration order.
func (r *Registry) Handles() []*Handle {
	out := make([]*Handle, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.handles[id])
	}
	return out
}

// Get returns the handle for a user id, if configured.
func (r *Registry) Get(userID string) (*Handle, bool) {
	h, ok := r.handles[userID]
	return h, ok
}

// StartStreamers connects every handle's WS streamer. A failure to connect one
// user's stream is logged, not fatal: the session/order path still works
// without live ticks, degrading to REST-snapshot-only market data.
func (r *Registry) StartStreamers(ctx context.Context) {
	for _, h := range r.Handles() {
		if err := h.Stream.Rehydrate(); err != nil {
			h.Log.Warn().Err(err).Msg("failed to rehydrate latest prices")
		}
		if err := h.Stream.Connect(ctx, wsConnectTimeout); err != nil {
			h.Log.Error().Err(err).Msg("market data streamer failed to connect at startup")
		}
	}
}

// StopStreamers disconnects every handle's WS streamer.
func (r *Registry) StopStreamers() {
	for _, h := range r.Handles() {
		h.Stream.Disconnect()
	}
}

// RegisterJobs wires the six job handlers (position monitor, 0DTE closer,
// trade engine, trade monitor, NAV snapshot, assignment monitor) for every
// handle onto the
// scheduler, under the cron entries §4.4/§4.5 specify.
func (r *Registry) RegisterJobs(sched *scheduler.Scheduler, tz string, engine jobs.StrategyEngine, symbols []string, stopMultiple float64) error {
	for _, h := range r.Handles() {
		deps := jobs.Deps{Ledger: h.Ledger, Orders: h.Orders, Stream: h.Stream, Events: h.Events, Log: h.Log, UserID: h.UserID}
		suffix := ":" + h.UserID

		positionMonitor := jobs.NewPositionMonitor(deps)
		if err := sched.EnsureJob("position_monitor"+suffix, "layer-1 underlying breach defense", "0 */5 9-16 * * 1-5", tz, positionMonitor); err != nil {
			return err
		}

		zeroDTE := jobs.NewZeroDTECloser(deps)
		if err := sched.EnsureJob("zerodte_closer_normal"+suffix, "0DTE force-close, normal session", "0 55 15 * * 1-5", tz, zeroDTE); err != nil {
			return err
		}
		if err := sched.EnsureJob("zerodte_closer_early"+suffix, "0DTE force-close, early-close session", "0 55 12 * * 1-5", tz, zeroDTE); err != nil {
			return err
		}

		tradeEngine := jobs.NewTradeEngine(deps, engine, symbols, stopMultiple)
		if err := sched.EnsureJob("trade_engine"+suffix, "daily option entry", "0 0 11 * * 1-5", tz, tradeEngine); err != nil {
			return err
		}

		tradeMonitor := jobs.NewTradeMonitor(deps)
		if err := sched.EnsureJob("trade_monitor"+suffix, "fill/expiration reconciliation", "0 */30 9-16 * * 1-5", tz, tradeMonitor); err != nil {
			return err
		}

		navOpen := jobs.NewNavSnapshot(deps, domain.NavSnapshotOpening)
		if err := sched.EnsureJob("nav_snapshot_open"+suffix, "opening NAV snapshot", "0 30 9 * * 1-5", tz, navOpen); err != nil {
			return err
		}
		navClose := jobs.NewNavSnapshot(deps, domain.NavSnapshotClosing)
		if err := sched.EnsureJob("nav_snapshot_close"+suffix, "closing NAV snapshot", "0 15 16 * * 1-5", tz, navClose); err != nil {
			return err
		}

		assignmentMonitor := jobs.NewAssignmentMonitor(deps)
		if err := sched.EnsureJob("assignment_monitor"+suffix, "overnight assignment liquidation", "0 5 4 * * 1-5", tz, assignmentMonitor); err != nil {
			return err
		}
	}
	return nil
}
