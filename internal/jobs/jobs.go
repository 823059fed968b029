// Package jobs implements the scheduled safety handlers that watch open
// option positions, force-close 0DTE risk, run the daily entry, reconcile
// fills, snapshot NAV, and liquidate assignment shares.
package jobs

import (
	"github.com/rs/zerolog"

	"github.com/kestrelfin/optionsd/internal/events"
	"github.com/kestrelfin/optionsd/internal/marketdata"
	"github.com/kestrelfin/optionsd/internal/orders"
)

// Deps are the collaborators every handler needs. One Deps per user/broker
// handle (see internal/app.Registry).
type Deps struct {
	Ledger *orders.LedgerRepository
	Orders *orders.Service
	Stream *marketdata.Streamer
	Events *events.Manager
	Log    zerolog.Logger
	UserID string
}
