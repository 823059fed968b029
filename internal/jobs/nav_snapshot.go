package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/kestrelfin/optionsd/internal/domain"
	"github.com/kestrelfin/optionsd/internal/scheduler"
)

// NavSnapshot reads the account's NAV (portfolioValue, falling back to
// netLiquidation) and upserts the (date, snapshotType, userId) row. Two
// instances are registered under different ids/cron entries for the opening
// (9:30 ET) and closing (16:15 ET) reads; day-P&L consumers pick whichever
// snapshot applies to the current wall clock.
type NavSnapshot struct {
	Deps
	SnapshotType domain.NavSnapshotType
}

// NewNavSnapshot builds one NAV-snapshot handler for the given snapshot type.
func NewNavSnapshot(deps Deps, snapType domain.NavSnapshotType) *NavSnapshot {
	return &NavSnapshot{Deps: deps, SnapshotType: snapType}
}

// ID implements scheduler.Handler. Opening and closing snapshots register
// under distinct ids so each keeps its own JobRun history.
func (n *NavSnapshot) ID() string { return "nav_snapshot_" + string(n.SnapshotType) }

// Execute implements scheduler.Handler.
func (n *NavSnapshot) Execute(ctx context.Context) scheduler.JobResult {
	summary, err := n.Orders.GetAccountSummary(ctx)
	if err != nil {
		return scheduler.JobResult{Err: fmt.Errorf("reading account summary: %w", err)}
	}

	snapshot := domain.NavSnapshot{
		Date:   scheduler.GetETDateString(time.Now()),
		Type:   n.SnapshotType,
		NAV:    summary.NAV(),
		UserID: n.UserID,
	}
	if err := n.Ledger.UpsertNavSnapshot(snapshot); err != nil {
		return scheduler.JobResult{Err: fmt.Errorf("persisting nav snapshot: %w", err)}
	}

	return scheduler.JobResult{
		Success: true,
		Reason:  fmt.Sprintf("%s nav=%.2f", n.SnapshotType, snapshot.NAV),
		Data:    map[string]any{"nav": snapshot.NAV, "type": n.SnapshotType},
	}
}
