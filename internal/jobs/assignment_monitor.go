package jobs

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/kestrelfin/optionsd/internal/domain"
	"github.com/kestrelfin/optionsd/internal/events"
	"github.com/kestrelfin/optionsd/internal/orders"
	"github.com/kestrelfin/optionsd/internal/scheduler"
)

const (
	assignmentMaxAttempts   = 5
	assignmentMaxDuration   = time.Hour
	assignmentRetryInterval = 30 * time.Second
	assignmentShareTol      = 1.0
)

// AssignmentMonitor runs pre-market and detects stock positions that appeared
// overnight matching contracts*100 shares of a short option that expired ITM
// the previous session. It liquidates the assigned shares with a limit order
// that walks away from the bid (or ask, for a short-stock cover) a little
// further on every retry, cancelling and resubmitting roughly every 30s.
type AssignmentMonitor struct {
	Deps
	// ReductionSchedule maps an attempt number (1-based) and the current
	// bid/spread to a price-reduction fraction. Exposed as a seam so a future
	// policy module can replace the heuristic without touching the handler's
	// control flow (see the limit-price-reduction Open Question).
	ReductionSchedule func(attempt int, bid, spread float64) float64
}

// NewAssignmentMonitor builds the handler with the default 0.1%/0.2%/...
// reduction heuristic, doubled when the spread exceeds 0.5% of the bid.
func NewAssignmentMonitor(deps Deps) *AssignmentMonitor {
	return &AssignmentMonitor{Deps: deps, ReductionSchedule: defaultReductionSchedule}
}

func defaultReductionSchedule(attempt int, bid, spread float64) float64 {
	base := 0.001 * float64(attempt)
	if bid > 0 && spread/bid > 0.005 {
		base *= 2
	}
	return base
}

// ID implements scheduler.Handler.
func (a *AssignmentMonitor) ID() string { return "assignment_monitor" }

// Execute implements scheduler.Handler.
func (a *AssignmentMonitor) Execute(ctx context.Context) scheduler.JobResult {
	checkDate := previousTradingDayET(time.Now())
	trades, err := a.Ledger.TradesByExpiration(a.UserID, checkDate)
	if err != nil {
		return scheduler.JobResult{Err: err}
	}
	if len(trades) == 0 {
		return scheduler.JobResult{Success: true, Aggregated: true, Reason: "no expirations to check"}
	}

	positions, err := a.Orders.GetPositions(ctx)
	if err != nil {
		return scheduler.JobResult{Err: err}
	}

	detected, resolved, failed := 0, 0, 0
	for _, trade := range trades {
		if trade.Assignment != nil && trade.Assignment.Resolved {
			continue
		}
		pos, itm := a.detectAssignment(ctx, trade, positions)
		if pos == nil || !itm {
			continue
		}
		detected++

		ok, attempts, lastLimit := a.liquidate(ctx, trade, *pos)
		details := domain.AssignmentDetails{
			DetectedAt:    time.Now(),
			Shares:        math.Abs(pos.Quantity),
			AttemptCount:  attempts,
			LastLimitSent: &lastLimit,
			Resolved:      ok,
		}
		if err := a.Ledger.SetAssignmentDetails(trade.ID, details); err != nil {
			a.Log.Error().Err(err).Int64("tradeId", trade.ID).Msg("failed to persist assignment details")
		}
		if ok {
			resolved++
			a.Events.Emit(events.PositionAssigned, "jobs.assignment_monitor", map[string]any{
				"tradeId": trade.ID, "symbol": trade.Symbol, "shares": details.Shares,
			})
		} else {
			failed++
		}
	}

	if detected == 0 {
		return scheduler.JobResult{Success: true, Aggregated: true, Reason: "no assignments detected"}
	}
	result := scheduler.JobResult{
		Success: failed == 0,
		Reason:  fmt.Sprintf("detected=%d resolved=%d failed=%d", detected, resolved, failed),
		Data:    map[string]any{"detected": detected, "resolved": resolved, "failed": failed},
	}
	if failed > 0 {
		result.Err = fmt.Errorf("assignment monitor: %d assignment(s) unresolved after retry budget", failed)
	}
	return result
}

// detectAssignment looks for a stock position matching the trade's underlying
// whose share count equals contracts*100, and classifies whether the leg that
// would produce it (the short side) was ITM using the most recent available
// spot price as a proxy for the prior session's close.
func (a *AssignmentMonitor) detectAssignment(ctx context.Context, trade domain.PaperTrade, positions []orders.Position) (*orders.Position, bool) {
	expectedShares := float64(trade.Contracts) * 100
	var match *orders.Position
	for i := range positions {
		if _, ok := orders.ParseOCCSymbol(positions[i].Symbol); ok {
			continue // option position, not the assigned stock
		}
		if positions[i].Symbol != trade.Symbol {
			continue
		}
		if math.Abs(math.Abs(positions[i].Quantity)-expectedShares) <= assignmentShareTol {
			match = &positions[i]
			break
		}
	}
	if match == nil {
		return nil, false
	}

	conid, err := a.Orders.ResolveConid(ctx, trade.Symbol)
	if err != nil {
		return match, false
	}
	snapshot, err := a.Orders.GetMarketDataSnapshot(ctx, []int{conid})
	if err != nil {
		return match, false
	}
	entry, ok := snapshot[conid]
	if !ok || entry.Last == nil {
		return match, false
	}
	spot := *entry.Last

	for _, leg := range trade.Legs {
		itm := (leg.Type == domain.OptionTypePut && spot < leg.Strike) ||
			(leg.Type == domain.OptionTypeCall && spot > leg.Strike)
		if itm {
			return match, true
		}
	}
	return match, false
}

// liquidate repeatedly cancels and resubmits a limit order to flatten the
// assigned position, walking the price away from the bid/ask each attempt.
func (a *AssignmentMonitor) liquidate(ctx context.Context, trade domain.PaperTrade, pos orders.Position) (resolved bool, attempts int, lastLimit float64) {
	side := domain.SideSell
	if pos.Quantity < 0 {
		side = domain.SideBuy
	}
	qty := math.Abs(pos.Quantity)

	var currentOrder *domain.OrderRecord
	start := time.Now()

	for attempt := 1; attempt <= assignmentMaxAttempts && time.Since(start) < assignmentMaxDuration; attempt++ {
		attempts = attempt

		if currentOrder != nil && currentOrder.IsNumericBrokerID() {
			if err := a.Orders.CancelOrder(ctx, currentOrder.BrokerOrderID); err != nil {
				a.Log.Warn().Err(err).Str("symbol", trade.Symbol).Msg("assignment liquidation: cancel before resubmit failed")
			}
		}

		snapshot, err := a.Orders.GetMarketDataSnapshot(ctx, []int{pos.Conid})
		if err != nil {
			a.Log.Warn().Err(err).Str("symbol", trade.Symbol).Msg("assignment liquidation: snapshot fetch failed")
			if !sleepOrDone(ctx, assignmentRetryInterval) {
				return false, attempts, lastLimit
			}
			continue
		}
		entry := snapshot[pos.Conid]
		bid, ask := floatOrZero(entry.Bid), floatOrZero(entry.Ask)
		spread := ask - bid
		fraction := a.ReductionSchedule(attempt, bid, spread)

		var limit float64
		if side == domain.SideSell {
			limit = bid * (1 - fraction)
		} else {
			limit = ask * (1 + fraction)
		}
		lastLimit = limit

		order, err := a.Orders.PlaceStockOrder(ctx, trade.Symbol, side, qty, orders.StockOrderOptions{
			OrderType: domain.OrderTypeLimit, LimitPrice: &limit, TIF: domain.TIFDay, OutsideRTH: true,
		})
		if err != nil {
			a.Log.Warn().Err(err).Str("symbol", trade.Symbol).Msg("assignment liquidation: order submission failed")
			currentOrder = nil
		} else {
			currentOrder = order
		}

		if !sleepOrDone(ctx, assignmentRetryInterval) {
			return false, attempts, lastLimit
		}

		if currentOrder != nil && currentOrder.IsNumericBrokerID() && !stillOpen(ctx, a.Orders, currentOrder.BrokerOrderID) {
			return true, attempts, lastLimit
		}
	}
	return false, attempts, lastLimit
}

func stillOpen(ctx context.Context, svc *orders.Service, brokerOrderID string) bool {
	open, err := svc.GetOpenOrders(ctx)
	if err != nil {
		return true // unknown: assume still open rather than falsely declaring success
	}
	for _, o := range open {
		if o.BrokerOrderID == brokerOrderID {
			return true
		}
	}
	return false
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func floatOrZero(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

// previousTradingDayET returns the most recent prior weekday's ET calendar
// date, a simple weekend-skip used to locate "yesterday's" expirations
// without pulling in the full holiday calendar for this one lookback.
func previousTradingDayET(now time.Time) string {
	t := now.AddDate(0, 0, -1)
	for {
		s := scheduler.GetETDateString(t)
		wd := tParseWeekday(s)
		if wd != time.Saturday && wd != time.Sunday {
			return s
		}
		t = t.AddDate(0, 0, -1)
	}
}

func tParseWeekday(dateStr string) time.Weekday {
	t, err := time.Parse("2006-01-02", dateStr)
	if err != nil {
		return time.Monday
	}
	return t.Weekday()
}
