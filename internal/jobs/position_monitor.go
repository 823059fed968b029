package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kestrelfin/optionsd/internal/domain"
	"github.com/kestrelfin/optionsd/internal/events"
	"github.com/kestrelfin/optionsd/internal/orders"
	"github.com/kestrelfin/optionsd/internal/scheduler"
)

const breachSustainThreshold = 15 * time.Minute

// MonitorSession is the in-memory per-ET-date tally the position monitor
// keeps; only alerts or errors turn into a durable JobRun.
type MonitorSession struct {
	ETDate             string
	ChecksCompleted    int
	LastCheckTime      time.Time
	PositionsMonitored int
	AlertsTriggered    int
	Errors             []string
}

// PositionMonitor defends open trades against an underlying breaching the
// short strikes for more than 15 continuous minutes (Layer 1). Layer 2 (stop
// at k*entry premium) is the native bracket stop submitted at entry; Layer 3
// is the 0DTE closer.
type PositionMonitor struct {
	Deps

	mu          sync.Mutex
	breachStart map[int64]time.Time
	session     *MonitorSession
}

// NewPositionMonitor builds the handler.
func NewPositionMonitor(deps Deps) *PositionMonitor {
	return &PositionMonitor{Deps: deps, breachStart: make(map[int64]time.Time)}
}

// ID implements scheduler.Handler.
func (m *PositionMonitor) ID() string { return "position_monitor" }

// Execute implements scheduler.Handler.
func (m *PositionMonitor) Execute(ctx context.Context) scheduler.JobResult {
	now := time.Now()
	if !scheduler.IsMarketOpen(now) {
		return scheduler.JobResult{Skipped: true, Aggregated: true, Reason: "market closed"}
	}

	m.mu.Lock()
	today := scheduler.GetETDateString(now)
	if m.session == nil || m.session.ETDate != today {
		m.session = &MonitorSession{ETDate: today}
	}
	m.session.ChecksCompleted++
	m.session.LastCheckTime = now
	m.mu.Unlock()

	trades, err := m.Ledger.OpenPaperTrades(m.UserID, "")
	if err != nil {
		m.recordError(err)
		return scheduler.JobResult{Err: err}
	}

	alerted := 0
	for _, trade := range trades {
		if m.checkTrade(ctx, trade) {
			alerted++
		}
	}

	m.mu.Lock()
	m.session.PositionsMonitored = len(trades)
	m.session.AlertsTriggered += alerted
	m.mu.Unlock()

	if alerted == 0 {
		return scheduler.JobResult{Success: true, Aggregated: true, Reason: "no sustained breaches"}
	}
	return scheduler.JobResult{Success: true, Reason: fmt.Sprintf("closed %d breached trade(s)", alerted),
		Data: map[string]any{"alerted": alerted, "checked": len(trades)}}
}

// checkTrade returns true if a sustained breach triggered a close action.
func (m *PositionMonitor) checkTrade(ctx context.Context, trade domain.PaperTrade) bool {
	putStrike, callStrike, ok := shortStrikes(trade)
	if !ok {
		return false
	}

	conid, err := m.Orders.ResolveConid(ctx, trade.Symbol)
	if err != nil {
		m.recordError(err)
		return false
	}
	entry, fresh := m.Stream.GetCachedMarketData(conid)
	if !fresh || entry.Last == nil {
		return false
	}
	spot := *entry.Last

	breached := spot < putStrike || spot > callStrike
	if !breached {
		m.mu.Lock()
		delete(m.breachStart, trade.ID)
		m.mu.Unlock()
		return false
	}

	m.mu.Lock()
	start, tracking := m.breachStart[trade.ID]
	if !tracking {
		m.breachStart[trade.ID] = time.Now()
		m.mu.Unlock()
		return false
	}
	sustained := time.Since(start) > breachSustainThreshold
	m.mu.Unlock()
	if !sustained {
		return false
	}

	if err := m.closeTradePositions(ctx, trade, "underlying breach sustained >15m"); err != nil {
		m.recordError(err)
		return false
	}

	m.mu.Lock()
	delete(m.breachStart, trade.ID)
	m.mu.Unlock()
	return true
}

func shortStrikes(trade domain.PaperTrade) (putStrike, callStrike float64, ok bool) {
	putStrike = -1 << 62
	callStrike = 1 << 62
	found := false
	for _, leg := range trade.Legs {
		if leg.Type == domain.OptionTypePut {
			putStrike = leg.Strike
			found = true
		}
		if leg.Type == domain.OptionTypeCall {
			callStrike = leg.Strike
			found = true
		}
	}
	return putStrike, callStrike, found
}

// closeTradePositions submits a market order opposite the current side for
// every broker position whose OCC-embedded strike matches one of the trade's
// legs, then marks the paper-trade closed with realized P&L computed from the
// resulting executions (falling back to the expired-worthless case when the
// broker reports no matching fill yet).
func (m *PositionMonitor) closeTradePositions(ctx context.Context, trade domain.PaperTrade, reason string) error {
	positions, err := m.Orders.GetPositions(ctx)
	if err != nil {
		return err
	}

	closedLegs := make(map[int]bool)
	for _, pos := range positions {
		parsed, ok := orders.ParseOCCSymbol(pos.Symbol)
		if !ok || parsed.Underlying != trade.Symbol {
			continue
		}
		for i, leg := range trade.Legs {
			if leg.Type != parsed.Type {
				continue
			}
			diff := leg.Strike - parsed.Strike
			if diff > 0.01 || diff < -0.01 {
				continue
			}
			side := domain.SideSell
			if pos.Quantity < 0 {
				side = domain.SideBuy
			}
			qty := pos.Quantity
			if qty < 0 {
				qty = -qty
			}
			if _, err := m.Orders.PlaceCloseOrderByConid(ctx, pos.Conid, qty, side); err != nil {
				return err
			}
			closedLegs[i] = true
		}
	}

	if len(closedLegs) == 0 {
		return nil
	}

	executions, err := m.Orders.GetExecutions(ctx)
	if err != nil {
		m.Log.Warn().Err(err).Str("symbol", trade.Symbol).Msg("failed to fetch executions for layer-1 close reconciliation")
	}

	var exitPrice, totalRealized, totalExitCost, totalQty float64
	anyMatched := false
	for i, leg := range trade.Legs {
		if !closedLegs[i] {
			continue
		}
		matches := orders.MatchExecutions(executions, trade.Symbol, leg.Strike, leg.Type)
		realized, _, exitCost, ok := orders.RealizedPnL(leg.Premium*float64(trade.Contracts)*100, matches)
		if ok {
			anyMatched = true
			totalRealized += realized
			totalExitCost += exitCost
			totalQty += float64(trade.Contracts) * 100
		} else {
			totalRealized += leg.Premium * float64(trade.Contracts) * 100
		}
	}
	if anyMatched && totalQty > 0 {
		exitPrice = totalExitCost / totalQty
	}

	if err := m.Ledger.CloseTrade(trade.ID, exitPrice, reason, totalRealized); err != nil {
		return err
	}
	m.Events.Emit(events.PositionClosed, "jobs.position_monitor", map[string]any{
		"tradeId": trade.ID, "symbol": trade.Symbol, "reason": reason, "realizedPnl": totalRealized,
	})
	return nil
}

func (m *PositionMonitor) recordError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil {
		m.session.Errors = append(m.session.Errors, err.Error())
	}
	m.Log.Warn().Err(err).Msg("position monitor check failed")
}
