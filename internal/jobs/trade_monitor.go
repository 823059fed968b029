package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/kestrelfin/optionsd/internal/domain"
	"github.com/kestrelfin/optionsd/internal/events"
	"github.com/kestrelfin/optionsd/internal/orders"
	"github.com/kestrelfin/optionsd/internal/scheduler"
)

// TradeMonitor runs every 30 minutes during market hours reconciling open
// paper trades against broker-reported positions and executions: expired
// trades retain full premium, trades whose legs no longer appear in the
// broker's positions are closed and their realized P&L computed from fills.
// The broker only retains roughly the last 7 days of trade history, so a
// trade that fell out of that window with no executions is treated the same
// as "expired worthless" rather than failing.
type TradeMonitor struct {
	Deps
}

// NewTradeMonitor builds the handler.
func NewTradeMonitor(deps Deps) *TradeMonitor { return &TradeMonitor{Deps: deps} }

// ID implements scheduler.Handler.
func (t *TradeMonitor) ID() string { return "trade_monitor" }

// Execute implements scheduler.Handler.
func (t *TradeMonitor) Execute(ctx context.Context) scheduler.JobResult {
	if !scheduler.IsMarketOpen(time.Now()) {
		return scheduler.JobResult{Skipped: true, Aggregated: true, Reason: "market closed"}
	}

	trades, err := t.Ledger.OpenPaperTrades(t.UserID, "")
	if err != nil {
		return scheduler.JobResult{Err: err}
	}
	if len(trades) == 0 {
		return scheduler.JobResult{Success: true, Aggregated: true, Reason: "no open trades"}
	}

	positions, err := t.Orders.GetPositions(ctx)
	if err != nil {
		return scheduler.JobResult{Err: err}
	}

	var executions []orders.Execution
	execsLoaded := false

	expired, closed, errored := 0, 0, 0
	today := scheduler.GetETDateString(time.Now())

	for _, trade := range trades {
		if trade.Expiration.Format("2006-01-02") < today {
			if err := t.Ledger.MarkExpired(trade.ID, trade.EntryPremium); err != nil {
				t.Log.Error().Err(err).Int64("tradeId", trade.ID).Msg("failed to mark trade expired")
				errored++
				continue
			}
			expired++
			continue
		}

		if tradeStillHasPosition(trade, positions) {
			continue
		}

		if !execsLoaded {
			executions, err = t.Orders.GetExecutions(ctx)
			if err != nil {
				t.Log.Warn().Err(err).Msg("failed to fetch executions for reconciliation")
				executions = nil
			}
			execsLoaded = true
		}

		if err := t.closeFromExecutions(trade, executions); err != nil {
			t.Log.Error().Err(err).Int64("tradeId", trade.ID).Msg("failed to reconcile closed trade")
			errored++
			continue
		}
		closed++
	}

	if expired == 0 && closed == 0 && errored == 0 {
		return scheduler.JobResult{Success: true, Aggregated: true, Reason: "no reconciliation needed"}
	}
	result := scheduler.JobResult{
		Success: errored == 0,
		Reason:  fmt.Sprintf("expired=%d closed=%d errors=%d", expired, closed, errored),
		Data:    map[string]any{"expired": expired, "closed": closed, "errors": errored},
	}
	if errored > 0 {
		result.Err = fmt.Errorf("trade monitor: %d trade(s) failed to reconcile", errored)
	}
	return result
}

func tradeStillHasPosition(trade domain.PaperTrade, positions []orders.Position) bool {
	for _, pos := range positions {
		parsed, ok := orders.ParseOCCSymbol(pos.Symbol)
		if !ok || parsed.Underlying != trade.Symbol {
			continue
		}
		for _, leg := range trade.Legs {
			if leg.Type != parsed.Type {
				continue
			}
			if diff := leg.Strike - parsed.Strike; diff <= 0.01 && diff >= -0.01 {
				return true
			}
		}
	}
	return false
}

// closeFromExecutions computes realized P&L across all legs and persists the close.
func (t *TradeMonitor) closeFromExecutions(trade domain.PaperTrade, executions []orders.Execution) error {
	var totalExitCost, totalRealized float64
	anyMatched := false

	for _, leg := range trade.Legs {
		matches := orders.MatchExecutions(executions, trade.Symbol, leg.Strike, leg.Type)
		realized, _, exitCost, ok := orders.RealizedPnL(leg.Premium*float64(trade.Contracts)*100, matches)
		if ok {
			anyMatched = true
			totalRealized += realized
			totalExitCost += exitCost
		} else {
			totalRealized += leg.Premium * float64(trade.Contracts) * 100
		}
	}

	exitReason := "Position closed, reconciled from executions"
	exitPrice := 0.0
	if !anyMatched {
		exitReason = "Expired worthless"
	} else if totalQty := float64(trade.Contracts) * 100 * float64(len(trade.Legs)); totalQty > 0 {
		exitPrice = totalExitCost / totalQty
	}

	if err := t.Ledger.CloseTrade(trade.ID, exitPrice, exitReason, totalRealized); err != nil {
		return err
	}
	t.Events.Emit(events.PositionClosed, "jobs.trade_monitor", map[string]any{
		"tradeId": trade.ID, "symbol": trade.Symbol, "realizedPnl": totalRealized,
	})
	return nil
}
