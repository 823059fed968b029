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
	zeroDTERiskThreshold = 0.30
	zeroDTEITMDelta      = 0.50
	zeroDTEDeadlineSlack = 10 * time.Minute
	zeroDTERetryAttempts = 3
	zeroDTERetryDelay    = 2 * time.Second
)

// ZeroDTECloser force-closes at-risk same-day-expiry positions near the
// market close deadline. The same handler is registered under two cron
// entries (normal and early close); it validates the firing against the
// actual deadline itself.
type ZeroDTECloser struct {
	Deps
}

// NewZeroDTECloser builds the handler.
func NewZeroDTECloser(deps Deps) *ZeroDTECloser { return &ZeroDTECloser{Deps: deps} }

// ID implements scheduler.Handler.
func (z *ZeroDTECloser) ID() string { return "zerodte_closer" }

// Execute implements scheduler.Handler.
func (z *ZeroDTECloser) Execute(ctx context.Context) scheduler.JobResult {
	now := time.Now()
	deadline := scheduler.MinutesSinceMidnightET(scheduler.GetExitDeadline(now))
	nowMinutes := scheduler.MinutesSinceMidnightET(scheduler.GetETTimeString(now))
	if abs(nowMinutes-deadline) > int(zeroDTEDeadlineSlack.Minutes()) {
		return scheduler.JobResult{Skipped: true, Reason: "outside exit deadline window"}
	}

	today := scheduler.GetETDateString(now)
	trades, err := z.Ledger.OpenPaperTrades(z.UserID, today)
	if err != nil {
		return scheduler.JobResult{Err: err}
	}
	if len(trades) == 0 {
		return scheduler.JobResult{Success: true, Aggregated: true, Reason: "no trades expiring today"}
	}

	positions, err := z.Orders.GetPositions(ctx)
	if err != nil {
		return scheduler.JobResult{Err: err}
	}

	riskyClosed, failures := 0, 0
	for _, trade := range trades {
		if trade.ExitReason != "" {
			continue // already closed by a prior firing this window; exitReason is the idempotency guard
		}
		for _, leg := range trade.Legs {
			pos := matchPosition(positions, trade.Symbol, leg)
			if pos == nil {
				continue
			}
			delta, err := z.effectiveDelta(ctx, trade, leg, *pos)
			if err != nil {
				z.Log.Warn().Err(err).Str("symbol", trade.Symbol).Msg("could not determine effective delta")
				continue
			}
			if math.Abs(delta) <= zeroDTERiskThreshold {
				continue
			}

			reason := fmt.Sprintf("0DTE risk close: |delta|=%.2f > %.2f", math.Abs(delta), zeroDTERiskThreshold)
			if err := z.closeWithRetry(ctx, *pos); err != nil {
				failures++
				z.Log.Error().Err(err).Str("symbol", trade.Symbol).Msg("0DTE force close failed after retries")
				continue
			}
			riskyClosed++
			_ = z.Ledger.SetExitReason(trade.ID, reason)
			z.Events.Emit(events.ZeroDTEForceClose, "jobs.zerodte_closer", map[string]any{
				"tradeId": trade.ID, "symbol": trade.Symbol, "reason": reason,
			})
		}
	}

	if riskyClosed == 0 && failures == 0 {
		return scheduler.JobResult{Success: true, Aggregated: true, Reason: "no at-risk positions"}
	}
	outcome := scheduler.JobResult{
		Success: failures == 0,
		Reason:  fmt.Sprintf("closed %d risky position(s), %d failure(s)", riskyClosed, failures),
		Data:    map[string]any{"closed": riskyClosed, "failures": failures},
	}
	if failures > 0 {
		outcome.Err = fmt.Errorf("0dte closer: %d position(s) require manual intervention", failures)
	}
	return outcome
}

func (z *ZeroDTECloser) effectiveDelta(ctx context.Context, trade domain.PaperTrade, leg domain.OptionLeg, pos orders.Position) (float64, error) {
	if pos.Delta != nil && *pos.Delta != 0 {
		return *pos.Delta, nil
	}

	conid, err := z.Orders.ResolveConid(ctx, trade.Symbol)
	if err == nil {
		var snapshot map[int]domain.MarketDataEntry
		for attempt := 0; attempt < zeroDTERetryAttempts; attempt++ {
			snapshot, err = z.Orders.GetMarketDataSnapshot(ctx, []int{conid})
			if err == nil {
				break
			}
			time.Sleep(zeroDTERetryDelay)
		}
		if err == nil {
			if entry, ok := snapshot[conid]; ok && entry.Last != nil {
				spot := *entry.Last
				itm := (leg.Type == domain.OptionTypePut && spot < leg.Strike) ||
					(leg.Type == domain.OptionTypeCall && spot > leg.Strike)
				if itm {
					return zeroDTEITMDelta, nil
				}
				return 0, nil
			}
		}
	}

	if leg.EntryDelta != nil {
		return *leg.EntryDelta, nil
	}
	return 0, fmt.Errorf("no delta source available for %s", trade.Symbol)
}

func (z *ZeroDTECloser) closeWithRetry(ctx context.Context, pos orders.Position) error {
	side := domain.SideSell
	if pos.Quantity < 0 {
		side = domain.SideBuy
	}
	qty := pos.Quantity
	if qty < 0 {
		qty = -qty
	}

	var lastErr error
	for attempt := 0; attempt < zeroDTERetryAttempts; attempt++ {
		_, err := z.Orders.PlaceCloseOrderByConid(ctx, pos.Conid, qty, side)
		if err == nil {
			return nil
		}
		lastErr = err
		time.Sleep(zeroDTERetryDelay)
	}
	return lastErr
}

func matchPosition(positions []orders.Position, underlying string, leg domain.OptionLeg) *orders.Position {
	for i := range positions {
		parsed, ok := orders.ParseOCCSymbol(positions[i].Symbol)
		if !ok || parsed.Underlying != underlying || parsed.Type != leg.Type {
			continue
		}
		diff := parsed.Strike - leg.Strike
		if diff > 0.01 || diff < -0.01 {
			continue
		}
		return &positions[i]
	}
	return nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
