package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/kestrelfin/optionsd/internal/domain"
	"github.com/kestrelfin/optionsd/internal/orders"
	"github.com/kestrelfin/optionsd/internal/scheduler"
)

// LegDecision is one leg (put or call) a strategy engine wants to sell.
type LegDecision struct {
	Type       domain.OptionType
	Strike     float64
	LimitPrice float64 // expected premium per contract
}

// TradingDecision is the strategy engine's verdict for one underlying on one day.
type TradingDecision struct {
	CanTrade   bool
	Strategy   string
	Bias       string
	Expiration string // YYYYMMDD
	Contracts  int
	Legs       []LegDecision
}

// StrategyEngine is the external collaborator that decides what to trade.
// It is not implemented by this package; entry logic only consumes it.
type StrategyEngine interface {
	Decide(ctx context.Context, symbol string) (TradingDecision, error)
}

// TradeEngine runs the daily entry: for each configured symbol, consult the
// strategy engine once per ET day and submit the legs it returns.
type TradeEngine struct {
	Deps
	Engine       StrategyEngine
	Symbols      []string
	StopMultiple float64 // bracket stop as a multiple of entry premium
}

// NewTradeEngine builds the handler.
func NewTradeEngine(deps Deps, engine StrategyEngine, symbols []string, stopMultiple float64) *TradeEngine {
	return &TradeEngine{Deps: deps, Engine: engine, Symbols: symbols, StopMultiple: stopMultiple}
}

// ID implements scheduler.Handler.
func (t *TradeEngine) ID() string { return "trade_engine" }

// Execute implements scheduler.Handler.
func (t *TradeEngine) Execute(ctx context.Context) scheduler.JobResult {
	today := scheduler.GetETDateString(time.Now())
	entered := 0
	var skippedReasons []string

	for _, symbol := range t.Symbols {
		already, err := t.Ledger.HasTradeForDate(t.UserID, symbol, today)
		if err != nil {
			return scheduler.JobResult{Err: err}
		}
		if already {
			skippedReasons = append(skippedReasons, symbol+": already entered today")
			continue
		}

		decision, err := t.Engine.Decide(ctx, symbol)
		if err != nil {
			t.Log.Warn().Err(err).Str("symbol", symbol).Msg("strategy engine error")
			continue
		}
		if !decision.CanTrade || len(decision.Legs) == 0 {
			skippedReasons = append(skippedReasons, symbol+": "+noTradeReason(decision))
			continue
		}

		if err := t.enterTrade(ctx, symbol, decision); err != nil {
			t.Log.Error().Err(err).Str("symbol", symbol).Msg("failed to enter trade")
			continue
		}
		entered++
	}

	if entered == 0 {
		return scheduler.JobResult{Success: true, Aggregated: true, Reason: "no entries today"}
	}
	return scheduler.JobResult{Success: true, Reason: fmt.Sprintf("entered %d trade(s)", entered),
		Data: map[string]any{"entered": entered, "skipped": skippedReasons}}
}

// orderedPutThenCall enforces the put-before-call submission order the
// concurrency model requires for legs of the same trade.
func orderedPutThenCall(legs []LegDecision) []LegDecision {
	out := make([]LegDecision, 0, len(legs))
	for _, leg := range legs {
		if leg.Type == domain.OptionTypePut {
			out = append(out, leg)
		}
	}
	for _, leg := range legs {
		if leg.Type != domain.OptionTypePut {
			out = append(out, leg)
		}
	}
	return out
}

func noTradeReason(d TradingDecision) string {
	if !d.CanTrade {
		return "strategy engine declined"
	}
	return "no legs returned"
}

func (t *TradeEngine) enterTrade(ctx context.Context, symbol string, decision TradingDecision) error {
	legs := make([]domain.OptionLeg, 0, len(decision.Legs))
	var totalPremium float64

	for _, leg := range orderedPutThenCall(decision.Legs) {
		limitPrice := leg.LimitPrice
		req := orders.OptionOrderRequest{
			Symbol:     symbol,
			OptionType: leg.Type,
			Strike:     leg.Strike,
			Expiration: decision.Expiration,
			Side:       domain.SideSell,
			Quantity:   float64(decision.Contracts),
			OrderType:  domain.OrderTypeLimit,
			LimitPrice: &limitPrice,
		}

		if _, _, err := t.Orders.PlaceOptionOrderWithStop(ctx, req, t.StopMultiple); err != nil {
			return fmt.Errorf("submitting %s %s leg: %w", symbol, leg.Type, err)
		}
		legs = append(legs, domain.OptionLeg{Strike: leg.Strike, Type: leg.Type, Premium: leg.LimitPrice})
		totalPremium += leg.LimitPrice * float64(decision.Contracts) * 100
	}

	expiration, err := time.Parse("20060102", decision.Expiration)
	if err != nil {
		return fmt.Errorf("parsing expiration %q: %w", decision.Expiration, err)
	}

	_, err = t.Ledger.CreatePaperTrade(domain.PaperTrade{
		UserID:       t.UserID,
		Symbol:       symbol,
		Strategy:     decision.Strategy,
		Bias:         decision.Bias,
		Contracts:    decision.Contracts,
		Legs:         legs,
		EntryPremium: totalPremium,
		Expiration:   expiration,
		Status:       domain.TradeStatusOpen,
		CreatedAt:    time.Now(),
		Source:       "trade_engine",
	})
	return err
}
