package jobs

import "context"

// NoOpStrategyEngine declines every symbol. It is the default StrategyEngine
// wired in main when no real strategy module is configured; with it the trade
// engine runs each day but enters no trade.
type NoOpStrategyEngine struct{}

// Decide implements StrategyEngine.
func (NoOpStrategyEngine) Decide(ctx context.Context, symbol string) (TradingDecision, error) {
	return TradingDecision{CanTrade: false}, nil
}
