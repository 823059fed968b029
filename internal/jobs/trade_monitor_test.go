package jobs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelfin/optionsd/internal/domain"
	"github.com/kestrelfin/optionsd/internal/orders"
)

func TestTradeStillHasPosition(t *testing.T) {
	trade := domain.PaperTrade{
		Symbol: "SPY",
		Legs:   []domain.OptionLeg{{Strike: 450, Type: domain.OptionTypeCall}},
	}

	positions := []orders.Position{
		{Conid: 1, Symbol: "SPY   240119C00450000", Quantity: -1},
	}
	assert.True(t, tradeStillHasPosition(trade, positions))

	emptyPositions := []orders.Position{
		{Conid: 2, Symbol: "QQQ   240119C00350000", Quantity: -1},
	}
	assert.False(t, tradeStillHasPosition(trade, emptyPositions))
}

func TestTradeMonitor_CloseFromExecutions_ExpiredWorthless(t *testing.T) {
	deps := newTestDeps(t, "")
	monitor := NewTradeMonitor(deps)

	tradeID, err := deps.Ledger.CreatePaperTrade(domain.PaperTrade{
		UserID:       "u1",
		Symbol:       "SPY",
		Contracts:    1,
		EntryPremium: 50,
		Expiration:   time.Now(),
		Status:       domain.TradeStatusOpen,
		Legs:         []domain.OptionLeg{{Strike: 450, Type: domain.OptionTypeCall, Premium: 0.50}},
		CreatedAt:    time.Now(),
	})
	require.NoError(t, err)

	trade := domain.PaperTrade{
		ID:           tradeID,
		Symbol:       "SPY",
		Contracts:    1,
		EntryPremium: 50,
		Legs:         []domain.OptionLeg{{Strike: 450, Type: domain.OptionTypeCall, Premium: 0.50}},
	}

	require.NoError(t, monitor.closeFromExecutions(trade, nil))

	open, err := deps.Ledger.OpenPaperTrades("u1", "")
	require.NoError(t, err)
	assert.Empty(t, open, "trade with no matching executions should close as expired worthless")
}
