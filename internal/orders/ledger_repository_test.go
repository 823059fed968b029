package orders

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelfin/optionsd/internal/database"
	"github.com/kestrelfin/optionsd/internal/domain"
)

func newTestLedger(t *testing.T) *LedgerRepository {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "ledger.db")
	db, err := database.New(dbPath)
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })
	return NewLedgerRepository(db, zerolog.Nop())
}

func TestLedgerRepository_OrderLifecycle(t *testing.T) {
	repo := newTestLedger(t)

	id, err := repo.CreateOrder("u1", domain.OrderRecord{
		Symbol:      "SPY   240119C00450000",
		Side:        domain.SideSell,
		Quantity:    1,
		OrderType:   domain.OrderTypeLimit,
		Status:      domain.OrderStatusSubmitted,
		SubmittedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.NotZero(t, id)

	open, err := repo.OpenOrders("u1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "SPY   240119C00450000", open[0].Symbol)

	fillPrice := 0.12
	filledAt := time.Now()
	require.NoError(t, repo.UpdateOrderStatus(id, domain.OrderStatusFilled, &fillPrice, &filledAt))

	open, err = repo.OpenOrders("u1")
	require.NoError(t, err)
	assert.Empty(t, open, "filled orders should no longer be open")
}

func TestLedgerRepository_PaperTradeLifecycle(t *testing.T) {
	repo := newTestLedger(t)

	expiration := time.Now()
	tradeID, err := repo.CreatePaperTrade(domain.PaperTrade{
		UserID:       "u1",
		Symbol:       "SPY",
		Strategy:     "iron_condor",
		Bias:         "neutral",
		Contracts:    1,
		Legs:         []domain.OptionLeg{{Strike: 450, Type: domain.OptionTypeCall, Premium: 0.50}},
		EntryPremium: 50,
		Expiration:   expiration,
		Status:       domain.TradeStatusOpen,
		Source:       "trade_engine",
		CreatedAt:    time.Now(),
	})
	require.NoError(t, err)

	expDate := expiration.Format("2006-01-02")

	open, err := repo.OpenPaperTrades("u1", "")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "SPY", open[0].Symbol)
	require.Len(t, open[0].Legs, 1)
	assert.Equal(t, 450.0, open[0].Legs[0].Strike)

	has, err := repo.HasTradeForDate("u1", "SPY", time.Now().Format("2006-01-02"))
	require.NoError(t, err)
	assert.True(t, has)

	byExp, err := repo.TradesByExpiration("u1", expDate)
	require.NoError(t, err)
	require.Len(t, byExp, 1)
	assert.Equal(t, tradeID, byExp[0].ID)
	assert.Empty(t, byExp[0].ExitReason)

	require.NoError(t, repo.SetExitReason(tradeID, "underlying breach sustained >15m"))

	open, err = repo.OpenPaperTrades("u1", "")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "underlying breach sustained >15m", open[0].ExitReason)

	require.NoError(t, repo.CloseTrade(tradeID, 0.10, "reconciled", 40))

	open, err = repo.OpenPaperTrades("u1", "")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestLedgerRepository_MarkExpired(t *testing.T) {
	repo := newTestLedger(t)

	tradeID, err := repo.CreatePaperTrade(domain.PaperTrade{
		UserID:       "u1",
		Symbol:       "SPY",
		Strategy:     "iron_condor",
		Contracts:    1,
		Legs:         []domain.OptionLeg{{Strike: 450, Type: domain.OptionTypePut, Premium: 0.30}},
		EntryPremium: 30,
		Expiration:   time.Now(),
		Status:       domain.TradeStatusOpen,
		CreatedAt:    time.Now(),
	})
	require.NoError(t, err)

	require.NoError(t, repo.MarkExpired(tradeID, 30))

	open, err := repo.OpenPaperTrades("u1", "")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestLedgerRepository_SetAssignmentDetails(t *testing.T) {
	repo := newTestLedger(t)

	tradeID, err := repo.CreatePaperTrade(domain.PaperTrade{
		UserID:       "u1",
		Symbol:       "SPY",
		Strategy:     "iron_condor",
		Contracts:    1,
		Legs:         []domain.OptionLeg{{Strike: 450, Type: domain.OptionTypePut, Premium: 0.30}},
		EntryPremium: 30,
		Expiration:   time.Now(),
		Status:       domain.TradeStatusOpen,
		CreatedAt:    time.Now(),
	})
	require.NoError(t, err)

	limit := 449.5
	require.NoError(t, repo.SetAssignmentDetails(tradeID, domain.AssignmentDetails{
		DetectedAt:    time.Now(),
		Shares:        100,
		AttemptCount:  2,
		LastLimitSent: &limit,
		Resolved:      true,
	}))
}

func TestLedgerRepository_UpsertNavSnapshot(t *testing.T) {
	repo := newTestLedger(t)

	date := time.Now().Format("2006-01-02")
	require.NoError(t, repo.UpsertNavSnapshot(domain.NavSnapshot{
		Date: date, Type: domain.NavSnapshotOpening, NAV: 100000, UserID: "u1",
	}))
	// Upsert should replace, not duplicate.
	require.NoError(t, repo.UpsertNavSnapshot(domain.NavSnapshot{
		Date: date, Type: domain.NavSnapshotOpening, NAV: 100500, UserID: "u1",
	}))
}
