package orders

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/kestrelfin/optionsd/internal/database"
	"github.com/kestrelfin/optionsd/internal/domain"
)

// LedgerRepository is the sole writer of the orders and paper_trades tables.
type LedgerRepository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewLedgerRepository builds a repository over the shared ledger database.
func NewLedgerRepository(db *database.DB, log zerolog.Logger) *LedgerRepository {
	return &LedgerRepository{db: db, log: log.With().Str("repo", "ledger").Logger()}
}

// CreateOrder persists a new OrderRecord and returns its assigned local id.
func (r *LedgerRepository) CreateOrder(userID string, o domain.OrderRecord) (int64, error) {
	res, err := r.db.Exec(
		`INSERT INTO orders (broker_order_id, user_id, symbol, side, quantity, order_type, limit_price, parent_id, status, submitted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullString(o.BrokerOrderID), userID, o.Symbol, string(o.Side), o.Quantity, string(o.OrderType),
		o.LimitPrice, o.ParentID, string(o.Status), o.SubmittedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("creating order record: %w", err)
	}
	return res.LastInsertId()
}

// UpdateOrderStatus moves an order to a new status, optionally recording a fill.
func (r *LedgerRepository) UpdateOrderStatus(id int64, status domain.OrderStatus, fillPrice *float64, filledAt *time.Time) error {
	_, err := r.db.Exec(
		`UPDATE orders SET status=?, fill_price=?, filled_at=? WHERE id=?`,
		string(status), fillPrice, filledAt, id,
	)
	if err != nil {
		return fmt.Errorf("updating order %d: %w", id, err)
	}
	return nil
}

// OpenOrders returns local orders that are not in a terminal status.
func (r *LedgerRepository) OpenOrders(userID string) ([]domain.OrderRecord, error) {
	rows, err := r.db.Query(
		`SELECT id, broker_order_id, symbol, side, quantity, order_type, limit_price, status, submitted_at
		 FROM orders WHERE user_id=? AND status IN ('submitted','partial')`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying open orders: %w", err)
	}
	defer rows.Close()

	var out []domain.OrderRecord
	for rows.Next() {
		var o domain.OrderRecord
		var brokerID sql.NullString
		var limitPrice sql.NullFloat64
		if err := rows.Scan(&o.ID, &brokerID, &o.Symbol, &o.Side, &o.Quantity, &o.OrderType, &limitPrice, &o.Status, &o.SubmittedAt); err != nil {
			return nil, fmt.Errorf("scanning order row: %w", err)
		}
		o.BrokerOrderID = brokerID.String
		if limitPrice.Valid {
			o.LimitPrice = &limitPrice.Float64
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// CreatePaperTrade inserts a new logical position.
func (r *LedgerRepository) CreatePaperTrade(t domain.PaperTrade) (int64, error) {
	legsJSON, err := json.Marshal(t.Legs)
	if err != nil {
		return 0, fmt.Errorf("marshaling legs: %w", err)
	}
	res, err := r.db.Exec(
		`INSERT INTO paper_trades (user_id, symbol, strategy, bias, contracts, legs_json, entry_premium, expiration, status, source, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.UserID, t.Symbol, t.Strategy, t.Bias, t.Contracts, string(legsJSON), t.EntryPremium,
		t.Expiration.Format("2006-01-02"), string(t.Status), t.Source, t.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("creating paper trade: %w", err)
	}
	return res.LastInsertId()
}

// OpenPaperTrades returns open trades for a user, optionally filtered to those
// expiring on the given ET calendar date (pass "" for no filter).
func (r *LedgerRepository) OpenPaperTrades(userID, expirationDate string) ([]domain.PaperTrade, error) {
	query := `SELECT id, user_id, symbol, strategy, bias, contracts, legs_json, entry_premium, expiration, status, exit_reason, source, created_at
	          FROM paper_trades WHERE user_id=? AND status='open'`
	args := []any{userID}
	if expirationDate != "" {
		query += ` AND DATE(expiration) = ?`
		args = append(args, expirationDate)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying open paper trades: %w", err)
	}
	defer rows.Close()

	var out []domain.PaperTrade
	for rows.Next() {
		t, legsJSON, err := scanPaperTrade(rows)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(legsJSON), &t.Legs); err != nil {
			return nil, fmt.Errorf("unmarshaling legs for trade %d: %w", t.ID, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanPaperTrade(rows *sql.Rows) (domain.PaperTrade, string, error) {
	var t domain.PaperTrade
	var legsJSON, expiration string
	var exitReason sql.NullString
	if err := rows.Scan(&t.ID, &t.UserID, &t.Symbol, &t.Strategy, &t.Bias, &t.Contracts, &legsJSON, &t.EntryPremium, &expiration, &t.Status, &exitReason, &t.Source, &t.CreatedAt); err != nil {
		return t, "", fmt.Errorf("scanning paper trade row: %w", err)
	}
	t.ExitReason = exitReason.String
	t.Expiration, _ = time.Parse("2006-01-02", expiration)
	return t, legsJSON, nil
}

// HasTradeForDate reports whether a trade was already opened for the given
// symbol on the given ET calendar date, the canonical idempotency check for
// the daily trade entry handler.
func (r *LedgerRepository) HasTradeForDate(userID, symbol, date string) (bool, error) {
	var count int
	err := r.db.QueryRow(
		`SELECT COUNT(*) FROM paper_trades WHERE user_id=? AND symbol=? AND DATE(created_at)=?`,
		userID, symbol, date,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking existing trade for %s on %s: %w", symbol, date, err)
	}
	return count > 0, nil
}

// CloseTrade marks a paper trade closed with its exit accounting.
func (r *LedgerRepository) CloseTrade(id int64, exitPrice float64, exitReason string, realizedPnL float64) error {
	now := time.Now()
	_, err := r.db.Exec(
		`UPDATE paper_trades SET status=?, exit_price=?, exit_reason=?, realized_pnl=?, closed_at=? WHERE id=?`,
		string(domain.TradeStatusClosed), exitPrice, exitReason, realizedPnL, now, id,
	)
	if err != nil {
		return fmt.Errorf("closing trade %d: %w", id, err)
	}
	return nil
}

// MarkExpired marks a paper trade expired, retaining the full entry premium.
func (r *LedgerRepository) MarkExpired(id int64, entryPremium float64) error {
	now := time.Now()
	_, err := r.db.Exec(
		`UPDATE paper_trades SET status=?, exit_price=0, exit_reason=?, realized_pnl=?, closed_at=? WHERE id=?`,
		string(domain.TradeStatusExpired), "Expired worthless", entryPremium, now, id,
	)
	if err != nil {
		return fmt.Errorf("marking trade %d expired: %w", id, err)
	}
	return nil
}

// SetExitReason updates a trade's exit reason without closing it, used when
// a risk handler submits a close order but the final fill/PnL reconciliation
// happens later in the trade monitor.
func (r *LedgerRepository) SetExitReason(id int64, reason string) error {
	_, err := r.db.Exec(`UPDATE paper_trades SET exit_reason=? WHERE id=?`, reason, id)
	if err != nil {
		return fmt.Errorf("setting exit reason for trade %d: %w", id, err)
	}
	return nil
}

// TradesByExpiration returns all trades (any status) expiring on the given ET
// calendar date, used by the assignment monitor to find yesterday's 0DTE
// legs regardless of whether they were closed, expired, or left open.
func (r *LedgerRepository) TradesByExpiration(userID, expirationDate string) ([]domain.PaperTrade, error) {
	rows, err := r.db.Query(
		`SELECT id, user_id, symbol, strategy, bias, contracts, legs_json, entry_premium, expiration, status, exit_reason, source, created_at
		 FROM paper_trades WHERE user_id=? AND DATE(expiration) = ?`, userID, expirationDate)
	if err != nil {
		return nil, fmt.Errorf("querying trades by expiration: %w", err)
	}
	defer rows.Close()

	var out []domain.PaperTrade
	for rows.Next() {
		t, legsJSON, err := scanPaperTrade(rows)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(legsJSON), &t.Legs); err != nil {
			return nil, fmt.Errorf("unmarshaling legs for trade %d: %w", t.ID, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpsertNavSnapshot inserts or replaces the (date, snapshotType, userId) NAV row.
func (r *LedgerRepository) UpsertNavSnapshot(s domain.NavSnapshot) error {
	_, err := r.db.Exec(
		`INSERT INTO nav_snapshots (date, snapshot_type, user_id, nav, recorded_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(date, snapshot_type, user_id) DO UPDATE SET nav=excluded.nav, recorded_at=excluded.recorded_at`,
		s.Date, string(s.Type), s.UserID, s.NAV, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("upserting nav snapshot: %w", err)
	}
	return nil
}

// SetAssignmentDetails persists the assignment-liquidation workflow state onto a trade.
func (r *LedgerRepository) SetAssignmentDetails(id int64, details domain.AssignmentDetails) error {
	body, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshaling assignment details: %w", err)
	}
	_, err = r.db.Exec(`UPDATE paper_trades SET assignment_json=? WHERE id=?`, string(body), id)
	if err != nil {
		return fmt.Errorf("persisting assignment details for trade %d: %w", id, err)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
