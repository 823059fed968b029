// Package audit gives the session handshake and order service a narrow sink to
// write outcomes through, without hard-wiring SQL into either driver.
package audit

import (
	"encoding/json"
	"time"

	"github.com/kestrelfin/optionsd/internal/database"
)

// Sink records auth-step and order-event outcomes.
type Sink interface {
	RecordAuthStep(userID, step string, httpStatus int, reqID, detail string)
	RecordOrderEvent(userID, event string, data map[string]any)
}

// SQLSink persists through the shared ledger database.
type SQLSink struct {
	db *database.DB
}

// NewSQLSink builds a Sink backed by the sessions_audit table.
func NewSQLSink(db *database.DB) *SQLSink {
	return &SQLSink{db: db}
}

// RecordAuthStep writes one row to sessions_audit. Write failures are
// swallowed: the audit trail must never block or fail the handshake itself.
func (s *SQLSink) RecordAuthStep(userID, step string, httpStatus int, reqID, detail string) {
	outcome := "ok"
	if httpStatus < 200 || httpStatus >= 300 {
		outcome = "error"
	}
	_, _ = s.db.Exec(
		`INSERT INTO sessions_audit (user_id, step, outcome, detail, occurred_at) VALUES (?, ?, ?, ?, ?)`,
		userID, step, outcome, formatDetail(httpStatus, reqID, detail), time.Now(),
	)
}

// RecordOrderEvent writes an order-lifecycle event into the same audit trail,
// keyed by a synthetic step name so it shares the table with auth steps.
func (s *SQLSink) RecordOrderEvent(userID, event string, data map[string]any) {
	body, _ := json.Marshal(data)
	_, _ = s.db.Exec(
		`INSERT INTO sessions_audit (user_id, step, outcome, detail, occurred_at) VALUES (?, ?, ?, ?, ?)`,
		userID, "order:"+event, "ok", string(body), time.Now(),
	)
}

func formatDetail(httpStatus int, reqID, detail string) string {
	b, _ := json.Marshal(map[string]any{
		"httpStatus": httpStatus,
		"reqId":      reqID,
		"detail":     detail,
	})
	return string(b)
}
