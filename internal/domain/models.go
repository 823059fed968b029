// Package domain holds the entities shared across the broker session, market-data,
// order, and scheduling components.
package domain

import "time"

// Environment identifies which broker gateway a session talks to.
type Environment string

const (
	EnvironmentPaper Environment = "paper"
	EnvironmentLive  Environment = "live"
)

// Side is an order or position direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side for a given side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OptionType is PUT or CALL.
type OptionType string

const (
	OptionTypePut  OptionType = "PUT"
	OptionTypeCall OptionType = "CALL"
)

// OrderType is the broker order type.
type OrderType string

const (
	OrderTypeMarket OrderType = "MKT"
	OrderTypeLimit  OrderType = "LMT"
	OrderTypeStop   OrderType = "STP"
)

// TimeInForce is the broker order duration.
type TimeInForce string

const (
	TIFDay TimeInForce = "DAY"
	TIFGTC TimeInForce = "GTC"
)

// OrderStatus is the lifecycle state of an OrderRecord.
type OrderStatus string

const (
	OrderStatusSubmitted OrderStatus = "submitted"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusPartial   OrderStatus = "partial"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
)

// TradeStatus is the lifecycle state of a PaperTrade.
type TradeStatus string

const (
	TradeStatusOpen      TradeStatus = "open"
	TradeStatusClosed    TradeStatus = "closed"
	TradeStatusExpired   TradeStatus = "expired"
	TradeStatusExercised TradeStatus = "exercised"
)

// InstrumentKind distinguishes a Subscription's underlying instrument.
type InstrumentKind string

const (
	InstrumentStock  InstrumentKind = "stock"
	InstrumentOption InstrumentKind = "option"
)

// OrderRecord is one row of the order ledger.
type OrderRecord struct {
	ID            int64
	BrokerOrderID string // numeric string when broker-assigned; "" when local-only
	Symbol        string // OCC-style for options
	Side          Side
	Quantity      float64
	OrderType     OrderType
	LimitPrice    *float64
	ParentID      *int64 // bracket child -> parent link
	Status        OrderStatus
	SubmittedAt   time.Time
	FilledAt      *time.Time
	FillPrice     *float64
	PaperTradeID  *int64
}

// IsNumericBrokerID reports whether the broker order id can be used as a cancel target.
func (o OrderRecord) IsNumericBrokerID() bool {
	if o.BrokerOrderID == "" {
		return false
	}
	for _, r := range o.BrokerOrderID {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// OptionLeg describes one leg of a PaperTrade.
type OptionLeg struct {
	Strike       float64
	Type         OptionType
	Premium      float64
	Conid        *int64
	EntryDelta   *float64
}

// AssignmentDetails records the outcome of the assignment-liquidation workflow.
type AssignmentDetails struct {
	DetectedAt    time.Time
	Shares        float64
	AttemptCount  int
	LastLimitSent *float64
	Resolved      bool
}

// PaperTrade is a logical option position tracked by the system.
type PaperTrade struct {
	ID             int64
	UserID         string
	Symbol         string // underlying
	Strategy       string
	Bias           string
	Contracts      int
	Legs           []OptionLeg
	EntryPremium   float64
	Expiration     time.Time // calendar date, ET
	Status         TradeStatus
	ExitPrice      *float64
	ExitReason     string
	RealizedPnL    *float64
	Assignment     *AssignmentDetails
	CreatedAt      time.Time
	ClosedAt       *time.Time
	Source         string
}

// NavSnapshotType distinguishes opening vs closing NAV reads.
type NavSnapshotType string

const (
	NavSnapshotOpening NavSnapshotType = "opening"
	NavSnapshotClosing NavSnapshotType = "closing"
)

// NavSnapshot is one (date, type, user) NAV reading.
type NavSnapshot struct {
	Date     string // ET calendar day, YYYY-MM-DD
	Type     NavSnapshotType
	NAV      float64
	UserID   string
}

// JobOutcome is the terminal state of a JobRun.
type JobOutcome string

const (
	JobOutcomeSuccess JobOutcome = "success"
	JobOutcomeFailed  JobOutcome = "failed"
	JobOutcomeSkipped JobOutcome = "skipped"
)

// JobRun is a durable record of one significant job execution.
// Routine "nothing happened" ticks are not persisted (see scheduler.JobResult.Aggregated).
type JobRun struct {
	ID        int64
	JobID     string
	StartedAt time.Time
	EndedAt   time.Time
	Outcome   JobOutcome
	Reason    string
	Data      map[string]any
}

// MarketDataEntry is one conid's cached last-known tick.
type MarketDataEntry struct {
	Conid     int
	Last      *float64
	Bid       *float64
	Ask       *float64
	DayHigh   *float64
	DayLow    *float64
	Open      *float64
	PrevClose *float64
	Delta     *float64
	Gamma     *float64
	Theta     *float64
	Vega      *float64
	IV        *float64
	OpenInt   *float64
	Timestamp time.Time
}

// IsFresh reports whether the entry was updated within maxAge.
func (e MarketDataEntry) IsFresh(maxAge time.Duration) bool {
	if e.Timestamp.IsZero() {
		return false
	}
	return time.Since(e.Timestamp) < maxAge
}

// Subscription is one WS streamer subscription.
type Subscription struct {
	Conid  int
	Symbol string
	Kind   InstrumentKind
	Fields []string
}
