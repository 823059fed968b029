package events

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// EventType represents different event types.
type EventType string

const (
	SessionAuthenticated EventType = "SESSION_AUTHENTICATED"
	SessionRefreshed     EventType = "SESSION_REFRESHED"
	SessionLost          EventType = "SESSION_LOST"
	SessionGoneAlert     EventType = "SESSION_GONE_ALERT"

	SubscriptionRestored EventType = "SUBSCRIPTION_RESTORED"
	StreamerReconnected  EventType = "STREAMER_RECONNECTED"
	StreamerDisconnected EventType = "STREAMER_DISCONNECTED"

	OrderSubmitted  EventType = "ORDER_SUBMITTED"
	OrderFilled     EventType = "ORDER_FILLED"
	OrderRejected   EventType = "ORDER_REJECTED"
	OrderCancelled  EventType = "ORDER_CANCELLED"

	PositionClosed     EventType = "POSITION_CLOSED"
	PositionAssigned   EventType = "POSITION_ASSIGNED"
	ZeroDTEForceClose  EventType = "ZERO_DTE_FORCE_CLOSE"

	JobStarted  EventType = "JOB_STARTED"
	JobFailed   EventType = "JOB_FAILED"
	JobSkipped  EventType = "JOB_SKIPPED"

	ErrorOccurred EventType = "ERROR_OCCURRED"
)

// Event represents a system event.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Module    string                 `json:"module"`
}

// Manager handles event emission and logging.
type Manager struct {
	log zerolog.Logger
}

// NewManager creates a new event manager.
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{
		log: log.With().Str("service", "events").Logger(),
	}
}

// Emit emits an event.
func (m *Manager) Emit(eventType EventType, module string, data map[string]interface{}) {
	event := Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
		Module:    module,
	}

	eventJSON, _ := json.Marshal(event)
	m.log.Info().
		Str("event_type", string(eventType)).
		Str("module", module).
		RawJSON("event", eventJSON).
		Msg("event emitted")
}

// EmitError emits an error event.
func (m *Manager) EmitError(module string, err error, context map[string]interface{}) {
	data := map[string]interface{}{
		"error":   err.Error(),
		"context": context,
	}
	m.Emit(ErrorOccurred, module, data)
}
