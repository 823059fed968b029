package broker

import "time"

// Phase is the coarse lifecycle state of a Session.
type Phase string

const (
	PhaseDisconnected  Phase = "disconnected"
	PhaseAuthenticating Phase = "authenticating"
	PhaseConnected     Phase = "connected"
	PhaseStreaming     Phase = "streaming"
	PhaseStale         Phase = "stale"
	PhaseError         Phase = "error"
)

// StepRecord is the last observed outcome of one handshake step.
type StepRecord struct {
	Status    int       `json:"status"`
	Timestamp time.Time `json:"ts"`
	RequestID string    `json:"requestId"`
}

// Diagnostics is the read-only phase snapshot exposed to the HTTP surface.
type Diagnostics struct {
	Phase           Phase      `json:"phase"`
	OAuth           StepRecord `json:"oauth"`
	SSO             StepRecord `json:"sso"`
	Validate        StepRecord `json:"validate"`
	Init            StepRecord `json:"init"`
	SessionReady    bool       `json:"sessionReady"`
	AccountSelected bool       `json:"accountSelected"`
	LastInit        time.Time  `json:"lastInit"`
	LastValidate    time.Time  `json:"lastValidate"`
}

// GetDiagnostics returns a read-only snapshot of the handshake state.
func (s *Session) GetDiagnostics() Diagnostics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Diagnostics{
		Phase:           s.phase,
		OAuth:           s.oauthStep,
		SSO:             s.ssoStep,
		Validate:        s.validateStep,
		Init:            s.initStep,
		SessionReady:    s.sessionReady,
		AccountSelected: s.accountSelected,
		LastInit:        s.lastInit,
		LastValidate:    s.lastValidate,
	}
}
