package models

import "time"

// Session lifecycle event types published to Kafka.
const (
	EventSessionCreated       = "session_created"
	EventStatusChanged        = "status_changed"
	EventSessionExpired       = "session_expired"
	EventPaymentRegistered    = "payment_registered"
	EventOrderSubmitted       = "order_submitted"
	EventReconciliationFailed = "reconciliation_failed"
	EventCallbackCompleted    = "callback_completed"
)

// SessionEvent is the wire payload for session lifecycle events.
type SessionEvent struct {
	EventID    string            `json:"event_id"`
	Type       string            `json:"type"`
	SessionID  string            `json:"session_id"`
	MachineID  string            `json:"machine_id"`
	OccurredAt time.Time         `json:"occurred_at"`
	Detail     map[string]string `json:"detail,omitempty"`
}

// ReconciliationAudit is one archived reconciliation outcome, written to
// ClickHouse for incident forensics of the manufacturer consistency race.
type ReconciliationAudit struct {
	SessionID        string
	MachineID        string
	ThirdID          string
	ChinesePaymentID string
	Attempts         int
	Outcome          string
	ErrorDetail      string
	DurationMs       int64
	CompletedAt      time.Time
}
