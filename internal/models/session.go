package models

import (
	"encoding/json"
	"time"
)

// SessionStatus is the lifecycle state of a vending session.
type SessionStatus string

const (
	StatusActive           SessionStatus = "active"
	StatusDesigning        SessionStatus = "designing"
	StatusPaymentPending   SessionStatus = "payment_pending"
	StatusPaymentCompleted SessionStatus = "payment_completed"
	StatusExpired          SessionStatus = "expired"
	StatusCancelled        SessionStatus = "cancelled"
)

// transitions is the forward-only state machine. Expiry and cancellation
// are reachable from every non-terminal state.
var transitions = map[SessionStatus][]SessionStatus{
	StatusActive:         {StatusDesigning, StatusCancelled, StatusExpired},
	StatusDesigning:      {StatusPaymentPending, StatusCancelled, StatusExpired},
	StatusPaymentPending: {StatusPaymentCompleted, StatusCancelled, StatusExpired},
}

// Valid reports whether s is a known status value.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusActive, StatusDesigning, StatusPaymentPending,
		StatusPaymentCompleted, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether s is a final state.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusPaymentCompleted, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether target is reachable from s in one step.
func (s SessionStatus) CanTransitionTo(target SessionStatus) bool {
	for _, next := range transitions[s] {
		if next == target {
			return true
		}
	}
	return false
}

// Kiosk-visible status values.
const (
	PublicWaiting    = "waiting"
	PublicProcessing = "processing"
	PublicCompleted  = "completed"
	PublicFailed     = "failed"
)

// Public maps internal statuses onto the four states the kiosk sees.
func (s SessionStatus) Public() string {
	switch s {
	case StatusActive, StatusDesigning:
		return PublicWaiting
	case StatusPaymentPending:
		return PublicProcessing
	case StatusPaymentCompleted:
		return PublicCompleted
	case StatusExpired, StatusCancelled:
		return PublicFailed
	}
	return "unknown"
}

// PaymentData is written once per session by the reconciliation flow and
// read-only thereafter.
type PaymentData struct {
	ThirdID          string     `json:"third_id"`
	ChinesePaymentID string     `json:"chinese_payment_id"`
	Amount           int64      `json:"amount"`
	Currency         string     `json:"currency"`
	OrderID          string     `json:"order_id,omitempty"`
	OrderThirdID     string     `json:"order_third_id,omitempty"`
	QueueNo          string     `json:"queue_no,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// VendingSession is the durable record of a kiosk session.
type VendingSession struct {
	SessionID      string          `json:"session_id"`
	MachineID      string          `json:"machine_id"`
	Status         SessionStatus   `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
	LastActivityAt time.Time       `json:"last_activity_at"`
	OrderPayload   json.RawMessage `json:"order_payload,omitempty"`
	PaymentData    *PaymentData    `json:"payment_data,omitempty"`
	ClientIP       string          `json:"client_ip,omitempty"`
	UserAgent      string          `json:"user_agent,omitempty"`
}

// IsExpired reports whether the session has passed its expiry and has not
// yet reached a terminal state.
func (s *VendingSession) IsExpired(now time.Time) bool {
	return !s.Status.Terminal() && now.After(s.ExpiresAt)
}

// SessionView is the kiosk-facing projection of a session. Internal retry
// and reconciliation detail never appears here; on failure the payment
// reference is included so the customer can contact support.
type SessionView struct {
	SessionID       string    `json:"session_id"`
	MachineID       string    `json:"machine_id"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	QueueNo         string    `json:"queue_no,omitempty"`
	PaymentRef      string    `json:"payment_ref,omitempty"`
	ManufacturerRef string    `json:"manufacturer_ref,omitempty"`
}

// View builds the public projection of the session.
func (s *VendingSession) View() *SessionView {
	view := &SessionView{
		SessionID: s.SessionID,
		MachineID: s.MachineID,
		Status:    s.Status.Public(),
		CreatedAt: s.CreatedAt,
		ExpiresAt: s.ExpiresAt,
	}
	if s.PaymentData != nil {
		if s.Status == StatusPaymentCompleted {
			view.QueueNo = s.PaymentData.QueueNo
		} else if s.Status.Terminal() {
			view.PaymentRef = s.PaymentData.ThirdID
			view.ManufacturerRef = s.PaymentData.ChinesePaymentID
		}
	}
	return view
}

// OrderSummary is the bounded order payload the kiosk submits before
// payment. Pic must be a durable, publicly fetchable image URL.
type OrderSummary struct {
	MobileModelID string `json:"mobile_model_id"`
	Pic           string `json:"pic"`
	PayAmount     int64  `json:"pay_amount"`
	Currency      string `json:"currency,omitempty"`
}
