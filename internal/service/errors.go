package service

import (
	"errors"
	"fmt"
)

var (
	ErrValidation          = errors.New("invalid input")
	ErrInvalidTransition   = errors.New("invalid session transition")
	ErrSessionExpired      = errors.New("session expired")
	ErrMachineSessionLimit = errors.New("machine session limit exceeded")
	ErrCounterDrift        = errors.New("machine counter drift detected")
	ErrPaymentDataSet      = errors.New("payment data already set")
)

// ReconciliationFailure is surfaced when the manufacturer handshake
// exhausted its retries. It carries the payment references so a human or
// the inbound callback can finish the order later without double-charging.
type ReconciliationFailure struct {
	SessionID        string
	ThirdID          string
	ChinesePaymentID string
	Attempts         int
	Err              error
}

func (e *ReconciliationFailure) Error() string {
	return fmt.Sprintf("reconciliation failed for session %s after %d attempts (third_id=%s payment_id=%s): %v",
		e.SessionID, e.Attempts, e.ThirdID, e.ChinesePaymentID, e.Err)
}

func (e *ReconciliationFailure) Unwrap() error { return e.Err }
