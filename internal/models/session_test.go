package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from    SessionStatus
		to      SessionStatus
		allowed bool
	}{
		{StatusActive, StatusDesigning, true},
		{StatusActive, StatusCancelled, true},
		{StatusActive, StatusExpired, true},
		{StatusActive, StatusPaymentPending, false},
		{StatusActive, StatusPaymentCompleted, false},
		{StatusDesigning, StatusPaymentPending, true},
		{StatusDesigning, StatusActive, false},
		{StatusDesigning, StatusPaymentCompleted, false},
		{StatusPaymentPending, StatusPaymentCompleted, true},
		{StatusPaymentPending, StatusDesigning, false},
		{StatusPaymentCompleted, StatusCancelled, false},
		{StatusPaymentCompleted, StatusExpired, false},
		{StatusCancelled, StatusActive, false},
		{StatusExpired, StatusPaymentCompleted, false},
	}

	for _, tc := range cases {
		got := tc.from.CanTransitionTo(tc.to)
		assert.Equal(t, tc.allowed, got, "%s -> %s", tc.from, tc.to)
	}
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusActive.Terminal())
	assert.False(t, StatusDesigning.Terminal())
	assert.False(t, StatusPaymentPending.Terminal())
	assert.True(t, StatusPaymentCompleted.Terminal())
	assert.True(t, StatusExpired.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}

func TestStatusPublic(t *testing.T) {
	assert.Equal(t, PublicWaiting, StatusActive.Public())
	assert.Equal(t, PublicWaiting, StatusDesigning.Public())
	assert.Equal(t, PublicProcessing, StatusPaymentPending.Public())
	assert.Equal(t, PublicCompleted, StatusPaymentCompleted.Public())
	assert.Equal(t, PublicFailed, StatusExpired.Public())
	assert.Equal(t, PublicFailed, StatusCancelled.Public())
}

func TestIsExpired(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	session := &VendingSession{
		Status:    StatusActive,
		ExpiresAt: now.Add(-time.Minute),
	}
	assert.True(t, session.IsExpired(now))

	session.ExpiresAt = now.Add(time.Minute)
	assert.False(t, session.IsExpired(now))

	// Terminal sessions never report expired, even past their deadline.
	session.Status = StatusPaymentCompleted
	session.ExpiresAt = now.Add(-time.Hour)
	assert.False(t, session.IsExpired(now))
}

func TestViewOmitsInternalDetail(t *testing.T) {
	pd := &PaymentData{
		ThirdID:          "PY250601123456",
		ChinesePaymentID: "88421",
		QueueNo:          "A17",
	}

	completed := &VendingSession{
		SessionID:   "VM001_20250601_120000_AB12CD34",
		MachineID:   "VM001",
		Status:      StatusPaymentCompleted,
		PaymentData: pd,
	}
	view := completed.View()
	assert.Equal(t, PublicCompleted, view.Status)
	assert.Equal(t, "A17", view.QueueNo)
	assert.Empty(t, view.PaymentRef)

	// A failed session surfaces payment references for support lookups.
	failed := &VendingSession{
		SessionID:   "VM001_20250601_120000_AB12CD34",
		MachineID:   "VM001",
		Status:      StatusCancelled,
		PaymentData: pd,
	}
	view = failed.View()
	assert.Equal(t, PublicFailed, view.Status)
	assert.Equal(t, "PY250601123456", view.PaymentRef)
	assert.Equal(t, "88421", view.ManufacturerRef)
	assert.Empty(t, view.QueueNo)

	// No payment data attached yet: no references leak.
	pending := &VendingSession{Status: StatusPaymentPending}
	view = pending.View()
	assert.Equal(t, PublicProcessing, view.Status)
	assert.Empty(t, view.PaymentRef)
	assert.Empty(t, view.ManufacturerRef)
}
