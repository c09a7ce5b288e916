package repository

import (
	"context"
	"errors"

	"vending-service/internal/models"
)

// ErrSessionNotFound is returned when a session id or third_id resolves
// to nothing.
var ErrSessionNotFound = errors.New("session not found")

// SessionStore is the durable record of vending sessions. Implementations
// must be safe for concurrent use; linearization per session is the
// caller's responsibility (SessionService holds a per-session lock around
// read-modify-write cycles).
type SessionStore interface {
	Create(ctx context.Context, session *models.VendingSession) error
	Get(ctx context.Context, sessionID string) (*models.VendingSession, error)
	Update(ctx context.Context, session *models.VendingSession) error
	Delete(ctx context.Context, sessionID string) error

	// FindByThirdID resolves the payment correlation id recorded in
	// payment_data back to its owning session. Used by the manufacturer
	// callback path.
	FindByThirdID(ctx context.Context, thirdID string) (*models.VendingSession, error)

	// ListByMachine returns all sessions bound to a kiosk, newest first
	// not guaranteed.
	ListByMachine(ctx context.Context, machineID string) ([]*models.VendingSession, error)

	// ListNonTerminal returns ids of sessions that have not reached a
	// terminal state. Feeds the expiry sweep.
	ListNonTerminal(ctx context.Context) ([]string, error)
}
