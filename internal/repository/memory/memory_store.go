package memory

import (
	"context"
	"encoding/json"
	"sync"

	"vending-service/internal/models"
	"vending-service/internal/repository"
)

// SessionStore is an in-memory SessionStore. Used in tests and for
// single-instance development without Redis.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.VendingSession
	byThird  map[string]string
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*models.VendingSession),
		byThird:  make(map[string]string),
	}
}

// clone copies a session so callers never share the stored value.
func clone(s *models.VendingSession) *models.VendingSession {
	out := *s
	if s.PaymentData != nil {
		pd := *s.PaymentData
		out.PaymentData = &pd
	}
	if s.OrderPayload != nil {
		out.OrderPayload = append(json.RawMessage(nil), s.OrderPayload...)
	}
	return &out
}

func (m *SessionStore) Create(_ context.Context, session *models.VendingSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.SessionID] = clone(session)
	return nil
}

func (m *SessionStore) Get(_ context.Context, sessionID string) (*models.VendingSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, repository.ErrSessionNotFound
	}
	return clone(session), nil
}

func (m *SessionStore) Update(_ context.Context, session *models.VendingSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[session.SessionID]; !ok {
		return repository.ErrSessionNotFound
	}
	m.sessions[session.SessionID] = clone(session)
	if session.PaymentData != nil && session.PaymentData.ThirdID != "" {
		m.byThird[session.PaymentData.ThirdID] = session.SessionID
	}
	return nil
}

func (m *SessionStore) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return repository.ErrSessionNotFound
	}
	if session.PaymentData != nil {
		delete(m.byThird, session.PaymentData.ThirdID)
	}
	delete(m.sessions, sessionID)
	return nil
}

func (m *SessionStore) FindByThirdID(_ context.Context, thirdID string) (*models.VendingSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sessionID, ok := m.byThird[thirdID]
	if !ok {
		return nil, repository.ErrSessionNotFound
	}
	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, repository.ErrSessionNotFound
	}
	return clone(session), nil
}

func (m *SessionStore) ListByMachine(_ context.Context, machineID string) ([]*models.VendingSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.VendingSession
	for _, session := range m.sessions {
		if session.MachineID == machineID {
			out = append(out, clone(session))
		}
	}
	return out, nil
}

func (m *SessionStore) ListNonTerminal(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for id, session := range m.sessions {
		if !session.Status.Terminal() {
			out = append(out, id)
		}
	}
	return out, nil
}
