package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"vending-service/internal/client"
	"vending-service/internal/models"
	"vending-service/internal/repository"
	"vending-service/internal/util"
)

const (
	sessionPrefix       = "vending_session:"
	thirdIDPrefix       = "vending_third:"
	machineSetPrefix    = "vending_machine_sessions:"
	nonTerminalSetKey   = "vending_nonterminal"
	terminalGracePeriod = 24 * time.Hour
	opTimeout           = 5 * time.Second
)

// SessionStore persists vending sessions in Redis. Terminal sessions are
// kept for a grace period so late callbacks and support lookups still
// resolve, then fall out via key TTL.
type SessionStore struct {
	client *client.RedisClient
}

func NewSessionStore(client *client.RedisClient) *SessionStore {
	return &SessionStore{client: client}
}

func (s *SessionStore) Create(ctx context.Context, session *models.VendingSession) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, sessionPrefix+session.SessionID, data, s.keyTTL(session))
	pipe.SAdd(ctx, machineSetPrefix+session.MachineID, session.SessionID)
	pipe.SAdd(ctx, nonTerminalSetKey, session.SessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to create session",
			zap.String("session_id", session.SessionID),
			zap.Error(err))
		return fmt.Errorf("failed to create session: %w", err)
	}

	util.Debug("Session created",
		zap.String("session_id", session.SessionID),
		zap.String("machine_id", session.MachineID))
	return nil
}

func (s *SessionStore) Get(ctx context.Context, sessionID string) (*models.VendingSession, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	data, err := s.client.Get(ctx, sessionPrefix+sessionID)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, repository.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var session models.VendingSession
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}

func (s *SessionStore) Update(ctx context.Context, session *models.VendingSession) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, sessionPrefix+session.SessionID, data, s.keyTTL(session))
	if session.PaymentData != nil && session.PaymentData.ThirdID != "" {
		pipe.Set(ctx, thirdIDPrefix+session.PaymentData.ThirdID, session.SessionID, s.keyTTL(session))
	}
	if session.Status.Terminal() {
		pipe.SRem(ctx, nonTerminalSetKey, session.SessionID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to update session",
			zap.String("session_id", session.SessionID),
			zap.Error(err))
		return fmt.Errorf("failed to update session: %w", err)
	}
	return nil
}

func (s *SessionStore) Delete(ctx context.Context, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, sessionPrefix+sessionID)
	pipe.SRem(ctx, machineSetPrefix+session.MachineID, sessionID)
	pipe.SRem(ctx, nonTerminalSetKey, sessionID)
	if session.PaymentData != nil && session.PaymentData.ThirdID != "" {
		pipe.Del(ctx, thirdIDPrefix+session.PaymentData.ThirdID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	util.Info("Session deleted", zap.String("session_id", sessionID))
	return nil
}

func (s *SessionStore) FindByThirdID(ctx context.Context, thirdID string) (*models.VendingSession, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	sessionID, err := s.client.Get(ctx, thirdIDPrefix+thirdID)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, repository.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to resolve third_id: %w", err)
	}
	return s.Get(ctx, sessionID)
}

func (s *SessionStore) ListByMachine(ctx context.Context, machineID string) ([]*models.VendingSession, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	ids, err := s.client.SMembers(ctx, machineSetPrefix+machineID)
	if err != nil {
		return nil, fmt.Errorf("failed to list machine sessions: %w", err)
	}

	sessions := make([]*models.VendingSession, 0, len(ids))
	var stale []interface{}
	for _, id := range ids {
		session, err := s.Get(ctx, id)
		if errors.Is(err, repository.ErrSessionNotFound) {
			// Row expired out from under the index; clean up lazily.
			stale = append(stale, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if len(stale) > 0 {
		_ = s.client.SRem(ctx, machineSetPrefix+machineID, stale...)
	}
	return sessions, nil
}

func (s *SessionStore) ListNonTerminal(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	ids, err := s.client.SMembers(ctx, nonTerminalSetKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list non-terminal sessions: %w", err)
	}

	live := make([]string, 0, len(ids))
	var stale []interface{}
	for _, id := range ids {
		exists, err := s.client.Exists(ctx, sessionPrefix+id)
		if err != nil {
			return nil, fmt.Errorf("failed to check session row: %w", err)
		}
		if !exists {
			// Row TTL-evicted while the sweeper was down; drop the orphan
			// so the set stays bounded.
			stale = append(stale, id)
			continue
		}
		live = append(live, id)
	}
	if len(stale) > 0 {
		_ = s.client.SRem(ctx, nonTerminalSetKey, stale...)
	}
	return live, nil
}

// keyTTL bounds row growth: live sessions persist until well past expiry,
// terminal sessions for the support-lookup grace period.
func (s *SessionStore) keyTTL(session *models.VendingSession) time.Duration {
	if session.Status.Terminal() {
		return terminalGracePeriod
	}
	ttl := time.Until(session.ExpiresAt) + terminalGracePeriod
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return ttl
}
