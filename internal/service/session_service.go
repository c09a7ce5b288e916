package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"

	"vending-service/internal/config"
	"vending-service/internal/counter"
	"vending-service/internal/events"
	"vending-service/internal/limiter"
	"vending-service/internal/models"
	"vending-service/internal/repository"
	"vending-service/internal/util"
)

const lockStripes = 64

// SessionService owns the vending session lifecycle: creation gated by
// the rate limiter and the per-machine ceiling, forward-only state
// transitions, lazy expiry and the background sweep.
//
// Transitions for one session are linearized by a striped per-session
// lock. The lock covers only store bookkeeping; it is never held across
// manufacturer I/O.
type SessionService struct {
	store     repository.SessionStore
	counter   counter.MachineCounter
	guard     limiter.Guard
	publisher *events.Publisher
	clock     Clock
	cfg       config.SessionConfig
	logger    *zap.Logger

	locks [lockStripes]sync.Mutex
	reads atomic.Uint64
}

func NewSessionService(
	store repository.SessionStore,
	machineCounter counter.MachineCounter,
	guard limiter.Guard,
	publisher *events.Publisher,
	cfg config.SessionConfig,
	clock Clock,
	logger *zap.Logger,
) *SessionService {
	if clock == nil {
		clock = SystemClock
	}
	return &SessionService{
		store:     store,
		counter:   machineCounter,
		guard:     guard,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

func (s *SessionService) lockFor(sessionID string) *sync.Mutex {
	return &s.locks[murmur3.Sum32([]byte(sessionID))%lockStripes]
}

// CreateSession opens a new kiosk session. The machine slot is reserved
// atomically against the ceiling before the session row is written; if
// the write fails the slot is returned.
func (s *SessionService) CreateSession(ctx context.Context, machineID, clientIP, userAgent string) (*models.VendingSession, error) {
	machineID, ok := util.SanitizeMachineID(machineID)
	if !ok {
		s.recordFailure(ctx, clientIP)
		return nil, fmt.Errorf("%w: malformed machine id", ErrValidation)
	}
	if util.ContainsSuspicious(userAgent) {
		s.recordFailure(ctx, clientIP)
		return nil, fmt.Errorf("%w: suspicious client metadata", ErrValidation)
	}

	if clientIP != "" {
		blockedFor, err := s.guard.IsBlocked(ctx, clientIP)
		if err != nil {
			return nil, fmt.Errorf("failed to check abuse block: %w", err)
		}
		if blockedFor > 0 {
			return nil, &limiter.BlockedError{RetryAfter: blockedFor}
		}
		if err := s.guard.CheckAndRecord(ctx, clientIP, limiter.BucketIPSessionCreate); err != nil {
			return nil, err
		}
	}
	if err := s.guard.CheckAndRecord(ctx, machineID, limiter.BucketMachineCreate); err != nil {
		return nil, err
	}

	acquired, err := s.counter.TryAcquire(ctx, machineID, s.cfg.MachineCeiling)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve machine slot: %w", err)
	}
	if !acquired {
		return nil, ErrMachineSessionLimit
	}

	now := s.clock.Now()
	session := &models.VendingSession{
		SessionID:      buildSessionID(machineID, now),
		MachineID:      machineID,
		Status:         models.StatusActive,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.cfg.TTL),
		LastActivityAt: now,
		ClientIP:       clientIP,
		UserAgent:      util.SanitizeMetadata(userAgent),
	}

	if err := s.store.Create(ctx, session); err != nil {
		if relErr := s.counter.Release(ctx, machineID); relErr != nil {
			s.logger.Error("Failed to release machine slot after create failure",
				util.String("machine_id", machineID),
				util.ErrorField(relErr))
		}
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	s.recordSuccess(ctx, clientIP)
	s.publisher.Publish(ctx, models.EventSessionCreated, session.SessionID, machineID, nil)
	s.logger.Info("Session created",
		util.String("session_id", session.SessionID),
		util.String("machine_id", machineID))
	return session, nil
}

// buildSessionID produces MACHINE_yyyyMMdd_HHmmss_HEX8.
func buildSessionID(machineID string, now time.Time) string {
	hex8 := strings.ToUpper(uuid.NewString()[:8])
	return fmt.Sprintf("%s_%s_%s", machineID, now.Format("20060102_150405"), hex8)
}

// Transition moves a session to target. Re-entering the current status
// is a no-op; unreachable targets fail with ErrInvalidTransition and
// leave state unchanged.
func (s *SessionService) Transition(ctx context.Context, sessionID string, target models.SessionStatus, payload json.RawMessage) (*models.VendingSession, error) {
	if !target.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, target)
	}
	mu := s.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()
	return s.transitionLocked(ctx, sessionID, target, payload)
}

func (s *SessionService) transitionLocked(ctx context.Context, sessionID string, target models.SessionStatus, payload json.RawMessage) (*models.VendingSession, error) {
	session, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if session.IsExpired(now) {
		if err := s.expireLocked(ctx, session); err != nil {
			return nil, err
		}
		if target == models.StatusExpired {
			return session, nil
		}
		return nil, ErrSessionExpired
	}

	if session.Status == target {
		return session, nil
	}
	if !session.Status.CanTransitionTo(target) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, session.Status, target)
	}

	from := session.Status
	session.Status = target
	session.LastActivityAt = now
	if payload != nil {
		session.OrderPayload = payload
	}

	if err := s.store.Update(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to persist transition: %w", err)
	}
	if target.Terminal() {
		s.releaseSlot(ctx, session.MachineID)
	}

	s.publisher.Publish(ctx, models.EventStatusChanged, sessionID, session.MachineID,
		map[string]string{"from": string(from), "to": string(target)})
	return session, nil
}

// expireLocked terminalizes an overdue session and frees its machine
// slot. Caller holds the session's stripe lock, which is what makes the
// decrement exactly-once under concurrent reads.
func (s *SessionService) expireLocked(ctx context.Context, session *models.VendingSession) error {
	from := session.Status
	session.Status = models.StatusExpired
	if err := s.store.Update(ctx, session); err != nil {
		// Leave the slot held: releasing without the durable state flip
		// would let the machine exceed its ceiling.
		session.Status = from
		return fmt.Errorf("failed to persist expiry: %w", err)
	}
	s.releaseSlot(ctx, session.MachineID)
	s.publisher.Publish(ctx, models.EventSessionExpired, session.SessionID, session.MachineID, nil)
	s.logger.Info("Session expired",
		util.String("session_id", session.SessionID),
		util.String("machine_id", session.MachineID))
	return nil
}

// recordFailure feeds the guard's abuse tracker. Guard errors are logged
// and swallowed; abuse accounting never fails a kiosk request.
func (s *SessionService) recordFailure(ctx context.Context, clientIP string) {
	if clientIP == "" {
		return
	}
	if err := s.guard.RecordFailure(ctx, clientIP); err != nil {
		s.logger.Warn("Failed to record client failure",
			util.String("client_ip", clientIP),
			util.ErrorField(err))
	}
}

func (s *SessionService) recordSuccess(ctx context.Context, clientIP string) {
	if clientIP == "" {
		return
	}
	if err := s.guard.RecordSuccess(ctx, clientIP); err != nil {
		s.logger.Warn("Failed to clear client failure history",
			util.String("client_ip", clientIP),
			util.ErrorField(err))
	}
}

func (s *SessionService) releaseSlot(ctx context.Context, machineID string) {
	if err := s.counter.Release(ctx, machineID); err != nil {
		s.logger.Error("Failed to release machine slot",
			util.String("machine_id", machineID),
			util.ErrorField(err))
	}
}

// GetStatus is the kiosk read path. It never mutates state except lazy
// expiry marking, and samples a background sweep on a fraction of reads.
// Probing unknown session ids counts against the caller's failure budget.
func (s *SessionService) GetStatus(ctx context.Context, sessionID, clientIP string) (*models.SessionView, error) {
	if clientIP != "" {
		blockedFor, err := s.guard.IsBlocked(ctx, clientIP)
		if err != nil {
			return nil, fmt.Errorf("failed to check abuse block: %w", err)
		}
		if blockedFor > 0 {
			return nil, &limiter.BlockedError{RetryAfter: blockedFor}
		}
		if err := s.guard.CheckAndRecord(ctx, clientIP, limiter.BucketIPSessionStatus); err != nil {
			return nil, err
		}
	}
	s.maybeSampleSweep()

	mu := s.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	session, err := s.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			s.recordFailure(ctx, clientIP)
		}
		return nil, err
	}
	if session.IsExpired(s.clock.Now()) {
		if err := s.expireLocked(ctx, session); err != nil {
			return nil, err
		}
	}
	s.recordSuccess(ctx, clientIP)
	return session.View(), nil
}

// PollOnce is GetStatus without the IP bucket, for the in-process poller.
func (s *SessionService) PollOnce(ctx context.Context, sessionID string) (*models.SessionView, error) {
	return s.GetStatus(ctx, sessionID, "")
}

// GetSession returns the full session record. Internal callers only.
func (s *SessionService) GetSession(ctx context.Context, sessionID string) (*models.VendingSession, error) {
	return s.store.Get(ctx, sessionID)
}

// FindByThirdID resolves a payment correlation id to its session.
func (s *SessionService) FindByThirdID(ctx context.Context, thirdID string) (*models.VendingSession, error) {
	return s.store.FindByThirdID(ctx, thirdID)
}

// ReportDesigning records that the kiosk customer started designing.
func (s *SessionService) ReportDesigning(ctx context.Context, sessionID string) (*models.VendingSession, error) {
	if err := s.guard.CheckAndRecord(ctx, sessionID, limiter.BucketSessionActivity); err != nil {
		return nil, err
	}
	return s.Transition(ctx, sessionID, models.StatusDesigning, nil)
}

// SubmitOrderSummary validates the bounded order payload and advances
// the session to payment_pending. A session still in active is walked
// through designing first.
func (s *SessionService) SubmitOrderSummary(ctx context.Context, sessionID string, payload []byte) (*models.VendingSession, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty order payload", ErrValidation)
	}
	if len(payload) > s.cfg.MaxOrderPayloadBytes {
		return nil, fmt.Errorf("%w: order payload exceeds %d bytes", ErrValidation, s.cfg.MaxOrderPayloadBytes)
	}

	var summary models.OrderSummary
	if err := json.Unmarshal(payload, &summary); err != nil {
		return nil, fmt.Errorf("%w: malformed order payload: %v", ErrValidation, err)
	}
	if summary.MobileModelID == "" {
		return nil, fmt.Errorf("%w: missing mobile_model_id", ErrValidation)
	}
	if summary.PayAmount <= 0 {
		return nil, fmt.Errorf("%w: pay_amount must be positive", ErrValidation)
	}
	if summary.Pic == "" {
		return nil, fmt.Errorf("%w: missing pic url", ErrValidation)
	}

	if err := s.guard.CheckAndRecord(ctx, sessionID, limiter.BucketSessionActivity); err != nil {
		return nil, err
	}

	mu := s.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	session, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status == models.StatusActive {
		if _, err := s.transitionLocked(ctx, sessionID, models.StatusDesigning, nil); err != nil {
			return nil, err
		}
	}
	return s.transitionLocked(ctx, sessionID, models.StatusPaymentPending, payload)
}

// Cancel explicitly terminates a session.
func (s *SessionService) Cancel(ctx context.Context, sessionID string) (*models.VendingSession, error) {
	return s.Transition(ctx, sessionID, models.StatusCancelled, nil)
}

// AttachPaymentData records the manufacturer payment registration. The
// record is write-once per session.
func (s *SessionService) AttachPaymentData(ctx context.Context, sessionID string, pd *models.PaymentData) (*models.VendingSession, error) {
	mu := s.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	session, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.PaymentData != nil && session.PaymentData.ChinesePaymentID != "" {
		return nil, ErrPaymentDataSet
	}

	session.PaymentData = pd
	session.LastActivityAt = s.clock.Now()
	if err := s.store.Update(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to persist payment data: %w", err)
	}

	s.publisher.Publish(ctx, models.EventPaymentRegistered, sessionID, session.MachineID,
		map[string]string{"third_id": pd.ThirdID, "payment_id": pd.ChinesePaymentID})
	return session, nil
}

// CompleteOrder moves a session to payment_completed with the submitted
// order references.
func (s *SessionService) CompleteOrder(ctx context.Context, sessionID, orderID, orderThirdID, queueNo string) (*models.VendingSession, error) {
	mu := s.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	session, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status == models.StatusPaymentCompleted {
		return session, nil
	}
	if !session.Status.CanTransitionTo(models.StatusPaymentCompleted) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, session.Status, models.StatusPaymentCompleted)
	}

	now := s.clock.Now()
	if session.PaymentData == nil {
		session.PaymentData = &models.PaymentData{}
	}
	session.PaymentData.OrderID = orderID
	session.PaymentData.OrderThirdID = orderThirdID
	session.PaymentData.QueueNo = queueNo
	session.PaymentData.CompletedAt = &now
	session.Status = models.StatusPaymentCompleted
	session.LastActivityAt = now

	if err := s.store.Update(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to persist order completion: %w", err)
	}
	s.releaseSlot(ctx, session.MachineID)

	s.publisher.Publish(ctx, models.EventOrderSubmitted, sessionID, session.MachineID,
		map[string]string{"order_id": orderID, "queue_no": queueNo})
	s.logger.Info("Session completed",
		util.String("session_id", sessionID),
		util.String("order_id", orderID),
		util.String("queue_no", queueNo))
	return session, nil
}

// CompleteFromCallback applies an authoritative manufacturer confirmation.
// A late callback wins even over expired or cancelled: the manufacturer
// charged the customer, so the order completes rather than staying failed.
func (s *SessionService) CompleteFromCallback(ctx context.Context, sessionID, paymentID string) (*models.VendingSession, error) {
	mu := s.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	session, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status == models.StatusPaymentCompleted {
		return session, nil
	}

	wasTerminal := session.Status.Terminal()
	now := s.clock.Now()
	if session.PaymentData == nil {
		session.PaymentData = &models.PaymentData{}
	}
	if session.PaymentData.ChinesePaymentID == "" && paymentID != "" {
		session.PaymentData.ChinesePaymentID = paymentID
	}
	session.PaymentData.CompletedAt = &now
	from := session.Status
	session.Status = models.StatusPaymentCompleted
	session.LastActivityAt = now

	if err := s.store.Update(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to persist callback completion: %w", err)
	}
	if !wasTerminal {
		s.releaseSlot(ctx, session.MachineID)
	}

	s.publisher.Publish(ctx, models.EventCallbackCompleted, sessionID, session.MachineID,
		map[string]string{"from": string(from), "payment_id": session.PaymentData.ChinesePaymentID})
	s.logger.Info("Session completed by manufacturer callback",
		util.String("session_id", sessionID),
		util.String("previous_status", string(from)))
	return session, nil
}

// SweepExpired scans non-terminal sessions past their expiry and
// terminalizes them. Returns the number of sessions expired.
func (s *SessionService) SweepExpired(ctx context.Context) (int, error) {
	ids, err := s.store.ListNonTerminal(ctx)
	if err != nil {
		return 0, err
	}

	expired := 0
	now := s.clock.Now()
	for _, id := range ids {
		mu := s.lockFor(id)
		mu.Lock()
		session, err := s.store.Get(ctx, id)
		if err == nil && session.IsExpired(now) {
			if err := s.expireLocked(ctx, session); err != nil {
				s.logger.Error("Sweep failed to expire session",
					util.String("session_id", id),
					util.ErrorField(err))
			} else {
				expired++
			}
		}
		mu.Unlock()
	}
	return expired, nil
}

// RunSweeper runs the fixed-interval sweep until ctx is cancelled.
func (s *SessionService) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := s.SweepExpired(ctx)
			if err != nil {
				s.logger.Error("Expiry sweep failed", util.ErrorField(err))
				continue
			}
			if expired > 0 {
				s.logger.Info("Expiry sweep completed", util.Int("expired", expired))
			}
		}
	}
}

// maybeSampleSweep amortizes cleanup over the read path so stale rows
// get bounded even if the background sweeper is not running.
func (s *SessionService) maybeSampleSweep() {
	if s.cfg.SweepSampleRate <= 0 {
		return
	}
	if s.reads.Add(1)%uint64(s.cfg.SweepSampleRate) != 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := s.SweepExpired(ctx); err != nil {
			s.logger.Warn("Sampled sweep failed", util.ErrorField(err))
		}
	}()
}

// ===================== ADMIN OPERATIONS =====================

// CounterReport compares the in-memory machine counter with the store.
type CounterReport struct {
	MachineID    string `json:"machine_id"`
	CounterValue int    `json:"counter_value"`
	StoreValue   int    `json:"store_value"`
	Drift        int    `json:"drift"`
}

// ListSessions returns all sessions bound to a machine.
func (s *SessionService) ListSessions(ctx context.Context, machineID string) ([]*models.VendingSession, error) {
	machineID, ok := util.SanitizeMachineID(machineID)
	if !ok {
		return nil, fmt.Errorf("%w: malformed machine id", ErrValidation)
	}
	return s.store.ListByMachine(ctx, machineID)
}

// CleanupMachine cancels every non-terminal session on a machine.
func (s *SessionService) CleanupMachine(ctx context.Context, machineID string) (int, error) {
	sessions, err := s.ListSessions(ctx, machineID)
	if err != nil {
		return 0, err
	}
	cancelled := 0
	for _, session := range sessions {
		if session.Status.Terminal() {
			continue
		}
		if _, err := s.Cancel(ctx, session.SessionID); err != nil {
			s.logger.Warn("Cleanup failed to cancel session",
				util.String("session_id", session.SessionID),
				util.ErrorField(err))
			continue
		}
		cancelled++
	}
	return cancelled, nil
}

// ForceDelete removes a session row entirely, freeing its machine slot
// if it was still live.
func (s *SessionService) ForceDelete(ctx context.Context, sessionID string) error {
	mu := s.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	session, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, sessionID); err != nil {
		return err
	}
	if !session.Status.Terminal() {
		s.releaseSlot(ctx, session.MachineID)
	}
	s.logger.Warn("Session force-deleted",
		util.String("session_id", sessionID),
		util.String("machine_id", session.MachineID))
	return nil
}

// VerifyCounter reports drift between the machine counter and the store
// without correcting it.
func (s *SessionService) VerifyCounter(ctx context.Context, machineID string) (*CounterReport, error) {
	report, err := s.counterReport(ctx, machineID)
	if err != nil {
		return nil, err
	}
	if report.Drift != 0 {
		return report, fmt.Errorf("%w: machine %s counter=%d store=%d",
			ErrCounterDrift, machineID, report.CounterValue, report.StoreValue)
	}
	return report, nil
}

// ResetCounter forces the machine counter back to the store's truth.
// Drift is reported, never corrected silently.
func (s *SessionService) ResetCounter(ctx context.Context, machineID string) (*CounterReport, error) {
	report, err := s.counterReport(ctx, machineID)
	if err != nil {
		return nil, err
	}
	if err := s.counter.Reset(ctx, machineID, report.StoreValue); err != nil {
		return nil, fmt.Errorf("failed to reset counter: %w", err)
	}
	if report.Drift != 0 {
		s.logger.Warn("Machine counter drift corrected by administrative reset",
			util.String("machine_id", machineID),
			util.Int("counter_value", report.CounterValue),
			util.Int("store_value", report.StoreValue))
	}
	return report, nil
}

func (s *SessionService) counterReport(ctx context.Context, machineID string) (*CounterReport, error) {
	machineID, ok := util.SanitizeMachineID(machineID)
	if !ok {
		return nil, fmt.Errorf("%w: malformed machine id", ErrValidation)
	}

	sessions, err := s.store.ListByMachine(ctx, machineID)
	if err != nil {
		return nil, err
	}
	live := 0
	now := s.clock.Now()
	for _, session := range sessions {
		if !session.Status.Terminal() && !session.IsExpired(now) {
			live++
		}
	}

	current, err := s.counter.Count(ctx, machineID)
	if err != nil {
		return nil, err
	}
	return &CounterReport{
		MachineID:    machineID,
		CounterValue: current,
		StoreValue:   live,
		Drift:        current - live,
	}, nil
}
