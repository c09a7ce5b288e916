package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"vending-service/internal/config"
	"vending-service/internal/events"
	"vending-service/internal/gateway"
	"vending-service/internal/models"
	"vending-service/internal/util"
)

// AuditSink archives reconciliation outcomes. Writes are best-effort.
type AuditSink interface {
	InsertReconciliationAudit(ctx context.Context, audit *models.ReconciliationAudit) error
}

// ReconcileService drives the three-call manufacturer handshake and
// tolerates the remote side disagreeing with itself: RegisterPayment can
// succeed while an immediate SubmitOrder against the returned id reports
// the payment does not exist, with the manufacturer's own callback later
// confirming it does. The engine retries the race with bounded backoff
// and leaves an authoritative recovery channel open for the callback.
type ReconcileService struct {
	sessions  *SessionService
	gateway   gateway.API
	clock     Clock
	cfg       config.ReconcileConfig
	payType   int
	audit     AuditSink
	publisher *events.Publisher
	logger    *zap.Logger

	group singleflight.Group
}

func NewReconcileService(
	sessions *SessionService,
	api gateway.API,
	cfg config.ReconcileConfig,
	payType int,
	audit AuditSink,
	publisher *events.Publisher,
	clock Clock,
	logger *zap.Logger,
) *ReconcileService {
	if clock == nil {
		clock = SystemClock
	}
	return &ReconcileService{
		sessions:  sessions,
		gateway:   api,
		clock:     clock,
		cfg:       cfg,
		payType:   payType,
		audit:     audit,
		publisher: publisher,
		logger:    logger,
	}
}

// Reconcile runs the full handshake for a session. Concurrent calls for
// the same session collapse into one flight; re-invoking a session that
// already holds a manufacturer payment id resumes at SubmitOrder so no
// duplicate payment records are created.
func (r *ReconcileService) Reconcile(ctx context.Context, sessionID string) (*models.VendingSession, error) {
	result, err, _ := r.group.Do(sessionID, func() (interface{}, error) {
		return r.reconcile(ctx, sessionID)
	})
	if err != nil {
		return nil, err
	}
	return result.(*models.VendingSession), nil
}

func (r *ReconcileService) reconcile(ctx context.Context, sessionID string) (*models.VendingSession, error) {
	start := r.clock.Now()

	session, err := r.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status == models.StatusPaymentCompleted {
		return session, nil
	}
	if session.Status != models.StatusPaymentPending {
		return nil, fmt.Errorf("%w: reconciliation requires payment_pending, session is %s",
			ErrInvalidTransition, session.Status)
	}

	if len(session.OrderPayload) == 0 {
		return nil, fmt.Errorf("%w: session has no order summary", ErrValidation)
	}
	var summary models.OrderSummary
	if err := json.Unmarshal(session.OrderPayload, &summary); err != nil {
		return nil, fmt.Errorf("%w: stored order payload is malformed: %v", ErrValidation, err)
	}

	pd := session.PaymentData
	if pd == nil || pd.ChinesePaymentID == "" {
		pd, session, err = r.registerPayment(ctx, session, &summary)
		if err != nil {
			return nil, err
		}
	} else {
		r.logger.Info("Resuming reconciliation with existing payment registration",
			util.String("session_id", sessionID),
			util.String("payment_id", pd.ChinesePaymentID))
	}

	// Advisory only; the manufacturer treats it as a progress hint, not
	// proof of order acceptance.
	if err := r.gateway.ReportPaymentStatus(ctx, pd.ThirdID, r.cfg.PaidStatusCode); err != nil {
		r.logger.Warn("Advisory payment status report failed",
			util.String("session_id", sessionID),
			util.String("third_id", pd.ThirdID),
			util.ErrorField(err))
	}

	orderThirdID := pd.OrderThirdID
	if orderThirdID == "" {
		orderThirdID = gateway.NewOrderThirdID(r.clock.Now())
	}

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		attempts = attempt
		result, err := r.gateway.SubmitOrder(ctx, gateway.SubmitOrderRequest{
			ThirdPayID:    pd.ChinesePaymentID,
			ThirdID:       orderThirdID,
			MobileModelID: summary.MobileModelID,
			Pic:           summary.Pic,
			DeviceID:      session.MachineID,
		})
		if err == nil {
			session, err = r.sessions.CompleteOrder(ctx, sessionID, result.OrderID, orderThirdID, result.QueueNo)
			if err != nil {
				return nil, err
			}
			r.writeAudit(session, pd, attempts, "completed", "", start)
			return session, nil
		}

		lastErr = err
		if !errors.Is(err, gateway.ErrPaymentNotFound) && !gateway.IsTransient(err) {
			break
		}
		if attempt < r.cfg.MaxAttempts {
			r.logger.Info("Order submission rejected, payment likely still propagating remotely",
				util.String("session_id", sessionID),
				util.String("payment_id", pd.ChinesePaymentID),
				util.Int("attempt", attempt),
				util.Duration("retry_delay", r.cfg.RetryDelay),
				util.ErrorField(err))
			if sleepErr := r.clock.Sleep(ctx, r.cfg.RetryDelay); sleepErr != nil {
				return nil, sleepErr
			}
		}
	}

	failure := &ReconciliationFailure{
		SessionID:        sessionID,
		ThirdID:          pd.ThirdID,
		ChinesePaymentID: pd.ChinesePaymentID,
		Attempts:         attempts,
		Err:              lastErr,
	}
	r.logger.Error("Reconciliation exhausted, awaiting manufacturer callback or manual recovery",
		util.String("session_id", sessionID),
		util.String("third_id", pd.ThirdID),
		util.String("payment_id", pd.ChinesePaymentID),
		util.Int("attempts", attempts),
		util.ErrorField(lastErr))

	if _, cancelErr := r.sessions.Cancel(ctx, sessionID); cancelErr != nil {
		r.logger.Error("Failed to cancel session after exhausted reconciliation",
			util.String("session_id", sessionID),
			util.ErrorField(cancelErr))
	}
	r.publisher.Publish(ctx, models.EventReconciliationFailed, sessionID, session.MachineID,
		map[string]string{"third_id": pd.ThirdID, "payment_id": pd.ChinesePaymentID})
	r.writeAudit(session, pd, attempts, "failed", failure.Error(), start)
	return nil, failure
}

func (r *ReconcileService) registerPayment(ctx context.Context, session *models.VendingSession, summary *models.OrderSummary) (*models.PaymentData, *models.VendingSession, error) {
	thirdID := gateway.NewPaymentThirdID(r.clock.Now())
	paymentID, err := r.gateway.RegisterPayment(ctx, gateway.RegisterPaymentRequest{
		MobileModelID: summary.MobileModelID,
		DeviceID:      session.MachineID,
		ThirdID:       thirdID,
		PayAmount:     summary.PayAmount,
		PayType:       r.payType,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("payment registration failed: %w", err)
	}

	currency := summary.Currency
	if currency == "" {
		currency = "CNY"
	}
	pd := &models.PaymentData{
		ThirdID:          thirdID,
		ChinesePaymentID: paymentID,
		Amount:           summary.PayAmount,
		Currency:         currency,
	}
	session, err = r.sessions.AttachPaymentData(ctx, session.SessionID, pd)
	if err != nil {
		return nil, nil, err
	}
	return pd, session, nil
}

// HandleCallback applies an inbound manufacturer confirmation for
// third_id. The callback is authoritative: it completes the session even
// when the outbound flow already gave up, closing the consistency race.
func (r *ReconcileService) HandleCallback(ctx context.Context, thirdID, paymentID string) (*models.VendingSession, error) {
	session, err := r.sessions.FindByThirdID(ctx, thirdID)
	if err != nil {
		return nil, err
	}

	if session.Status == models.StatusPaymentCompleted {
		return session, nil
	}

	session, err = r.sessions.CompleteFromCallback(ctx, session.SessionID, paymentID)
	if err != nil {
		return nil, err
	}
	r.writeAudit(session, session.PaymentData, 0, "callback_completed", "", r.clock.Now())
	return session, nil
}

// VerifyPayment is the poller's recovery check: ask the manufacturer
// directly whether the payment exists, bypassing the local session
// state, and complete the session when it does.
func (r *ReconcileService) VerifyPayment(ctx context.Context, sessionID string) (*models.SessionView, error) {
	session, err := r.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status == models.StatusPaymentCompleted {
		return session.View(), nil
	}
	if session.PaymentData == nil || session.PaymentData.ThirdID == "" {
		return session.View(), nil
	}

	found, err := r.gateway.QueryPaymentStatus(ctx, session.PaymentData.ThirdID)
	if err != nil {
		return nil, err
	}
	if !found {
		return session.View(), nil
	}

	r.logger.Info("Recovery check found payment at manufacturer",
		util.String("session_id", sessionID),
		util.String("third_id", session.PaymentData.ThirdID))
	session, err = r.sessions.CompleteFromCallback(ctx, sessionID, session.PaymentData.ChinesePaymentID)
	if err != nil {
		return nil, err
	}
	return session.View(), nil
}

func (r *ReconcileService) writeAudit(session *models.VendingSession, pd *models.PaymentData, attempts int, outcome, errDetail string, start time.Time) {
	if r.audit == nil || session == nil {
		return
	}
	audit := &models.ReconciliationAudit{
		SessionID:   session.SessionID,
		MachineID:   session.MachineID,
		Attempts:    attempts,
		Outcome:     outcome,
		ErrorDetail: errDetail,
		DurationMs:  r.clock.Now().Sub(start).Milliseconds(),
		CompletedAt: r.clock.Now(),
	}
	if pd != nil {
		audit.ThirdID = pd.ThirdID
		audit.ChinesePaymentID = pd.ChinesePaymentID
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.audit.InsertReconciliationAudit(ctx, audit); err != nil {
		r.logger.Warn("Failed to archive reconciliation audit",
			util.String("session_id", session.SessionID),
			util.ErrorField(err))
	}
}
