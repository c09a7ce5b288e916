package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vending-service/internal/config"
	"vending-service/internal/gateway"
	"vending-service/internal/models"
	"vending-service/internal/service"
)

// fakeGateway scripts the manufacturer's behavior per call.
type fakeGateway struct {
	mu sync.Mutex

	registerCalls int
	reportCalls   int
	submitCalls   int
	queryCalls    int

	registerErr error
	paymentID   string
	reportErr   error

	// submitErrs is consumed one per SubmitOrder call; once drained the
	// call succeeds.
	submitErrs   []error
	submitResult gateway.OrderResult

	queryFound bool
	queryErr   error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		paymentID: "88421",
		submitResult: gateway.OrderResult{
			OrderID: "991",
			QueueNo: "A17",
		},
	}
}

func (g *fakeGateway) RegisterPayment(_ context.Context, req gateway.RegisterPaymentRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.registerCalls++
	if g.registerErr != nil {
		return "", g.registerErr
	}
	return g.paymentID, nil
}

func (g *fakeGateway) ReportPaymentStatus(_ context.Context, thirdID string, status int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reportCalls++
	return g.reportErr
}

func (g *fakeGateway) SubmitOrder(_ context.Context, req gateway.SubmitOrderRequest) (*gateway.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.submitCalls++
	if len(g.submitErrs) > 0 {
		err := g.submitErrs[0]
		g.submitErrs = g.submitErrs[1:]
		return nil, err
	}
	result := g.submitResult
	result.ThirdID = req.ThirdID
	return &result, nil
}

func (g *fakeGateway) QueryPaymentStatus(_ context.Context, thirdID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queryCalls++
	return g.queryFound, g.queryErr
}

// fakeAudit records archived reconciliation outcomes.
type fakeAudit struct {
	mu      sync.Mutex
	records []*models.ReconciliationAudit
}

func (a *fakeAudit) InsertReconciliationAudit(_ context.Context, audit *models.ReconciliationAudit) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, audit)
	return nil
}

func (a *fakeAudit) outcomes() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, record := range a.records {
		out = append(out, record.Outcome)
	}
	return out
}

func newReconcileEnv(t *testing.T) (*testEnv, *fakeGateway, *fakeAudit, *service.ReconcileService) {
	t.Helper()
	env := newTestEnv(t)
	gw := newFakeGateway()
	audit := &fakeAudit{}
	reconciler := service.NewReconcileService(env.svc, gw, config.ReconcileConfig{
		MaxAttempts:    3,
		RetryDelay:     4 * time.Second,
		PaidStatusCode: 2,
	}, 5, audit, nil, env.clock, zap.NewNop())
	return env, gw, audit, reconciler
}

func pendingSession(t *testing.T, env *testEnv) *models.VendingSession {
	t.Helper()
	ctx := context.Background()
	session, err := env.svc.CreateSession(ctx, "VM001", "", "")
	require.NoError(t, err)
	session, err = env.svc.SubmitOrderSummary(ctx, session.SessionID, orderPayload())
	require.NoError(t, err)
	return session
}

func TestReconcileHappyPath(t *testing.T) {
	env, gw, audit, reconciler := newReconcileEnv(t)
	ctx := context.Background()
	session := pendingSession(t, env)

	result, err := reconciler.Reconcile(ctx, session.SessionID)
	require.NoError(t, err)

	assert.Equal(t, models.StatusPaymentCompleted, result.Status)
	require.NotNil(t, result.PaymentData)
	assert.Equal(t, "88421", result.PaymentData.ChinesePaymentID)
	assert.Equal(t, "991", result.PaymentData.OrderID)
	assert.Equal(t, "A17", result.PaymentData.QueueNo)
	assert.Regexp(t, `^PY250601\d{6}$`, result.PaymentData.ThirdID)
	assert.Regexp(t, `^OR250601\d{6}$`, result.PaymentData.OrderThirdID)

	assert.Equal(t, 1, gw.registerCalls)
	assert.Equal(t, 1, gw.reportCalls)
	assert.Equal(t, 1, gw.submitCalls)
	assert.Empty(t, env.clock.Sleeps())
	assert.Equal(t, []string{"completed"}, audit.outcomes())
}

func TestReconcileRetriesPaymentNotFound(t *testing.T) {
	env, gw, _, reconciler := newReconcileEnv(t)
	ctx := context.Background()
	session := pendingSession(t, env)

	// The manufacturer denies knowledge of its own registration twice
	// before admitting it exists.
	gw.submitErrs = []error{gateway.ErrPaymentNotFound, gateway.ErrPaymentNotFound}

	result, err := reconciler.Reconcile(ctx, session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaymentCompleted, result.Status)

	assert.Equal(t, 1, gw.registerCalls)
	assert.Equal(t, 3, gw.submitCalls)
	assert.Equal(t, []time.Duration{4 * time.Second, 4 * time.Second}, env.clock.Sleeps())
}

func TestReconcileRetriesTransientErrors(t *testing.T) {
	env, gw, _, reconciler := newReconcileEnv(t)
	ctx := context.Background()
	session := pendingSession(t, env)

	gw.submitErrs = []error{&gateway.TransientError{Err: errors.New("HTTP 502")}}

	result, err := reconciler.Reconcile(ctx, session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaymentCompleted, result.Status)
	assert.Equal(t, 2, gw.submitCalls)
}

func TestReconcileExhaustionCancelsSession(t *testing.T) {
	env, gw, audit, reconciler := newReconcileEnv(t)
	ctx := context.Background()
	session := pendingSession(t, env)

	gw.submitErrs = []error{
		gateway.ErrPaymentNotFound,
		gateway.ErrPaymentNotFound,
		gateway.ErrPaymentNotFound,
	}

	_, err := reconciler.Reconcile(ctx, session.SessionID)
	var failure *service.ReconciliationFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, session.SessionID, failure.SessionID)
	assert.Equal(t, 3, failure.Attempts)
	assert.Equal(t, "88421", failure.ChinesePaymentID)
	assert.NotEmpty(t, failure.ThirdID)
	assert.ErrorIs(t, err, gateway.ErrPaymentNotFound)

	// Two delays between three attempts, then the session is cancelled.
	assert.Equal(t, []time.Duration{4 * time.Second, 4 * time.Second}, env.clock.Sleeps())

	stored, getErr := env.svc.GetSession(ctx, session.SessionID)
	require.NoError(t, getErr)
	assert.Equal(t, models.StatusCancelled, stored.Status)
	assert.Equal(t, []string{"failed"}, audit.outcomes())

	count, countErr := env.counter.Count(ctx, "VM001")
	require.NoError(t, countErr)
	assert.Equal(t, 0, count)
}

func TestReconcileStopsOnNonRetryableRejection(t *testing.T) {
	env, gw, _, reconciler := newReconcileEnv(t)
	ctx := context.Background()
	session := pendingSession(t, env)

	gw.submitErrs = []error{&gateway.APIError{Endpoint: "order/orderData", Code: 403, Msg: "bad sign"}}

	_, err := reconciler.Reconcile(ctx, session.SessionID)
	var failure *service.ReconciliationFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, 1, failure.Attempts)
	assert.Equal(t, 1, gw.submitCalls)
	assert.Empty(t, env.clock.Sleeps())
}

func TestReconcileSkipsRegistrationWhenAlreadyRegistered(t *testing.T) {
	env, gw, _, reconciler := newReconcileEnv(t)
	ctx := context.Background()
	session := pendingSession(t, env)

	_, err := env.svc.AttachPaymentData(ctx, session.SessionID, &models.PaymentData{
		ThirdID:          "PY250601000777",
		ChinesePaymentID: "55555",
		Amount:           4990,
		Currency:         "CNY",
	})
	require.NoError(t, err)

	result, err := reconciler.Reconcile(ctx, session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaymentCompleted, result.Status)
	assert.Equal(t, "55555", result.PaymentData.ChinesePaymentID)

	// Resuming never creates a second payment record.
	assert.Equal(t, 0, gw.registerCalls)
	assert.Equal(t, 1, gw.submitCalls)
}

func TestReconcileRequiresPaymentPending(t *testing.T) {
	env, _, _, reconciler := newReconcileEnv(t)
	ctx := context.Background()

	session, err := env.svc.CreateSession(ctx, "VM001", "", "")
	require.NoError(t, err)

	_, err = reconciler.Reconcile(ctx, session.SessionID)
	assert.ErrorIs(t, err, service.ErrInvalidTransition)
}

func TestReconcileCompletedSessionIsIdempotent(t *testing.T) {
	env, gw, _, reconciler := newReconcileEnv(t)
	ctx := context.Background()
	session := pendingSession(t, env)

	_, err := reconciler.Reconcile(ctx, session.SessionID)
	require.NoError(t, err)

	result, err := reconciler.Reconcile(ctx, session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaymentCompleted, result.Status)
	assert.Equal(t, 1, gw.submitCalls)
}

func TestReconcileAdvisoryReportFailureIsIgnored(t *testing.T) {
	env, gw, _, reconciler := newReconcileEnv(t)
	ctx := context.Background()
	session := pendingSession(t, env)

	gw.reportErr = &gateway.TransientError{Err: errors.New("HTTP 503")}

	result, err := reconciler.Reconcile(ctx, session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaymentCompleted, result.Status)
}

func TestHandleCallbackCompletesCancelledSession(t *testing.T) {
	env, gw, audit, reconciler := newReconcileEnv(t)
	ctx := context.Background()
	session := pendingSession(t, env)

	gw.submitErrs = []error{
		gateway.ErrPaymentNotFound,
		gateway.ErrPaymentNotFound,
		gateway.ErrPaymentNotFound,
	}
	_, err := reconciler.Reconcile(ctx, session.SessionID)
	var failure *service.ReconciliationFailure
	require.ErrorAs(t, err, &failure)

	// The manufacturer's own confirmation arrives after we gave up.
	result, err := reconciler.HandleCallback(ctx, failure.ThirdID, "88421")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaymentCompleted, result.Status)
	assert.Equal(t, "88421", result.PaymentData.ChinesePaymentID)
	assert.Contains(t, audit.outcomes(), "callback_completed")

	// Replays are harmless.
	again, err := reconciler.HandleCallback(ctx, failure.ThirdID, "88421")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaymentCompleted, again.Status)
}

func TestHandleCallbackUnknownThirdID(t *testing.T) {
	_, _, _, reconciler := newReconcileEnv(t)
	_, err := reconciler.HandleCallback(context.Background(), "PY000000000000", "1")
	assert.Error(t, err)
}

func TestVerifyPaymentRecovery(t *testing.T) {
	env, gw, _, reconciler := newReconcileEnv(t)
	ctx := context.Background()
	session := pendingSession(t, env)

	_, err := env.svc.AttachPaymentData(ctx, session.SessionID, &models.PaymentData{
		ThirdID:          "PY250601000777",
		ChinesePaymentID: "55555",
	})
	require.NoError(t, err)

	// Manufacturer does not know the payment yet: session unchanged.
	gw.queryFound = false
	view, err := reconciler.VerifyPayment(ctx, session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.PublicProcessing, view.Status)

	// Once it does, the session completes.
	gw.queryFound = true
	view, err = reconciler.VerifyPayment(ctx, session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.PublicCompleted, view.Status)
}

func TestVerifyPaymentWithoutRegistrationIsNoOp(t *testing.T) {
	env, gw, _, reconciler := newReconcileEnv(t)
	ctx := context.Background()
	session := pendingSession(t, env)

	view, err := reconciler.VerifyPayment(ctx, session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.PublicProcessing, view.Status)
	assert.Equal(t, 0, gw.queryCalls)
}
