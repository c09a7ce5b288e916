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

	"vending-service/internal/models"
	"vending-service/internal/service"
)

// scriptedSource returns one canned view (or error) per poll; the last
// entry repeats once the script is drained.
type scriptedSource struct {
	mu     sync.Mutex
	polls  int
	script []pollStep
}

type pollStep struct {
	view *models.SessionView
	err  error
}

func processing() *models.SessionView {
	return &models.SessionView{SessionID: "S1", Status: models.PublicProcessing}
}

func (s *scriptedSource) PollOnce(_ context.Context, _ string) (*models.SessionView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.polls
	s.polls++
	if idx >= len(s.script) {
		idx = len(s.script) - 1
	}
	step := s.script[idx]
	return step.view, step.err
}

func newPoller(source service.StatusSource, recovery service.RecoveryFunc, clock *fakeClock) *service.Poller {
	return service.NewPoller(source, recovery, service.PollerConfig{
		InitialDelay: 3 * time.Second,
		DelayStep:    500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		MaxAttempts:  60,
	}, clock, zap.NewNop())
}

func TestPollerReturnsOnCompleted(t *testing.T) {
	clock := newFakeClock()
	source := &scriptedSource{script: []pollStep{
		{view: processing()},
		{view: processing()},
		{view: &models.SessionView{SessionID: "S1", Status: models.PublicCompleted, QueueNo: "A17"}},
	}}

	view, err := newPoller(source, nil, clock).WaitForTerminal(context.Background(), "S1")
	require.NoError(t, err)
	assert.Equal(t, models.PublicCompleted, view.Status)
	assert.Equal(t, "A17", view.QueueNo)
	assert.Equal(t, 3, source.polls)

	// Delay starts at three seconds and grows by half a second per
	// attempt.
	assert.Equal(t, []time.Duration{3 * time.Second, 3500 * time.Millisecond}, clock.Sleeps())
}

func TestPollerStopsImmediatelyOnFailed(t *testing.T) {
	clock := newFakeClock()
	source := &scriptedSource{script: []pollStep{
		{view: &models.SessionView{SessionID: "S1", Status: models.PublicFailed}},
	}}

	recoveryCalled := false
	recovery := func(_ context.Context, _ string) (*models.SessionView, error) {
		recoveryCalled = true
		return nil, nil
	}

	view, err := newPoller(source, recovery, clock).WaitForTerminal(context.Background(), "S1")
	require.NoError(t, err)
	assert.Equal(t, models.PublicFailed, view.Status)
	assert.Equal(t, 1, source.polls)
	assert.Empty(t, clock.Sleeps())
	// A settled failure is not re-litigated with the manufacturer here.
	assert.False(t, recoveryCalled)
}

func TestPollerDelayCapsAtMax(t *testing.T) {
	clock := newFakeClock()
	source := &scriptedSource{script: []pollStep{{view: processing()}}}

	_, err := newPoller(source, nil, clock).WaitForTerminal(context.Background(), "S1")
	require.ErrorIs(t, err, service.ErrPollExhausted)
	assert.Equal(t, 60, source.polls)

	sleeps := clock.Sleeps()
	require.Len(t, sleeps, 59)
	assert.Equal(t, 3*time.Second, sleeps[0])
	// 3s + 14*0.5s = 10s; everything after stays capped.
	assert.Equal(t, 10*time.Second, sleeps[14])
	assert.Equal(t, 10*time.Second, sleeps[58])
}

func TestPollerKeepsScheduleThroughErrors(t *testing.T) {
	clock := newFakeClock()
	source := &scriptedSource{script: []pollStep{
		{err: errors.New("store hiccup")},
		{err: errors.New("store hiccup")},
		{view: &models.SessionView{SessionID: "S1", Status: models.PublicCompleted}},
	}}

	view, err := newPoller(source, nil, clock).WaitForTerminal(context.Background(), "S1")
	require.NoError(t, err)
	assert.Equal(t, models.PublicCompleted, view.Status)
	assert.Equal(t, 3, source.polls)
}

func TestPollerRecoveryRescuesExhaustedSession(t *testing.T) {
	clock := newFakeClock()
	source := &scriptedSource{script: []pollStep{{view: processing()}}}

	recovery := func(_ context.Context, sessionID string) (*models.SessionView, error) {
		return &models.SessionView{SessionID: sessionID, Status: models.PublicCompleted}, nil
	}

	view, err := newPoller(source, recovery, clock).WaitForTerminal(context.Background(), "S1")
	require.NoError(t, err)
	assert.Equal(t, models.PublicCompleted, view.Status)
}

func TestPollerRecoveryCannotRescue(t *testing.T) {
	clock := newFakeClock()
	source := &scriptedSource{script: []pollStep{{view: processing()}}}

	recovery := func(_ context.Context, sessionID string) (*models.SessionView, error) {
		return &models.SessionView{SessionID: sessionID, Status: models.PublicProcessing}, nil
	}

	view, err := newPoller(source, recovery, clock).WaitForTerminal(context.Background(), "S1")
	require.ErrorIs(t, err, service.ErrPollExhausted)
	require.NotNil(t, view)
	assert.Equal(t, models.PublicProcessing, view.Status)
}

func TestPollerHonorsContextCancellation(t *testing.T) {
	clock := newFakeClock()
	source := &scriptedSource{script: []pollStep{{view: processing()}}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newPoller(source, nil, clock).WaitForTerminal(ctx, "S1")
	assert.ErrorIs(t, err, context.Canceled)
}
