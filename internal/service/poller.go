package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"vending-service/internal/models"
	"vending-service/internal/util"
)

// ErrPollExhausted means the schedule ran out without the session
// reaching a terminal status and the recovery check did not rescue it.
var ErrPollExhausted = errors.New("polling attempts exhausted without terminal status")

// StatusSource is the poller's read surface, normally the session
// manager's status path.
type StatusSource interface {
	PollOnce(ctx context.Context, sessionID string) (*models.SessionView, error)
}

// RecoveryFunc queries the manufacturer directly after the schedule is
// exhausted, bypassing the local session state.
type RecoveryFunc func(ctx context.Context, sessionID string) (*models.SessionView, error)

// PollerConfig is the backoff schedule: delay starts at InitialDelay and
// grows by DelayStep per attempt up to MaxDelay, for at most MaxAttempts.
type PollerConfig struct {
	InitialDelay time.Duration
	DelayStep    time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
}

// DefaultPollerConfig is roughly three minutes of polling.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		InitialDelay: 3 * time.Second,
		DelayStep:    500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		MaxAttempts:  60,
	}
}

// Poller observes a session until it settles. It is the kiosk-facing
// status loop; the kiosk UI blocks on WaitForTerminal after payment.
type Poller struct {
	source   StatusSource
	recovery RecoveryFunc
	cfg      PollerConfig
	clock    Clock
	logger   *zap.Logger
}

func NewPoller(source StatusSource, recovery RecoveryFunc, cfg PollerConfig, clock Clock, logger *zap.Logger) *Poller {
	if clock == nil {
		clock = SystemClock
	}
	return &Poller{
		source:   source,
		recovery: recovery,
		cfg:      cfg,
		clock:    clock,
		logger:   logger,
	}
}

// WaitForTerminal polls until the session reaches a terminal public
// status or the schedule is exhausted. A failed status is a settled
// outcome and stops polling immediately; it is never retried here.
func (p *Poller) WaitForTerminal(ctx context.Context, sessionID string) (*models.SessionView, error) {
	delay := p.cfg.InitialDelay
	var last *models.SessionView

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		view, err := p.source.PollOnce(ctx, sessionID)
		if err != nil {
			// Transient read failures and rate-limit rejections keep the
			// schedule; the next attempt may succeed.
			p.logger.Warn("Status poll failed",
				util.String("session_id", sessionID),
				util.Int("attempt", attempt),
				util.ErrorField(err))
		} else {
			last = view
			switch view.Status {
			case models.PublicCompleted:
				return view, nil
			case models.PublicFailed:
				return view, nil
			}
		}

		if attempt == p.cfg.MaxAttempts {
			break
		}
		if err := p.clock.Sleep(ctx, delay); err != nil {
			return last, err
		}
		delay += p.cfg.DelayStep
		if delay > p.cfg.MaxDelay {
			delay = p.cfg.MaxDelay
		}
	}

	// The session never settled locally. Ask the manufacturer before
	// reporting failure; its registration may simply not have become
	// visible to us yet.
	if p.recovery != nil {
		view, err := p.recovery(ctx, sessionID)
		if err != nil {
			p.logger.Warn("Recovery check failed",
				util.String("session_id", sessionID),
				util.ErrorField(err))
		} else if view != nil {
			last = view
			if view.Status == models.PublicCompleted {
				return view, nil
			}
		}
	}
	return last, ErrPollExhausted
}
