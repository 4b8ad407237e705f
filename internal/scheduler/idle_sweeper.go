package scheduler

import (
	"context"
	"time"

	"salesagent_backend/internal/conversation/repository"
	"salesagent_backend/platform/logger"
)

const (
	defaultIdleSweepInterval = 5 * time.Minute
	defaultIdleSweepBatch    = 100
)

// IdleSweeper periodically ends conversations whose idle check task was lost.
type IdleSweeper struct {
	finder      repository.IdleFinder
	ender       IdleEnder
	log         *logger.Logger
	idleTimeout time.Duration
	interval    time.Duration
	batch       int
	now         func() time.Time
}

func NewIdleSweeper(finder repository.IdleFinder, ender IdleEnder, log *logger.Logger, idleTimeout, interval time.Duration) *IdleSweeper {
	if interval <= 0 {
		interval = defaultIdleSweepInterval
	}

	return &IdleSweeper{
		finder:      finder,
		ender:       ender,
		log:         log,
		idleTimeout: idleTimeout,
		interval:    interval,
		batch:       defaultIdleSweepBatch,
		now:         time.Now,
	}
}

func (s *IdleSweeper) Run(ctx context.Context) {
	if s == nil || s.finder == nil || s.ender == nil {
		return
	}

	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *IdleSweeper) sweep(ctx context.Context) int {
	cutoff := s.now().Add(-s.idleTimeout)

	sessionIDs, err := s.finder.ListIdleSince(ctx, cutoff, s.batch)
	if err != nil {
		s.log.Warn("idle sweep query failed", "error", err)
		return 0
	}

	ended := 0
	for _, sessionID := range sessionIDs {
		if ctx.Err() != nil {
			break
		}
		ok, err := s.ender.EndIfIdle(ctx, sessionID, s.idleTimeout)
		if err != nil {
			s.log.Warn("idle sweep failed to end conversation", "session_id", sessionID, "error", err)
			continue
		}
		if ok {
			ended++
		}
	}

	if ended > 0 {
		s.log.Info("idle sweep ended conversations", "ended", ended)
	}
	return ended
}
