package scheduler

import (
	"context"
	"fmt"
	"time"

	"salesagent_backend/platform/config"
	"salesagent_backend/platform/logger"

	"github.com/hibiken/asynq"
)

// IdleEnder ends a conversation if it has been quiet for idleFor.
type IdleEnder interface {
	EndIfIdle(ctx context.Context, sessionID string, idleFor time.Duration) (bool, error)
}

type Worker struct {
	server      *asynq.Server
	mux         *asynq.ServeMux
	ender       IdleEnder
	idleTimeout time.Duration
	log         *logger.Logger
}

func NewWorker(cfg config.SchedulerConfig, ender IdleEnder, idleTimeout time.Duration, log *logger.Logger) (*Worker, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}

	opt, err := redisClientOpt(redisURL, cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	concurrency := cfg.GetAsynqConcurrency()
	if concurrency < 1 {
		concurrency = 10
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			queueName(cfg): 1,
		},
	})

	mux := asynq.NewServeMux()
	w := &Worker{
		server:      server,
		mux:         mux,
		ender:       ender,
		idleTimeout: idleTimeout,
		log:         log,
	}

	mux.HandleFunc(TaskConversationIdleCheck, w.handleIdleCheck)

	return w, nil
}

func (w *Worker) Run(ctx context.Context) {
	if w == nil || w.server == nil {
		return
	}

	go func() {
		<-ctx.Done()
		w.server.Shutdown()
	}()

	if err := w.server.Run(w.mux); err != nil {
		w.log.Error("scheduler worker stopped", "error", err)
	}
}

func (w *Worker) handleIdleCheck(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseIdleCheckPayload(task)
	if err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}

	ended, err := w.ender.EndIfIdle(ctx, payload.SessionID, w.idleTimeout)
	if err != nil {
		w.log.Warn("idle check failed", "session_id", payload.SessionID, "error", err)
		return err
	}
	if ended {
		w.log.Info("idle conversation ended", "session_id", payload.SessionID)
	}
	return nil
}
