package scheduler

import (
	"context"
	"time"

	"salesagent_backend/internal/events"
	"salesagent_backend/platform/logger"
)

// IdleCheckSubscriber schedules an idle check every time a conversation sees
// activity.
type IdleCheckSubscriber struct {
	scheduler   IdleCheckScheduler
	idleTimeout time.Duration
	log         *logger.Logger
}

func NewIdleCheckSubscriber(scheduler IdleCheckScheduler, idleTimeout time.Duration, log *logger.Logger) *IdleCheckSubscriber {
	return &IdleCheckSubscriber{scheduler: scheduler, idleTimeout: idleTimeout, log: log}
}

// RegisterHandlers subscribes to conversation activity events.
func (s *IdleCheckSubscriber) RegisterHandlers(bus events.Bus) {
	bus.Subscribe(events.ConversationStarted{}.EventName(), s)
	bus.Subscribe(events.ConversationMessageAppended{}.EventName(), s)
}

// Handle routes events to the scheduler.
func (s *IdleCheckSubscriber) Handle(ctx context.Context, event events.Event) error {
	var payload IdleCheckPayload
	switch e := event.(type) {
	case events.ConversationStarted:
		payload = IdleCheckPayload{SessionID: e.SessionID, LastActivityAt: e.OccurredAt()}
	case events.ConversationMessageAppended:
		payload = IdleCheckPayload{SessionID: e.SessionID, LastActivityAt: e.LastActivityAt}
	default:
		return nil
	}

	// Small grace period so the check never runs a hair before the cutoff.
	runAt := payload.LastActivityAt.Add(s.idleTimeout + time.Second)
	if err := s.scheduler.ScheduleIdleCheck(ctx, payload, runAt); err != nil {
		s.log.Warn("failed to schedule idle check", "session_id", payload.SessionID, "error", err)
		return err
	}
	return nil
}

var _ events.Handler = (*IdleCheckSubscriber)(nil)
