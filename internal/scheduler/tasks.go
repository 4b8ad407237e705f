package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
)

const TaskConversationIdleCheck = "conversation.idle_check"

var errMissingSessionID = errors.New("idle check payload has no session id")

type IdleCheckPayload struct {
	SessionID      string    `json:"sessionId"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

func NewIdleCheckTask(payload IdleCheckPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskConversationIdleCheck, data), nil
}

func ParseIdleCheckPayload(task *asynq.Task) (IdleCheckPayload, error) {
	var payload IdleCheckPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return IdleCheckPayload{}, err
	}
	if strings.TrimSpace(payload.SessionID) == "" {
		return IdleCheckPayload{}, errMissingSessionID
	}
	return payload, nil
}

// idleCheckTaskID is unique per session and activity time, so replays of the
// same activity collapse into one task while newer activity schedules anew.
func idleCheckTaskID(payload IdleCheckPayload) string {
	return fmt.Sprintf("idle:%s:%d", payload.SessionID, payload.LastActivityAt.UnixNano())
}
