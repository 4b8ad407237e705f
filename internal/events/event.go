// Package events provides domain event definitions for decoupled,
// event-driven communication between modules.
// Infrastructure (Bus, Handler) is in platform/events.
package events

import (
	"time"

	"salesagent_backend/platform/events"
)

// Re-export platform types for convenience
type (
	Event       = events.Event
	Bus         = events.Bus
	Handler     = events.Handler
	HandlerFunc = events.HandlerFunc
	BaseEvent   = events.BaseEvent
	InMemoryBus = events.InMemoryBus
)

// Re-export platform functions
var (
	NewBaseEvent   = events.NewBaseEvent
	NewInMemoryBus = events.NewInMemoryBus
)

// =============================================================================
// Conversation Domain Events
// =============================================================================

// ConversationStarted is published when a new conversation context is stored.
type ConversationStarted struct {
	BaseEvent
	SessionID  string  `json:"sessionId"`
	CustomerID *string `json:"customerId,omitempty"`
	Language   string  `json:"language"`
}

func (e ConversationStarted) EventName() string { return "conversation.started" }

// ConversationMessageAppended is published after a message is persisted.
type ConversationMessageAppended struct {
	BaseEvent
	SessionID      string    `json:"sessionId"`
	MessageID      string    `json:"messageId"`
	Role           string    `json:"role"`
	MessageCount   int       `json:"messageCount"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

func (e ConversationMessageAppended) EventName() string { return "conversation.message.appended" }

// ConversationStageChanged is published when the stage moves forward.
type ConversationStageChanged struct {
	BaseEvent
	SessionID string `json:"sessionId"`
	From      string `json:"from"`
	To        string `json:"to"`
}

func (e ConversationStageChanged) EventName() string { return "conversation.stage.changed" }

// ConversationEnded is published when a conversation reaches its natural end.
type ConversationEnded struct {
	BaseEvent
	SessionID    string `json:"sessionId"`
	MessageCount int    `json:"messageCount"`
	Reason       string `json:"reason"`
}

func (e ConversationEnded) EventName() string { return "conversation.ended" }

// End reasons carried by ConversationEnded.
const (
	EndReasonRequested = "requested"
	EndReasonStage     = "stage"
	EndReasonIdle      = "idle"
)
