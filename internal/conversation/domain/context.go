// Package domain holds the conversation model and its invariants.
package domain

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Message is a single utterance. It is never modified after being appended.
type Message struct {
	ID        uuid.UUID      `json:"id"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ConversationContext is the state of one sales conversation.
type ConversationContext struct {
	SessionID        string    `json:"sessionId"`
	CustomerID       *string   `json:"customerId,omitempty"`
	Language         string    `json:"language"`
	DetectedLanguage string    `json:"detectedLanguage,omitempty"`
	CurrentIntent    string    `json:"currentIntent,omitempty"`
	Stage            Stage     `json:"stage"`
	Messages         []Message `json:"messages"`
	Active           bool      `json:"active"`
	LastActivityAt   time.Time `json:"lastActivityAt"`
	CreatedAt        time.Time `json:"createdAt"`
}

// NewConversationContext returns a fresh context at the first stage.
func NewConversationContext(sessionID string, customerID *string, language string, now time.Time) ConversationContext {
	return ConversationContext{
		SessionID:      sessionID,
		CustomerID:     customerID,
		Language:       language,
		Stage:          StageIntroduction,
		Messages:       []Message{},
		Active:         true,
		LastActivityAt: now,
		CreatedAt:      now,
	}
}

// Append adds a message and advances LastActivityAt. Timestamps never go
// backwards within a session even if the wall clock does.
func (c *ConversationContext) Append(role Role, content string, metadata map[string]any, now time.Time) Message {
	ts := now
	if ts.Before(c.LastActivityAt) {
		ts = c.LastActivityAt
	}

	msg := Message{
		ID:        uuid.New(),
		Role:      role,
		Content:   content,
		Timestamp: ts,
		Metadata:  maps.Clone(metadata),
	}
	c.Messages = append(c.Messages, msg)
	c.LastActivityAt = ts
	return msg
}

// Touch moves LastActivityAt forward to now if now is later.
func (c *ConversationContext) Touch(now time.Time) {
	if now.After(c.LastActivityAt) {
		c.LastActivityAt = now
	}
}

// Clone returns a deep copy so callers never share slices or maps with a
// cached or stored value.
func (c ConversationContext) Clone() ConversationContext {
	out := c
	if c.CustomerID != nil {
		id := *c.CustomerID
		out.CustomerID = &id
	}
	out.Messages = make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		m.Metadata = maps.Clone(m.Metadata)
		out.Messages[i] = m
	}
	return out
}
