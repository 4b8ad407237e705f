// Package transport holds the request and response shapes of the
// conversation HTTP API.
package transport

import (
	"time"

	"salesagent_backend/internal/conversation/domain"
	"salesagent_backend/platform/validator"

	playground "github.com/go-playground/validator/v10"
)

// CreateConversationRequest starts a conversation.
type CreateConversationRequest struct {
	SessionID  string  `json:"sessionId" validate:"required,min=1,max=128"`
	CustomerID *string `json:"customerId,omitempty" validate:"omitempty,min=1,max=128"`
	Language   string  `json:"language,omitempty" validate:"omitempty,bcp47_language_tag"`
}

// AppendMessageRequest appends a message to a conversation.
type AppendMessageRequest struct {
	Role     string         `json:"role" validate:"required,conversation_role"`
	Content  string         `json:"content" validate:"required,min=1,max=8000"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SetStageRequest moves a conversation to another stage.
type SetStageRequest struct {
	Stage string `json:"stage" validate:"required,conversation_stage"`
}

// UpdatePreferencesRequest updates language and intent. Omitted fields are unchanged.
type UpdatePreferencesRequest struct {
	Language         *string `json:"language,omitempty" validate:"omitempty,bcp47_language_tag"`
	DetectedLanguage *string `json:"detectedLanguage,omitempty" validate:"omitempty,bcp47_language_tag"`
	CurrentIntent    *string `json:"currentIntent,omitempty" validate:"omitempty,max=200"`
}

// MessageResponse is a single message.
type MessageResponse struct {
	ID        string         `json:"id"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ConversationResponse is the full conversation state.
type ConversationResponse struct {
	SessionID        string            `json:"sessionId"`
	CustomerID       *string           `json:"customerId,omitempty"`
	Language         string            `json:"language"`
	DetectedLanguage string            `json:"detectedLanguage,omitempty"`
	CurrentIntent    string            `json:"currentIntent,omitempty"`
	Stage            string            `json:"stage"`
	Active           bool              `json:"active"`
	MessageCount     int               `json:"messageCount"`
	Messages         []MessageResponse `json:"messages"`
	LastActivityAt   time.Time         `json:"lastActivityAt"`
	CreatedAt        time.Time         `json:"createdAt"`
}

// AppendMessageResponse returns the new message with the updated conversation.
type AppendMessageResponse struct {
	Message      MessageResponse      `json:"message"`
	Conversation ConversationResponse `json:"conversation"`
}

// RegisterValidators adds the conversation_role and conversation_stage tags.
func RegisterValidators(val *validator.Validator) error {
	if err := val.RegisterValidation("conversation_role", func(fl playground.FieldLevel) bool {
		return domain.Role(fl.Field().String()).Valid()
	}); err != nil {
		return err
	}
	return val.RegisterValidation("conversation_stage", func(fl playground.FieldLevel) bool {
		_, ok := domain.ParseStage(fl.Field().String())
		return ok
	})
}

// ToMessageResponse maps a domain message.
func ToMessageResponse(m domain.Message) MessageResponse {
	return MessageResponse{
		ID:        m.ID.String(),
		Role:      string(m.Role),
		Content:   m.Content,
		Timestamp: m.Timestamp,
		Metadata:  m.Metadata,
	}
}

// ToConversationResponse maps a domain conversation.
func ToConversationResponse(conv domain.ConversationContext) ConversationResponse {
	messages := make([]MessageResponse, 0, len(conv.Messages))
	for _, m := range conv.Messages {
		messages = append(messages, ToMessageResponse(m))
	}
	return ConversationResponse{
		SessionID:        conv.SessionID,
		CustomerID:       conv.CustomerID,
		Language:         conv.Language,
		DetectedLanguage: conv.DetectedLanguage,
		CurrentIntent:    conv.CurrentIntent,
		Stage:            string(conv.Stage),
		Active:           conv.Active,
		MessageCount:     len(conv.Messages),
		Messages:         messages,
		LastActivityAt:   conv.LastActivityAt,
		CreatedAt:        conv.CreatedAt,
	}
}
