package repository

import (
	"context"
	"time"

	"salesagent_backend/internal/conversation/domain"
)

// Store is the durable source of truth for conversations.
type Store interface {
	// Find loads a conversation with its messages in append order.
	Find(ctx context.Context, sessionID string) (domain.ConversationContext, error)
	// Create inserts a new conversation. Fails with AlreadyExists on a duplicate session.
	Create(ctx context.Context, conv domain.ConversationContext) (domain.ConversationContext, error)
	// Update persists conversation fields and any messages not yet stored.
	Update(ctx context.Context, conv domain.ConversationContext) (domain.ConversationContext, error)
	// IsActive reads only the active flag of a stored conversation.
	IsActive(ctx context.Context, sessionID string) (bool, error)
}

// IdleFinder lists active conversations that have gone quiet.
type IdleFinder interface {
	ListIdleSince(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
}
