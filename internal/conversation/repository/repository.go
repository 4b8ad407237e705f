// Package repository persists conversations in PostgreSQL.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"salesagent_backend/internal/conversation/domain"
	"salesagent_backend/platform/apperr"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	conversationNotFoundMessage = "conversation not found"
	conversationExistsMessage   = "conversation already exists"

	opFind          = "conversation.find"
	opIsActive      = "conversation.is_active"
	opCreate        = "conversation.create"
	opUpdate        = "conversation.update"
	opListIdleSince = "conversation.list_idle_since"

	pgUniqueViolation = "23505"
)

// Messages and the conversation row are read from one snapshot.
var findTxOptions = pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}

const findConversationQuery = `
	SELECT session_id, customer_id, language, detected_language, current_intent,
		stage, is_active, last_activity_at, created_at
	FROM conversations
	WHERE session_id = $1`

const conversationActiveQuery = `
	SELECT is_active FROM conversations WHERE session_id = $1`

const listMessagesQuery = `
	SELECT id, role, content, metadata, created_at
	FROM conversation_messages
	WHERE session_id = $1
	ORDER BY seq ASC`

const insertConversationQuery = `
	INSERT INTO conversations (
		session_id, customer_id, language, detected_language, current_intent,
		stage, is_active, message_count, last_activity_at, created_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

const lockConversationQuery = `
	SELECT message_count, stage, is_active FROM conversations WHERE session_id = $1 FOR UPDATE`

const updateConversationQuery = `
	UPDATE conversations
	SET language = $2,
		detected_language = $3,
		current_intent = $4,
		stage = $5,
		is_active = $6,
		message_count = $7,
		last_activity_at = GREATEST(last_activity_at, $8),
		updated_at = now()
	WHERE session_id = $1`

const insertMessageQuery = `
	INSERT INTO conversation_messages (id, session_id, seq, role, content, metadata, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (session_id, seq) DO NOTHING`

const listIdleSinceQuery = `
	SELECT session_id
	FROM conversations
	WHERE is_active AND last_activity_at < $1
	ORDER BY last_activity_at ASC
	LIMIT $2`

// Repo implements Store on a pgx pool.
type Repo struct {
	pool *pgxpool.Pool
}

// New creates a new conversation repository.
func New(pool *pgxpool.Pool) *Repo {
	return &Repo{pool: pool}
}

// Compile-time checks.
var (
	_ Store      = (*Repo)(nil)
	_ IdleFinder = (*Repo)(nil)
)

// Find loads a conversation and its messages.
func (r *Repo) Find(ctx context.Context, sessionID string) (domain.ConversationContext, error) {
	var conv domain.ConversationContext
	err := pgx.BeginTxFunc(ctx, r.pool, findTxOptions, func(tx pgx.Tx) error {
		var err error
		conv, err = findConversation(ctx, tx, sessionID)
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ConversationContext{}, apperr.NotFound(conversationNotFoundMessage).WithOp(opFind)
		}
		return domain.ConversationContext{}, classify(opFind, err)
	}
	return conv, nil
}

func findConversation(ctx context.Context, tx pgx.Tx, sessionID string) (domain.ConversationContext, error) {
	var conv domain.ConversationContext
	var stage string
	if err := tx.QueryRow(ctx, findConversationQuery, sessionID).Scan(
		&conv.SessionID, &conv.CustomerID, &conv.Language, &conv.DetectedLanguage, &conv.CurrentIntent,
		&stage, &conv.Active, &conv.LastActivityAt, &conv.CreatedAt,
	); err != nil {
		return domain.ConversationContext{}, err
	}
	conv.Stage = domain.Stage(stage)

	rows, err := tx.Query(ctx, listMessagesQuery, sessionID)
	if err != nil {
		return domain.ConversationContext{}, err
	}
	defer rows.Close()

	conv.Messages = []domain.Message{}
	for rows.Next() {
		var msg domain.Message
		var role string
		var metadata []byte
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &metadata, &msg.Timestamp); err != nil {
			return domain.ConversationContext{}, err
		}
		msg.Role = domain.Role(role)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &msg.Metadata); err != nil {
				return domain.ConversationContext{}, apperr.Wrap(apperr.KindInternal, "corrupt message metadata", err).WithOp(opFind)
			}
		}
		conv.Messages = append(conv.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return domain.ConversationContext{}, err
	}
	return conv, nil
}

// IsActive reports whether the stored conversation is still active.
func (r *Repo) IsActive(ctx context.Context, sessionID string) (bool, error) {
	var active bool
	if err := r.pool.QueryRow(ctx, conversationActiveQuery, sessionID).Scan(&active); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, apperr.NotFound(conversationNotFoundMessage).WithOp(opIsActive)
		}
		return false, apperr.StorageUnavailable(opIsActive, err)
	}
	return active, nil
}

// Create inserts a conversation and any initial messages atomically.
func (r *Repo) Create(ctx context.Context, conv domain.ConversationContext) (domain.ConversationContext, error) {
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, insertConversationQuery,
			conv.SessionID, conv.CustomerID, conv.Language, conv.DetectedLanguage, conv.CurrentIntent,
			string(conv.Stage), conv.Active, len(conv.Messages), conv.LastActivityAt, conv.CreatedAt,
		); err != nil {
			return err
		}
		return insertMessages(ctx, tx, conv.SessionID, 0, conv.Messages)
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return domain.ConversationContext{}, apperr.AlreadyExists(conversationExistsMessage).WithOp(opCreate)
		}
		return domain.ConversationContext{}, classify(opCreate, err)
	}
	return conv, nil
}

// Update persists conversation fields and appends messages beyond the stored
// count. Stored messages are never rewritten.
func (r *Repo) Update(ctx context.Context, conv domain.ConversationContext) (domain.ConversationContext, error) {
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var (
			stored       int
			storedStage  string
			storedActive bool
		)
		if err := tx.QueryRow(ctx, lockConversationQuery, conv.SessionID).Scan(&stored, &storedStage, &storedActive); err != nil {
			return err
		}
		if err := checkProgress(domain.Stage(storedStage), storedActive, conv); err != nil {
			return err
		}

		pending, err := pendingMessages(conv.Messages, stored)
		if err != nil {
			return err
		}
		if err := insertMessages(ctx, tx, conv.SessionID, stored, pending); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, updateConversationQuery,
			conv.SessionID, conv.Language, conv.DetectedLanguage, conv.CurrentIntent,
			string(conv.Stage), conv.Active, stored+len(pending), conv.LastActivityAt,
		)
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ConversationContext{}, apperr.NotFound(conversationNotFoundMessage).WithOp(opUpdate)
		}
		return domain.ConversationContext{}, classify(opUpdate, err)
	}
	return conv, nil
}

// ListIdleSince returns active sessions whose last activity is before cutoff, oldest first.
func (r *Repo) ListIdleSince(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx, listIdleSinceQuery, cutoff, limit)
	if err != nil {
		return nil, apperr.StorageUnavailable(opListIdleSince, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, apperr.StorageUnavailable(opListIdleSince, err)
	}
	return ids, nil
}

// classify keeps domain errors raised inside a transaction. Postgres data
// exceptions and integrity violations are caused by the values written, so
// they surface as validation errors. Everything else means the store is
// unavailable.
func classify(op string, err error) error {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && rejectsValue(pgErr.Code) {
		return apperr.Wrap(apperr.KindValidation, "value rejected by store", err).WithOp(op)
	}
	return apperr.StorageUnavailable(op, err)
}

// rejectsValue matches SQLSTATE class 22 (data exception) and class 23
// (integrity constraint violation) apart from unique violations.
func rejectsValue(code string) bool {
	if code == pgUniqueViolation {
		return false
	}
	return strings.HasPrefix(code, "22") || strings.HasPrefix(code, "23")
}

// checkProgress rejects writes built from a snapshot taken before another
// process moved the conversation forward or ended it.
func checkProgress(storedStage domain.Stage, storedActive bool, conv domain.ConversationContext) error {
	if !storedActive && conv.Active {
		return apperr.InvalidTransition("conversation has ended").WithOp(opUpdate)
	}
	if conv.Stage.Rank() < storedStage.Rank() {
		return apperr.InvalidTransition(fmt.Sprintf("stage %s is behind stored stage %s", conv.Stage, storedStage)).WithOp(opUpdate)
	}
	return nil
}

// pendingMessages returns the tail of msgs not yet stored. A context holding
// fewer messages than the store means it was built from a stale snapshot.
func pendingMessages(msgs []domain.Message, stored int) ([]domain.Message, error) {
	if len(msgs) < stored {
		return nil, apperr.Internal(fmt.Sprintf("stale conversation snapshot: %d messages, %d stored", len(msgs), stored)).WithOp(opUpdate)
	}
	return msgs[stored:], nil
}

func insertMessages(ctx context.Context, tx pgx.Tx, sessionID string, offset int, msgs []domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for i, msg := range msgs {
		var metadata []byte
		if len(msg.Metadata) > 0 {
			encoded, err := json.Marshal(msg.Metadata)
			if err != nil {
				return apperr.Validation("message metadata is not JSON encodable").WithOp(opUpdate)
			}
			metadata = encoded
		}
		batch.Queue(insertMessageQuery, msg.ID, sessionID, offset+i+1, string(msg.Role), msg.Content, metadata, msg.Timestamp)
	}

	results := tx.SendBatch(ctx, batch)
	defer results.Close()
	for range msgs {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return results.Close()
}
