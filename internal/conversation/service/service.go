// Package service implements the session coordinator: cached reads, durable
// writes and a per-session serialized stage machine.
package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"salesagent_backend/internal/conversation/cache"
	"salesagent_backend/internal/conversation/domain"
	"salesagent_backend/internal/conversation/repository"
	"salesagent_backend/internal/events"
	"salesagent_backend/platform/apperr"
	"salesagent_backend/platform/logger"
	"salesagent_backend/platform/sanitize"

	"golang.org/x/sync/singleflight"
)

const (
	msgSessionIDRequired = "sessionId is required"
	msgContentRequired   = "content is required"
	msgInvalidRole       = "role must be one of user, assistant, system"
	msgNULContent        = "content must not contain NUL characters"
	msgNULMetadata       = "metadata must not contain NUL characters"
	msgConversationEnded = "conversation has ended"

	defaultLanguage = "en"
	maxLabelRunes   = 200
)

// CreateParams describes a new conversation.
type CreateParams struct {
	SessionID  string
	CustomerID *string
	Language   string
}

// AppendParams describes a message to append.
type AppendParams struct {
	SessionID string
	Role      domain.Role
	Content   string
	Metadata  map[string]any
}

// PreferencesParams updates language and intent. Nil fields are left alone.
// A detected language without an explicit language is mirrored into Language.
type PreferencesParams struct {
	Language         *string
	DetectedLanguage *string
	CurrentIntent    *string
}

// Service coordinates conversation state between the cache and the store.
type Service struct {
	store  repository.Store
	cache  cache.Cache
	policy cache.Policy
	locks  *SessionLocks
	loads  singleflight.Group
	bus    events.Bus
	log    *logger.Logger
	now    func() time.Time

	defaultLanguage string
}

// New creates a coordinator. A nil cache disables caching.
func New(store repository.Store, c cache.Cache, policy cache.Policy, log *logger.Logger) *Service {
	if c == nil {
		c = cache.Noop{}
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Service{
		store:           store,
		cache:           c,
		policy:          policy,
		locks:           NewSessionLocks(),
		log:             log,
		now:             time.Now,
		defaultLanguage: defaultLanguage,
	}
}

// SetEventBus enables domain event publishing.
func (s *Service) SetEventBus(bus events.Bus) {
	s.bus = bus
}

// SetDefaultLanguage sets the language for conversations created implicitly.
func (s *Service) SetDefaultLanguage(lang string) {
	if lang = normalizeLanguage(lang); lang != "" {
		s.defaultLanguage = lang
	}
}

// SetClock replaces the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// GetContext returns the cached context, or loads it from the store and
// caches it. Concurrent misses for one session share a single store read.
// Ended conversations are never cached.
func (s *Service) GetContext(ctx context.Context, sessionID string) (domain.ConversationContext, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.ConversationContext{}, apperr.Validation(msgSessionIDRequired)
	}

	if conv, ok := s.readCache(ctx, sessionID); ok {
		return conv, nil
	}

	// A miss fills the cache under the session lock so a load can never
	// write back a version older than one a mutation already cached or evicted.
	loadCtx := context.WithoutCancel(ctx)
	ch := s.loads.DoChan(sessionID, func() (interface{}, error) {
		var conv domain.ConversationContext
		err := s.withSession(loadCtx, sessionID, func(ctx context.Context) error {
			var err error
			conv, err = s.store.Find(ctx, sessionID)
			if err != nil {
				return err
			}
			if conv.Active {
				s.writeCache(ctx, conv)
			}
			return nil
		})
		return conv, err
	})

	select {
	case <-ctx.Done():
		return domain.ConversationContext{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return domain.ConversationContext{}, res.Err
		}
		return res.Val.(domain.ConversationContext).Clone(), nil
	}
}

// CreateContext stores a new conversation at the first stage.
func (s *Service) CreateContext(ctx context.Context, params CreateParams) (domain.ConversationContext, error) {
	sessionID := strings.TrimSpace(params.SessionID)
	if sessionID == "" {
		return domain.ConversationContext{}, apperr.Validation(msgSessionIDRequired)
	}

	var created domain.ConversationContext
	err := s.withSession(ctx, sessionID, func(ctx context.Context) error {
		if _, err := s.store.Find(ctx, sessionID); err == nil {
			return apperr.AlreadyExists("conversation already exists")
		} else if !apperr.Is(err, apperr.KindNotFound) {
			return err
		}

		lang := normalizeLanguage(params.Language)
		if lang == "" {
			lang = s.defaultLanguage
		}
		customerID := sanitize.LabelPtr(params.CustomerID, maxLabelRunes)
		conv := domain.NewConversationContext(sessionID, customerID, lang, s.now())

		stored, err := s.store.Create(ctx, conv)
		if err != nil {
			return err
		}
		s.writeCache(ctx, stored)
		s.publish(ctx, events.ConversationStarted{
			BaseEvent:  events.NewBaseEvent(),
			SessionID:  stored.SessionID,
			CustomerID: stored.CustomerID,
			Language:   stored.Language,
		})
		s.log.WithContext(ctx).SessionEvent("created", sessionID, "language", stored.Language)
		created = stored
		return nil
	})
	if err != nil {
		return domain.ConversationContext{}, err
	}
	return created.Clone(), nil
}

// AppendMessage appends a message. The first inbound user message creates the
// conversation; other roles require an existing one.
func (s *Service) AppendMessage(ctx context.Context, params AppendParams) (domain.Message, domain.ConversationContext, error) {
	sessionID := strings.TrimSpace(params.SessionID)
	if sessionID == "" {
		return domain.Message{}, domain.ConversationContext{}, apperr.Validation(msgSessionIDRequired)
	}
	if !params.Role.Valid() {
		return domain.Message{}, domain.ConversationContext{}, apperr.Validation(msgInvalidRole)
	}
	if strings.TrimSpace(params.Content) == "" {
		return domain.Message{}, domain.ConversationContext{}, apperr.Validation(msgContentRequired)
	}
	if strings.ContainsRune(params.Content, 0) {
		return domain.Message{}, domain.ConversationContext{}, apperr.Validation(msgNULContent)
	}
	if containsNUL(params.Metadata) {
		return domain.Message{}, domain.ConversationContext{}, apperr.Validation(msgNULMetadata)
	}

	var msg domain.Message
	var result domain.ConversationContext
	err := s.withSession(ctx, sessionID, func(ctx context.Context) error {
		conv, err := s.store.Find(ctx, sessionID)
		isNew := false
		switch {
		case err == nil:
		case apperr.Is(err, apperr.KindNotFound) && params.Role == domain.RoleUser:
			conv = domain.NewConversationContext(sessionID, nil, s.defaultLanguage, s.now())
			isNew = true
		default:
			return err
		}

		if conv.Stage.IsTerminal() || !conv.Active {
			return apperr.InvalidTransition(msgConversationEnded)
		}

		msg = conv.Append(params.Role, params.Content, params.Metadata, s.now())

		var stored domain.ConversationContext
		if isNew {
			stored, err = s.store.Create(ctx, conv)
		} else {
			stored, err = s.store.Update(ctx, conv)
		}
		if err != nil {
			return err
		}

		s.writeCache(ctx, stored)
		if isNew {
			s.publish(ctx, events.ConversationStarted{
				BaseEvent: events.NewBaseEvent(),
				SessionID: stored.SessionID,
				Language:  stored.Language,
			})
		}
		s.publish(ctx, events.ConversationMessageAppended{
			BaseEvent:      events.NewBaseEvent(),
			SessionID:      stored.SessionID,
			MessageID:      msg.ID.String(),
			Role:           string(msg.Role),
			MessageCount:   len(stored.Messages),
			LastActivityAt: stored.LastActivityAt,
		})
		result = stored
		return nil
	})
	if err != nil {
		return domain.Message{}, domain.ConversationContext{}, err
	}
	return msg, result.Clone(), nil
}

// SetStage moves the conversation to stage. Moving backwards or leaving
// NATURAL_END fails with InvalidTransition. Reaching NATURAL_END ends the
// conversation.
func (s *Service) SetStage(ctx context.Context, sessionID string, stage domain.Stage) (domain.ConversationContext, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.ConversationContext{}, apperr.Validation(msgSessionIDRequired)
	}

	var result domain.ConversationContext
	err := s.withSession(ctx, sessionID, func(ctx context.Context) error {
		conv, err := s.store.Find(ctx, sessionID)
		if err != nil {
			return err
		}
		if err := domain.CanTransition(conv.Stage, stage); err != nil {
			return err
		}
		if conv.Stage == stage {
			result = conv
			return nil
		}

		if stage.IsTerminal() {
			result, err = s.end(ctx, conv, events.EndReasonStage)
			return err
		}

		from := conv.Stage
		conv.Stage = stage
		conv.Touch(s.now())
		stored, err := s.store.Update(ctx, conv)
		if err != nil {
			return err
		}
		s.writeCache(ctx, stored)
		s.publish(ctx, events.ConversationStageChanged{
			BaseEvent: events.NewBaseEvent(),
			SessionID: sessionID,
			From:      string(from),
			To:        string(stage),
		})
		s.log.WithContext(ctx).SessionEvent("stage_changed", sessionID, "from", from, "to", stage)
		result = stored
		return nil
	})
	if err != nil {
		return domain.ConversationContext{}, err
	}
	return result.Clone(), nil
}

// UpdatePreferences changes language and intent labels.
func (s *Service) UpdatePreferences(ctx context.Context, sessionID string, params PreferencesParams) (domain.ConversationContext, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.ConversationContext{}, apperr.Validation(msgSessionIDRequired)
	}

	var result domain.ConversationContext
	err := s.withSession(ctx, sessionID, func(ctx context.Context) error {
		conv, err := s.store.Find(ctx, sessionID)
		if err != nil {
			return err
		}
		if conv.Stage.IsTerminal() || !conv.Active {
			return apperr.InvalidTransition(msgConversationEnded)
		}

		if params.DetectedLanguage != nil {
			conv.DetectedLanguage = normalizeLanguage(*params.DetectedLanguage)
			if params.Language == nil && conv.DetectedLanguage != "" {
				conv.Language = conv.DetectedLanguage
			}
		}
		if params.Language != nil {
			if lang := normalizeLanguage(*params.Language); lang != "" {
				conv.Language = lang
			}
		}
		if params.CurrentIntent != nil {
			conv.CurrentIntent = sanitize.Label(*params.CurrentIntent, maxLabelRunes)
		}

		stored, err := s.store.Update(ctx, conv)
		if err != nil {
			return err
		}
		s.writeCache(ctx, stored)
		result = stored
		return nil
	})
	if err != nil {
		return domain.ConversationContext{}, err
	}
	return result.Clone(), nil
}

// EndSession moves the conversation to NATURAL_END, marks it inactive and
// evicts it from the cache. Ending an ended conversation changes nothing.
func (s *Service) EndSession(ctx context.Context, sessionID string) (domain.ConversationContext, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.ConversationContext{}, apperr.Validation(msgSessionIDRequired)
	}

	var result domain.ConversationContext
	err := s.withSession(ctx, sessionID, func(ctx context.Context) error {
		conv, err := s.store.Find(ctx, sessionID)
		if err != nil {
			return err
		}
		result, err = s.end(ctx, conv, events.EndReasonRequested)
		return err
	})
	if err != nil {
		return domain.ConversationContext{}, err
	}
	return result.Clone(), nil
}

// EndIfIdle ends the conversation when its last activity is older than
// idleFor. It reports whether this call ended it.
func (s *Service) EndIfIdle(ctx context.Context, sessionID string, idleFor time.Duration) (bool, error) {
	var ended bool
	err := s.withSession(ctx, sessionID, func(ctx context.Context) error {
		conv, err := s.store.Find(ctx, sessionID)
		if err != nil {
			return err
		}
		if !conv.Active || s.now().Sub(conv.LastActivityAt) < idleFor {
			return nil
		}
		if _, err := s.end(ctx, conv, events.EndReasonIdle); err != nil {
			return err
		}
		ended = true
		return nil
	})
	if apperr.Is(err, apperr.KindNotFound) {
		return false, nil
	}
	return ended, err
}

// end must be called while holding the session lock.
func (s *Service) end(ctx context.Context, conv domain.ConversationContext, reason string) (domain.ConversationContext, error) {
	if conv.Stage.IsTerminal() && !conv.Active {
		s.evictCache(ctx, conv.SessionID)
		return conv, nil
	}

	conv.Stage = domain.StageNaturalEnd
	conv.Active = false
	stored, err := s.store.Update(ctx, conv)
	if err != nil {
		return domain.ConversationContext{}, err
	}

	s.evictCache(ctx, conv.SessionID)
	s.publish(ctx, events.ConversationEnded{
		BaseEvent:    events.NewBaseEvent(),
		SessionID:    conv.SessionID,
		MessageCount: len(stored.Messages),
		Reason:       reason,
	})
	s.log.WithContext(ctx).SessionEvent("ended", conv.SessionID, "reason", reason)
	return stored, nil
}

// withSession runs fn while holding the session lock. Once the lock is
// granted fn runs to completion even if the caller stops waiting.
func (s *Service) withSession(ctx context.Context, sessionID string, fn func(ctx context.Context) error) error {
	release, err := s.locks.Acquire(ctx, sessionID)
	if err != nil {
		return err
	}
	defer release()

	return fn(context.WithoutCancel(ctx))
}

func (s *Service) readCache(ctx context.Context, sessionID string) (domain.ConversationContext, bool) {
	key := s.policy.Key(sessionID)
	data, found, err := s.cache.Get(ctx, key)
	if err != nil {
		s.log.CacheError("get", key, err)
		return domain.ConversationContext{}, false
	}
	if !found {
		return domain.ConversationContext{}, false
	}

	var conv domain.ConversationContext
	if err := json.Unmarshal(data, &conv); err != nil {
		s.log.CacheError("decode", key, err)
		s.evictCache(ctx, sessionID)
		return domain.ConversationContext{}, false
	}
	if conv.Messages == nil {
		conv.Messages = []domain.Message{}
	}
	return conv, true
}

// writeCache stores conv and then checks the store row. Another process may
// have ended the conversation and evicted it after conv was read; the entry is
// dropped again in that case.
func (s *Service) writeCache(ctx context.Context, conv domain.ConversationContext) {
	key := s.policy.Key(conv.SessionID)
	data, err := json.Marshal(conv)
	if err != nil {
		s.log.CacheError("encode", key, err)
		return
	}
	if err := s.cache.Set(ctx, key, data, s.policy.TTL); err != nil {
		s.log.CacheError("set", key, err)
		return
	}

	active, err := s.store.IsActive(ctx, conv.SessionID)
	if err == nil && active {
		return
	}
	if err != nil {
		s.log.WithContext(ctx).DatabaseError("confirm cached conversation", err)
	}
	s.evictCache(ctx, conv.SessionID)
}

func (s *Service) evictCache(ctx context.Context, sessionID string) {
	key := s.policy.Key(sessionID)
	if err := s.cache.Delete(ctx, key); err != nil {
		s.log.CacheError("delete", key, err)
	}
}

func (s *Service) publish(ctx context.Context, event events.Event) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, event)
}

// containsNUL reports whether any string inside v holds a NUL character.
func containsNUL(v any) bool {
	switch val := v.(type) {
	case string:
		return strings.ContainsRune(val, 0)
	case map[string]any:
		for k, item := range val {
			if strings.ContainsRune(k, 0) || containsNUL(item) {
				return true
			}
		}
	case []any:
		for _, item := range val {
			if containsNUL(item) {
				return true
			}
		}
	}
	return false
}

func normalizeLanguage(lang string) string {
	return strings.ToLower(strings.TrimSpace(lang))
}
