package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"salesagent_backend/internal/conversation/cache"
	"salesagent_backend/internal/conversation/domain"
	"salesagent_backend/internal/conversation/service"
	"salesagent_backend/internal/conversation/transport"
	"salesagent_backend/platform/apperr"
	"salesagent_backend/platform/httpkit"
	"salesagent_backend/platform/logger"
	"salesagent_backend/platform/validator"
)

type memoryStore struct {
	mu    sync.Mutex
	convs map[string]domain.ConversationContext
	down  bool
}

func (s *memoryStore) Find(_ context.Context, sessionID string) (domain.ConversationContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return domain.ConversationContext{}, apperr.StorageUnavailable("find conversation", context.DeadlineExceeded)
	}
	conv, ok := s.convs[sessionID]
	if !ok {
		return domain.ConversationContext{}, apperr.NotFound("conversation not found")
	}
	return conv.Clone(), nil
}

func (s *memoryStore) Create(_ context.Context, conv domain.ConversationContext) (domain.ConversationContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[conv.SessionID]; ok {
		return domain.ConversationContext{}, apperr.AlreadyExists("conversation already exists")
	}
	s.convs[conv.SessionID] = conv.Clone()
	return conv.Clone(), nil
}

func (s *memoryStore) Update(_ context.Context, conv domain.ConversationContext) (domain.ConversationContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[conv.SessionID] = conv.Clone()
	return conv.Clone(), nil
}

func (s *memoryStore) IsActive(_ context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[sessionID]
	if !ok {
		return false, apperr.NotFound("conversation not found")
	}
	return conv.Active, nil
}

func newTestRouter(t *testing.T) (*gin.Engine, *memoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := &memoryStore{convs: make(map[string]domain.ConversationContext)}
	svc := service.New(store, cache.Noop{}, cache.NewPolicy("", 0), logger.Discard())

	val := validator.New()
	if err := transport.RegisterValidators(val); err != nil {
		t.Fatalf("RegisterValidators: %v", err)
	}
	h := New(svc, val)

	engine := gin.New()
	group := engine.Group("/api/v1/conversations")
	group.POST("", h.Create)
	group.GET("/:sessionId", h.Get)
	group.POST("/:sessionId/messages", h.AppendMessage)
	group.PUT("/:sessionId/stage", h.SetStage)
	group.PATCH("/:sessionId/preferences", h.UpdatePreferences)
	group.POST("/:sessionId/end", h.End)
	return engine, store
}

func do(engine *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestConversationEndpointsFlow(t *testing.T) {
	engine, _ := newTestRouter(t)

	rec := do(engine, http.MethodPost, "/api/v1/conversations", gin.H{"sessionId": "s1", "language": "en"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	for _, content := range []string{"hi", "looking for solar panels"} {
		rec = do(engine, http.MethodPost, "/api/v1/conversations/s1/messages", gin.H{"role": "user", "content": content})
		if rec.Code != http.StatusCreated {
			t.Fatalf("append: expected 201, got %d: %s", rec.Code, rec.Body.String())
		}
	}

	rec = do(engine, http.MethodPut, "/api/v1/conversations/s1/stage", gin.H{"stage": "discovery"})
	if rec.Code != http.StatusOK {
		t.Fatalf("stage: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(engine, http.MethodPut, "/api/v1/conversations/s1/stage", gin.H{"stage": "INTRODUCTION"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("backwards stage: expected 409, got %d", rec.Code)
	}
	if errResp := decode[httpkit.ErrorResponse](t, rec); errResp.Code != "invalid_transition" {
		t.Fatalf("expected invalid_transition code, got %q", errResp.Code)
	}

	rec = do(engine, http.MethodPost, "/api/v1/conversations/s1/end", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("end: expected 200, got %d", rec.Code)
	}
	rec = do(engine, http.MethodPost, "/api/v1/conversations/s1/end", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("second end: expected 200, got %d", rec.Code)
	}

	rec = do(engine, http.MethodGet, "/api/v1/conversations/s1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}
	conv := decode[transport.ConversationResponse](t, rec)
	if conv.Stage != string(domain.StageNaturalEnd) || conv.Active || conv.MessageCount != 2 {
		t.Fatalf("unexpected conversation: %+v", conv)
	}
}

func TestCreateConflict(t *testing.T) {
	engine, _ := newTestRouter(t)
	do(engine, http.MethodPost, "/api/v1/conversations", gin.H{"sessionId": "s1"})

	rec := do(engine, http.MethodPost, "/api/v1/conversations", gin.H{"sessionId": "s1"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestGetUnknownReturnsNotFound(t *testing.T) {
	engine, _ := newTestRouter(t)
	rec := do(engine, http.MethodGet, "/api/v1/conversations/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestStoreOutageReturnsServiceUnavailable(t *testing.T) {
	engine, store := newTestRouter(t)
	store.down = true

	rec := do(engine, http.MethodGet, "/api/v1/conversations/s1", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestValidationFailures(t *testing.T) {
	engine, _ := newTestRouter(t)
	do(engine, http.MethodPost, "/api/v1/conversations", gin.H{"sessionId": "s1"})

	tests := []struct {
		name   string
		method string
		path   string
		body   any
	}{
		{"missing session id", http.MethodPost, "/api/v1/conversations", gin.H{"language": "en"}},
		{"bad language tag", http.MethodPost, "/api/v1/conversations", gin.H{"sessionId": "s2", "language": "not a tag"}},
		{"unknown role", http.MethodPost, "/api/v1/conversations/s1/messages", gin.H{"role": "bot", "content": "x"}},
		{"empty content", http.MethodPost, "/api/v1/conversations/s1/messages", gin.H{"role": "user", "content": ""}},
		{"unknown stage", http.MethodPut, "/api/v1/conversations/s1/stage", gin.H{"stage": "CLOSING"}},
		{"malformed json", http.MethodPatch, "/api/v1/conversations/s1/preferences", "{"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(engine, tt.method, tt.path, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestUpdatePreferences(t *testing.T) {
	engine, _ := newTestRouter(t)
	do(engine, http.MethodPost, "/api/v1/conversations", gin.H{"sessionId": "s1", "language": "en"})

	rec := do(engine, http.MethodPatch, "/api/v1/conversations/s1/preferences", gin.H{"detectedLanguage": "nl", "currentIntent": "pricing"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	conv := decode[transport.ConversationResponse](t, rec)
	if conv.Language != "nl" || conv.CurrentIntent != "pricing" {
		t.Fatalf("unexpected preferences: %+v", conv)
	}
}
