package service

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"salesagent_backend/internal/conversation/cache"
	"salesagent_backend/internal/conversation/domain"
	"salesagent_backend/internal/events"
	"salesagent_backend/platform/apperr"
	"salesagent_backend/platform/logger"
)

var errBackendDown = errors.New("connection refused")

type fakeStore struct {
	mu      sync.Mutex
	convs   map[string]domain.ConversationContext
	down    bool
	finds   int
	updates int
}

func newFakeStore() *fakeStore {
	return &fakeStore{convs: make(map[string]domain.ConversationContext)}
}

func (s *fakeStore) Find(_ context.Context, sessionID string) (domain.ConversationContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finds++
	if s.down {
		return domain.ConversationContext{}, apperr.StorageUnavailable("find conversation", errBackendDown)
	}
	conv, ok := s.convs[sessionID]
	if !ok {
		return domain.ConversationContext{}, apperr.NotFound("conversation not found")
	}
	return conv.Clone(), nil
}

func (s *fakeStore) Create(_ context.Context, conv domain.ConversationContext) (domain.ConversationContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return domain.ConversationContext{}, apperr.StorageUnavailable("create conversation", errBackendDown)
	}
	if _, ok := s.convs[conv.SessionID]; ok {
		return domain.ConversationContext{}, apperr.AlreadyExists("conversation already exists")
	}
	s.convs[conv.SessionID] = conv.Clone()
	return conv.Clone(), nil
}

func (s *fakeStore) Update(_ context.Context, conv domain.ConversationContext) (domain.ConversationContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return domain.ConversationContext{}, apperr.StorageUnavailable("update conversation", errBackendDown)
	}
	if _, ok := s.convs[conv.SessionID]; !ok {
		return domain.ConversationContext{}, apperr.NotFound("conversation not found")
	}
	s.updates++
	s.convs[conv.SessionID] = conv.Clone()
	return conv.Clone(), nil
}

func (s *fakeStore) IsActive(_ context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return false, apperr.StorageUnavailable("conversation active", errBackendDown)
	}
	conv, ok := s.convs[sessionID]
	if !ok {
		return false, apperr.NotFound("conversation not found")
	}
	return conv.Active, nil
}

// endBehindLock ends the stored conversation the way another process would,
// without going through the service.
func (s *fakeStore) endBehindLock(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.convs[sessionID]
	conv.Stage = domain.StageNaturalEnd
	conv.Active = false
	s.convs[sessionID] = conv
}

func (s *fakeStore) setDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

func (s *fakeStore) findCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finds
}

func (s *fakeStore) stored(sessionID string) (domain.ConversationContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[sessionID]
	return conv.Clone(), ok
}

type fakeCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	ttls    map[string]time.Duration
	err     error
	onSet   func(key string)
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string][]byte), ttls: make(map[string]time.Duration)}
}

func (c *fakeCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, false, c.err
	}
	v, ok := c.entries[key]
	return v, ok, nil
}

func (c *fakeCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.entries[key] = append([]byte(nil), value...)
	c.ttls[key] = ttl
	if c.onSet != nil {
		c.onSet(key)
	}
	return nil
}

func (c *fakeCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	delete(c.entries, key)
	delete(c.ttls, key)
	return nil
}

func (c *fakeCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

var _ cache.Cache = (*fakeCache)(nil)

type recordingBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *recordingBus) Publish(_ context.Context, event events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *recordingBus) PublishSync(ctx context.Context, event events.Event) error {
	b.Publish(ctx, event)
	return nil
}

func (b *recordingBus) Subscribe(string, events.Handler) {}

func (b *recordingBus) names() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.events))
	for i, e := range b.events {
		out[i] = e.EventName()
	}
	return out
}

type fixture struct {
	svc   *Service
	store *fakeStore
	cache *fakeCache
	bus   *recordingBus
	logs  *bytes.Buffer
	clock *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newFixture() *fixture {
	f := &fixture{
		store: newFakeStore(),
		cache: newFakeCache(),
		bus:   &recordingBus{},
		logs:  &bytes.Buffer{},
		clock: &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
	log := logger.NewWithWriter("test", &lockedWriter{buf: f.logs})
	f.svc = New(f.store, f.cache, cache.NewPolicy("", 30*time.Minute), log)
	f.svc.SetEventBus(f.bus)
	f.svc.SetClock(f.clock.Now)
	return f
}

type lockedWriter struct {
	mu  sync.Mutex
	buf *bytes.Buffer
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}
