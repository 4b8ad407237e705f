// Package conversation provides the conversation context bounded context module.
// It owns per-session dialogue state, the stage machine and the cache in front
// of the durable store.
package conversation

import (
	"salesagent_backend/internal/conversation/cache"
	"salesagent_backend/internal/conversation/handler"
	"salesagent_backend/internal/conversation/repository"
	"salesagent_backend/internal/conversation/service"
	"salesagent_backend/internal/conversation/transport"
	"salesagent_backend/internal/events"
	apphttp "salesagent_backend/internal/http"
	"salesagent_backend/platform/config"
	"salesagent_backend/platform/logger"
	"salesagent_backend/platform/validator"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ModuleConfig combines the config interfaces the module reads.
type ModuleConfig interface {
	config.CacheConfig
	config.ConversationConfig
}

// Module is the conversation bounded context module implementing http.Module.
type Module struct {
	handler *handler.Handler
	service *service.Service
	repo    *repository.Repo
}

// NewModule creates and initializes the conversation module. A nil cache
// runs the module store-only.
func NewModule(pool *pgxpool.Pool, c cache.Cache, cfg ModuleConfig, bus events.Bus, val *validator.Validator, log *logger.Logger) (*Module, error) {
	if err := transport.RegisterValidators(val); err != nil {
		return nil, err
	}

	repo := repository.New(pool)
	policy := cache.NewPolicy(cfg.GetContextCachePrefix(), cfg.GetContextCacheTTL())
	svc := service.New(repo, c, policy, log)
	svc.SetDefaultLanguage(cfg.GetDefaultLanguage())
	if bus != nil {
		svc.SetEventBus(bus)
	}

	return &Module{
		handler: handler.New(svc, val),
		service: svc,
		repo:    repo,
	}, nil
}

// Name returns the module identifier.
func (m *Module) Name() string {
	return "conversation"
}

// Service returns the coordinator for other modules and background workers.
func (m *Module) Service() *service.Service {
	return m.service
}

// IdleFinder exposes the idle-session query for the scheduler.
func (m *Module) IdleFinder() repository.IdleFinder {
	return m.repo
}

// RegisterRoutes mounts conversation routes on the provided router context.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	group := ctx.Protected.Group("/conversations")
	group.POST("", m.handler.Create)
	group.GET("/:sessionId", m.handler.Get)
	group.POST("/:sessionId/messages", m.handler.AppendMessage)
	group.PUT("/:sessionId/stage", m.handler.SetStage)
	group.PATCH("/:sessionId/preferences", m.handler.UpdatePreferences)
	group.POST("/:sessionId/end", m.handler.End)
}

// Compile-time check that Module implements http.Module
var _ apphttp.Module = (*Module)(nil)
