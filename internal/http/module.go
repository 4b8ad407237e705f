// Package http holds the contract between the router and the domain modules
// that mount routes on it.
package http

import (
	"salesagent_backend/platform/config"
	"salesagent_backend/platform/logger"

	"github.com/gin-gonic/gin"
)

// Module is a bounded context with HTTP routes.
type Module interface {
	// Name identifies the module in logs.
	Name() string
	// RegisterRoutes mounts the module's routes.
	RegisterRoutes(ctx *RouterContext)
}

// RouterContext is what a module gets to build its routes from.
type RouterContext struct {
	Engine *gin.Engine
	// V1 is /api/v1 without authentication.
	V1 *gin.RouterGroup
	// Protected is /api/v1 behind AuthRequired. With no JWT secret
	// configured it lets every request through.
	Protected *gin.RouterGroup
	Config    config.JWTConfig
	Logger    *logger.Logger
}
