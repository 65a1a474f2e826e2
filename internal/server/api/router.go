package api

import (
	"relay/internal/server/config"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// SetupRouter creates and configures the echo router with all routes and middleware.
func SetupRouter(handler *Handler, cfg *config.Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "Authorization"},
	}))
	e.Use(RequestLogger())

	// Health stays open for probes
	e.GET("/health", handler.HandleHealth)

	api := e.Group("/api")
	if cfg.APIKeyHash != "" {
		api.Use(APIKeyAuth(cfg.APIKeyHash))
	}

	// Rate limiter on transfer creation only
	startLimiter := NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	api.GET("/stats", handler.HandleStats)
	api.POST("/transfers", handler.HandleStartTransfer, startLimiter.Middleware())
	api.GET("/transfers/:user", handler.HandleStatus)
	api.DELETE("/transfers/:user", handler.HandleCancel)
	api.GET("/sessions/interrupted", handler.HandleInterrupted)

	return e
}
