package http

import (
	"net/http"

	"panelrelay/internal/core/ports"
	"panelrelay/internal/infrastructure/middleware"
	"panelrelay/pkg/config"
	"panelrelay/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type EngineDeps struct {
	Config     *config.Config
	Streams    *StreamHandler
	Health     *HealthHandler
	WebSocket  http.HandlerFunc
	Metrics    http.Handler
	Credential ports.CredentialVerifier
	Logger     *zap.Logger
}

// NewEngine wires the signaling endpoint, the management API and the
// operational endpoints onto one gin engine.
func NewEngine(deps EngineDeps) *gin.Engine {
	sugar := deps.Logger.Sugar()

	engine := gin.New()
	engine.Use(
		middleware.RecoveryMiddleware(sugar),
		middleware.TracingMiddleware(),
		middleware.RequestLogMiddleware(logger.NewContextLogger(deps.Logger)),
		middleware.ErrorHandlerMiddleware(sugar),
	)

	engine.GET(deps.Config.Signal.Path, gin.WrapF(deps.WebSocket))

	engine.GET("/health", deps.Health.Health)
	engine.GET("/ready", deps.Health.Ready)
	if deps.Metrics != nil {
		engine.GET(deps.Config.Monitoring.MetricsPath, gin.WrapH(deps.Metrics))
	}

	api := engine.Group("/api/v1")
	api.Use(
		middleware.NewHTTPRateLimitMiddleware(deps.Config),
		middleware.ControlPlaneAuth(deps.Credential),
	)
	deps.Streams.SetupRoutes(api)

	return engine
}
