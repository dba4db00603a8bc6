package http

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/EternisAI/rac-sentinel/internal/api/http/handler"
	"github.com/EternisAI/rac-sentinel/internal/api/http/middleware"
)

type Services struct {
	AgentID     string
	AdminAPIKey string
	Status      handler.StatusSource
	Commands    handler.CommandQueue
	Gatherer    prometheus.Gatherer
}

func SetupRoute(engine *gin.Engine, srvs *Services) {
	engine.Use(middleware.RequestLogger())

	healthHandler := handler.NewHealthHandler()
	engine.GET("/health", healthHandler.Check)

	if srvs.Status != nil {
		statusHandler := handler.NewStatusHandler(srvs.Status)
		engine.GET("/status", statusHandler.Get)
	}

	if srvs.Gatherer != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(srvs.Gatherer, promhttp.HandlerOpts{})))
	}

	if srvs.Commands != nil {
		commandHandler := handler.NewCommandHandler(srvs.AgentID, srvs.Commands)
		admin := engine.Group("/api/v1", middleware.APIKeyAuth(srvs.AdminAPIKey))
		admin.POST("/commands", commandHandler.Enqueue)
	}
}
