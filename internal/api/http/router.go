package http

import (
	"github.com/EternisAI/silo-orchestrator/internal/api/http/handler"
	"github.com/EternisAI/silo-orchestrator/internal/api/http/middleware"
	"github.com/EternisAI/silo-orchestrator/internal/events"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Store interface {
	handler.AgentStore
	handler.InstanceLister
}

type Services struct {
	Store        Store
	Provisioning handler.Provisioner
	Lifecycle    handler.LifecycleManager
	Delivery     handler.CredentialPusher
	Refresher    handler.TokenRefresher
	Events       events.Publisher
	JWTSecret    string
	AdminAPIKey  string
}

func SetupRoute(engine *gin.Engine, srvs *Services) {
	engine.Use(middleware.RequestLogger())

	healthHandler := handler.NewHealthHandler()
	engine.GET("/health", healthHandler.Check)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	agentsHandler := handler.NewAgentsHandler(srvs.Store, srvs.Provisioning, srvs.Lifecycle)
	instancesHandler := handler.NewInstancesHandler(srvs.Store, srvs.Provisioning, srvs.Lifecycle)
	integrationsHandler := handler.NewIntegrationsHandler(srvs.Delivery, srvs.Refresher, srvs.Events)

	api := engine.Group("/api/v1")
	api.Use(middleware.JWTAuth(srvs.JWTSecret))
	{
		api.GET("/regions", agentsHandler.ListRegions)
		api.GET("/agents", agentsHandler.ListAgents)
		api.POST("/agents/:id/provision", agentsHandler.Provision)
		api.GET("/agents/:id/instance", agentsHandler.GetInstance)
		api.POST("/agents/:id/stop", agentsHandler.Stop)
		api.POST("/agents/:id/start", agentsHandler.Start)
		api.POST("/agents/:id/destroy", agentsHandler.Destroy)
		api.POST("/integrations/:provider/push", integrationsHandler.Push)
	}

	internal := engine.Group("/internal")
	internal.Use(middleware.APIKeyAuth(srvs.AdminAPIKey))
	{
		internal.GET("/instances", instancesHandler.ListInstances)
		internal.POST("/instances/step", instancesHandler.StepAll)
		internal.POST("/instances/:id/step", instancesHandler.Step)
		internal.POST("/instances/:id/rollback", instancesHandler.Rollback)
		internal.POST("/integrations/:id/refresh", integrationsHandler.Refresh)
	}
}
