package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	internalhttp "github.com/EternisAI/silo-orchestrator/internal/api/http"
	"github.com/EternisAI/silo-orchestrator/internal/bootstrap"
	"github.com/EternisAI/silo-orchestrator/internal/credentials"
	"github.com/EternisAI/silo-orchestrator/internal/events"
	"github.com/EternisAI/silo-orchestrator/internal/hetzner"
	"github.com/EternisAI/silo-orchestrator/internal/lifecycle"
	"github.com/EternisAI/silo-orchestrator/internal/mesh"
	"github.com/EternisAI/silo-orchestrator/internal/provisioning"
	"github.com/EternisAI/silo-orchestrator/internal/store"
	"github.com/EternisAI/silo-orchestrator/internal/telemetry"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
)

var AppVersion string

func main() {
	InitConfig()

	slog.Info("Silo Orchestrator Server", "version", AppVersion)

	ctx := context.Background()

	shutdownTracing, err := telemetry.Init(config.Tracing)
	if err != nil {
		fatal("Failed to initialize tracing", err)
	}

	publisher, err := events.New(config.Nats)
	if err != nil {
		fatal("Failed to connect event publisher", err)
	}
	defer publisher.Close()

	st, err := store.Open(ctx, config.Store, config.Database)
	if err != nil {
		fatal("Failed to open store", err)
	}
	defer st.Close()

	sealer, err := credentials.NewAgeSealer(config.Credentials.AgeIdentity, config.Credentials.Escrow...)
	if err != nil {
		fatal("Failed to load credential sealing key", err)
	}

	generator, err := bootstrap.NewGenerator(config.Bootstrap)
	if err != nil {
		fatal("Failed to load bootstrap templates", err)
	}

	provider := hetzner.NewClient(config.Hetzner)
	meshClient, err := mesh.NewClient(config.Mesh)
	if err != nil {
		fatal("Failed to configure mesh client", err)
	}
	if !meshClient.Enabled() {
		slog.Warn("Mesh enrollment disabled, machines are reached on their public address only")
	}

	refresher := credentials.NewRefresher(st, sealer, config.Credentials.Providers)
	delivery := credentials.NewDelivery(st, sealer, refresher, config.Credentials.PushTimeout)

	provisioner := provisioning.NewService(config.Provisioning, provisioning.Deps{
		Store:       st,
		Provider:    provider,
		Generator:   generator,
		Mesh:        meshClient,
		Credentials: delivery,
		Sealer:      sealer,
		Events:      publisher,
	})
	manager := lifecycle.NewManager(config.Lifecycle, st, provider, meshClient, publisher)

	services := &internalhttp.Services{
		Store:        st,
		Provisioning: provisioner,
		Lifecycle:    manager,
		Delivery:     delivery,
		Refresher:    refresher,
		Events:       publisher,
		JWTSecret:    config.Auth.JWTSecret,
		AdminAPIKey:  config.Http.AdminAPIKey,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     lo.Ternary(len(config.Http.CORSOrigins) > 0, config.Http.CORSOrigins, []string{"*"}),
		AllowMethods:     []string{"PUT", "PATCH", "GET", "POST", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	engine.Use(gin.Recovery())
	internalhttp.SetupRoute(engine, services)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Http.Port),
		Handler: engine,
	}

	errChan := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("Server error", "error", err)
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	}

	slog.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	} else {
		slog.Info("HTTP server stopped")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Error("Tracer shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}
