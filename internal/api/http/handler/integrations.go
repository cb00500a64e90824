package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/EternisAI/silo-orchestrator/internal/api/http/dto"
	"github.com/EternisAI/silo-orchestrator/internal/credentials"
	"github.com/EternisAI/silo-orchestrator/internal/events"
	"github.com/EternisAI/silo-orchestrator/internal/models"
	"github.com/gin-gonic/gin"
)

type CredentialPusher interface {
	PushCredentials(ctx context.Context, userID, provider string) (*credentials.PushResult, error)
}

type TokenRefresher interface {
	RefreshToken(ctx context.Context, integrationID string) (*models.Integration, error)
}

type IntegrationsHandler struct {
	pusher    CredentialPusher
	refresher TokenRefresher
	events    events.Publisher
}

func NewIntegrationsHandler(pusher CredentialPusher, refresher TokenRefresher, publisher events.Publisher) *IntegrationsHandler {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &IntegrationsHandler{
		pusher:    pusher,
		refresher: refresher,
		events:    publisher,
	}
}

// Push delivers the user's current credential to every running machine
// POST /integrations/:provider/push
func (h *IntegrationsHandler) Push(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	provider := c.Param("provider")

	result, err := h.pusher.PushCredentials(c.Request.Context(), uid, provider)
	if err != nil {
		respondError(c, err, "failed to push credentials")
		return
	}

	events.Emit(c.Request.Context(), h.events, events.Event{
		Type:    events.CredentialsPushed,
		UserID:  uid,
		Message: provider,
	})
	c.JSON(http.StatusOK, result)
}

// Refresh exchanges an expired integration token
// POST /internal/integrations/:id/refresh
func (h *IntegrationsHandler) Refresh(c *gin.Context) {
	integration, err := h.refresher.RefreshToken(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, "failed to refresh integration")
		return
	}

	slog.Info("Integration token checked", "integration_id", integration.ID, "provider", integration.Provider)
	c.JSON(http.StatusOK, dto.IntegrationResponse{
		ID:          integration.ID,
		Provider:    integration.Provider,
		TokenExpiry: integration.TokenExpiry,
		UpdatedAt:   integration.UpdatedAt,
	})
}
