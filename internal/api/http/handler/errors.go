package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/EternisAI/silo-orchestrator/internal/credentials"
	"github.com/EternisAI/silo-orchestrator/internal/hetzner"
	"github.com/EternisAI/silo-orchestrator/internal/lifecycle"
	"github.com/EternisAI/silo-orchestrator/internal/provisioning"
	"github.com/EternisAI/silo-orchestrator/internal/store"
	"github.com/gin-gonic/gin"
)

// respondError maps service errors to status codes. Provider errors are
// reduced to a friendly message; details stay in the log.
func respondError(c *gin.Context, err error, msg string) {
	switch {
	case errors.Is(err, provisioning.ErrAgentNotFound),
		errors.Is(err, provisioning.ErrInstanceNotFound),
		errors.Is(err, lifecycle.ErrInstanceNotFound),
		errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrActiveInstanceExists),
		errors.Is(err, lifecycle.ErrNotRunning),
		errors.Is(err, lifecycle.ErrNotStopped),
		errors.Is(err, lifecycle.ErrInstanceChanged),
		errors.Is(err, lifecycle.ErrInstanceDestroyed):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, credentials.ErrReconnectRequired):
		c.JSON(http.StatusConflict, gin.H{"error": credentials.ErrReconnectRequired.Error()})
	case errors.Is(err, hetzner.ErrRateLimited),
		errors.Is(err, hetzner.ErrActionFailed),
		errors.Is(err, hetzner.ErrActionTimeout),
		hetzner.ErrorCode(err) != "":
		slog.Warn(msg, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": provisioning.FriendlyMessage(err)})
	default:
		slog.Error(msg, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
	}
}

func userID(c *gin.Context) (string, bool) {
	id := c.GetString("user_id")
	if id == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user_id not found in context"})
		return "", false
	}
	return id, true
}
