package store_test

import (
	"testing"

	"github.com/EternisAI/silo-orchestrator/internal/models"
	"github.com/EternisAI/silo-orchestrator/internal/store"
	"github.com/stretchr/testify/require"
)

func seedAgent(t *testing.T, s store.Store) string {
	t.Helper()
	agent := &models.Agent{UserID: "user-1", Status: models.AgentStatusPaused}
	require.NoError(t, s.CreateAgent(t.Context(), agent))
	return agent.ID
}
