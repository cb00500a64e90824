// Package storetest holds behavioural checks shared by every store.Store
// implementation. Each test opens a fresh store through the supplied factory.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/EternisAI/silo-orchestrator/internal/models"
	"github.com/EternisAI/silo-orchestrator/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Factory func(t *testing.T) store.Store

func Run(t *testing.T, open Factory) {
	t.Run("AgentRoundTrip", func(t *testing.T) { testAgentRoundTrip(t, open(t)) })
	t.Run("OneActiveInstancePerAgent", func(t *testing.T) { testOneActiveInstance(t, open(t)) })
	t.Run("CompareAndSwapStatus", func(t *testing.T) { testCompareAndSwap(t, open(t)) })
	t.Run("ConcurrentClaim", func(t *testing.T) { testConcurrentClaim(t, open(t)) })
	t.Run("UpdateInstanceIfStatus", func(t *testing.T) { testUpdateInstanceIfStatus(t, open(t)) })
	t.Run("ServerAssignmentImmutable", func(t *testing.T) { testServerAssignmentImmutable(t, open(t)) })
	t.Run("LatestAndRunningQueries", func(t *testing.T) { testQueries(t, open(t)) })
	t.Run("IntegrationRoundTrip", func(t *testing.T) { testIntegrationRoundTrip(t, open(t)) })
}

func seedAgent(t *testing.T, s store.Store, userID string) *models.Agent {
	t.Helper()
	agent := &models.Agent{
		UserID: userID,
		Name:   "assistant",
		Status: models.AgentStatusPaused,
		LLM:    models.LLMConfig{Provider: models.LLMProviderManaged},
	}
	require.NoError(t, s.CreateAgent(context.Background(), agent))
	return agent
}

func testAgentRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	agent := seedAgent(t, s, "user-1")
	require.NotEmpty(t, agent.ID)

	agent.GatewayToken = "gw_token"
	agent.Status = models.AgentStatusActive
	require.NoError(t, s.UpdateAgent(ctx, agent))

	got, err := s.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, "gw_token", got.GatewayToken)
	assert.Equal(t, models.AgentStatusActive, got.Status)
	assert.Equal(t, models.LLMProviderManaged, got.LLM.Provider)

	agents, err := s.ListAgentsByUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, agents, 1)

	_, err = s.GetAgent(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testOneActiveInstance(t *testing.T, s store.Store) {
	ctx := context.Background()
	agent := seedAgent(t, s, "user-1")

	first := &models.Instance{AgentID: agent.ID, Status: models.StatusPending, Region: "us-east"}
	require.NoError(t, s.CreateInstance(ctx, first))

	second := &models.Instance{AgentID: agent.ID, Status: models.StatusPending}
	assert.ErrorIs(t, s.CreateInstance(ctx, second), store.ErrActiveInstanceExists)

	first.Status = models.StatusFailed
	first.Error = "boom"
	require.NoError(t, s.UpdateInstance(ctx, first))

	third := &models.Instance{AgentID: agent.ID, Status: models.StatusPending}
	require.NoError(t, s.CreateInstance(ctx, third))

	// Reopening the failed row would create a second active instance.
	_, err := s.CompareAndSwapStatus(ctx, first.ID, models.StatusFailed, models.StatusProvisioning)
	assert.ErrorIs(t, err, store.ErrActiveInstanceExists)
}

func testCompareAndSwap(t *testing.T, s store.Store) {
	ctx := context.Background()
	agent := seedAgent(t, s, "user-1")
	instance := &models.Instance{AgentID: agent.ID, Status: models.StatusPending}
	require.NoError(t, s.CreateInstance(ctx, instance))

	ok, err := s.CompareAndSwapStatus(ctx, instance.ID, models.StatusPending, models.StatusProvisioning)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CompareAndSwapStatus(ctx, instance.ID, models.StatusPending, models.StatusProvisioning)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetInstance(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProvisioning, got.Status)

	ok, err = s.CompareAndSwapStatus(ctx, "missing", models.StatusPending, models.StatusProvisioning)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testConcurrentClaim(t *testing.T, s store.Store) {
	ctx := context.Background()
	agent := seedAgent(t, s, "user-1")
	instance := &models.Instance{AgentID: agent.ID, Status: models.StatusPending}
	require.NoError(t, s.CreateInstance(ctx, instance))

	const callers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.CompareAndSwapStatus(ctx, instance.ID, models.StatusPending, models.StatusProvisioning)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func testUpdateInstanceIfStatus(t *testing.T, s store.Store) {
	ctx := context.Background()
	agent := seedAgent(t, s, "user-1")
	instance := &models.Instance{AgentID: agent.ID, Status: models.StatusProvisioning}
	require.NoError(t, s.CreateInstance(ctx, instance))

	// Another writer stops the row while a stale copy is held.
	stale := *instance
	destroyedAt := time.Now().UTC()
	instance.Status = models.StatusStopped
	instance.DestroyedAt = &destroyedAt
	require.NoError(t, s.UpdateInstance(ctx, instance))

	stale.ServerID = "77"
	stale.CurrentStep = models.StepVMBooting
	ok, err := s.UpdateInstanceIfStatus(ctx, &stale, models.StatusProvisioning)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetInstance(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, got.Status)
	assert.NotNil(t, got.DestroyedAt)
	assert.Empty(t, got.ServerID)

	got.Error = "Destroy incomplete"
	ok, err = s.UpdateInstanceIfStatus(ctx, got, models.StatusStopped)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err = s.GetInstance(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, "Destroy incomplete", got.Error)
}

func testServerAssignmentImmutable(t *testing.T, s store.Store) {
	ctx := context.Background()
	agent := seedAgent(t, s, "user-1")
	instance := &models.Instance{AgentID: agent.ID, Status: models.StatusProvisioning}
	require.NoError(t, s.CreateInstance(ctx, instance))

	instance.ServerID = "42"
	instance.ServerIP = "203.0.113.10"
	instance.CurrentStep = models.StepVMBooting
	require.NoError(t, s.UpdateInstance(ctx, instance))

	instance.ServerID = "43"
	assert.ErrorIs(t, s.UpdateInstance(ctx, instance), store.ErrImmutableField)

	got, err := s.GetInstance(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, "42", got.ServerID)
	assert.Equal(t, models.StepVMBooting, got.CurrentStep)
}

func testQueries(t *testing.T, s store.Store) {
	ctx := context.Background()
	agent := seedAgent(t, s, "user-1")
	other := seedAgent(t, s, "user-2")

	old := &models.Instance{AgentID: agent.ID, Status: models.StatusFailed, CreatedAt: time.Now().UTC().Add(-time.Hour)}
	require.NoError(t, s.CreateInstance(ctx, old))
	now := time.Now().UTC()
	current := &models.Instance{AgentID: agent.ID, Status: models.StatusRunning, StartedAt: &now}
	require.NoError(t, s.CreateInstance(ctx, current))
	foreign := &models.Instance{AgentID: other.ID, Status: models.StatusRunning}
	require.NoError(t, s.CreateInstance(ctx, foreign))

	latest, err := s.LatestInstanceForAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, current.ID, latest.ID)
	require.NotNil(t, latest.StartedAt)
	assert.WithinDuration(t, now, *latest.StartedAt, time.Millisecond)

	running, err := s.ListRunningInstancesForUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, current.ID, running[0].ID)

	byStatus, err := s.ListInstancesByStatus(ctx, models.StatusRunning, models.StatusFailed)
	require.NoError(t, err)
	assert.Len(t, byStatus, 3)

	_, err = s.LatestInstanceForAgent(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testIntegrationRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	expiry := time.Now().UTC().Add(time.Hour).Truncate(time.Microsecond)
	integration := &models.Integration{
		UserID:             "user-1",
		Provider:           "google",
		AccessTokenSealed:  "sealed-access",
		RefreshTokenSealed: "sealed-refresh",
		TokenExpiry:        &expiry,
		Metadata:           map[string]string{"email": "user@example.com"},
	}
	require.NoError(t, s.CreateIntegration(ctx, integration))

	got, err := s.GetIntegrationByProvider(ctx, "user-1", "google")
	require.NoError(t, err)
	assert.Equal(t, integration.ID, got.ID)
	assert.Equal(t, "user@example.com", got.Metadata["email"])
	require.NotNil(t, got.TokenExpiry)
	assert.True(t, expiry.Equal(*got.TokenExpiry))

	got.AccessTokenSealed = "sealed-access-2"
	require.NoError(t, s.UpdateIntegration(ctx, got))

	again, err := s.GetIntegration(ctx, integration.ID)
	require.NoError(t, err)
	assert.Equal(t, "sealed-access-2", again.AccessTokenSealed)

	_, err = s.GetIntegrationByProvider(ctx, "user-1", "slack")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.CreateIntegration(ctx, &models.Integration{UserID: "user-1", Provider: "github", AccessTokenSealed: "a"}))
	require.NoError(t, s.CreateIntegration(ctx, &models.Integration{UserID: "user-2", Provider: "notion", AccessTokenSealed: "b"}))
	listed, err := s.ListIntegrationsByUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "github", listed[0].Provider)
	assert.Equal(t, "google", listed[1].Provider)
}
