package tests

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/EternisAI/silo-orchestrator/internal/api/http/dto"
	"github.com/EternisAI/silo-orchestrator/internal/events"
	"github.com/EternisAI/silo-orchestrator/internal/models"
	"github.com/EternisAI/silo-orchestrator/internal/provisioning"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthCheck(t *testing.T, env *Env) {
	rr := doJSON(env.Router, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())

	rr = doJSON(env.Router, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestProvisionFlow(t *testing.T, env *Env) {
	ctx := context.Background()
	agent := &models.Agent{
		UserID: "user-sys",
		Name:   "assistant",
		Status: models.AgentStatusPaused,
		LLM:    models.LLMConfig{Provider: models.LLMProviderManaged},
	}
	require.NoError(t, env.Store.CreateAgent(ctx, agent))
	base := "/api/v1/agents/" + agent.ID

	var queued dto.InstanceResponse
	t.Run("provision queues an instance", func(t *testing.T) {
		rr := doJSON(env.Router, http.MethodPost, base+"/provision", dto.ProvisionRequest{Region: "eu-central"}, withUser(t, "user-sys"))
		require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &queued))
		assert.Equal(t, string(models.StatusPending), queued.Status)
		assert.Equal(t, "queued", queued.Phase)
	})

	t.Run("second provision conflicts", func(t *testing.T) {
		rr := doJSON(env.Router, http.MethodPost, base+"/provision", nil, withUser(t, "user-sys"))
		assert.Equal(t, http.StatusConflict, rr.Code)
	})

	t.Run("other users cannot see the agent", func(t *testing.T) {
		rr := doJSON(env.Router, http.MethodGet, base+"/instance", nil, withUser(t, "intruder"))
		assert.Equal(t, http.StatusNotFound, rr.Code)
		rr = doJSON(env.Router, http.MethodPost, base+"/destroy", nil, withUser(t, "intruder"))
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("step creates the server", func(t *testing.T) {
		rr := doJSON(env.Router, http.MethodPost, "/internal/instances/"+queued.ID+"/step", nil, withAdmin())
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		var stepped dto.InstanceResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stepped))
		assert.Equal(t, string(models.StatusProvisioning), stepped.Status)
		assert.Equal(t, string(models.StepVMBooting), stepped.CurrentStep)
		assert.Equal(t, "127.0.0.1", stepped.ServerIP)
		assert.Equal(t, int32(1), env.ServersCreated.Load())
	})

	t.Run("status view shows the phase", func(t *testing.T) {
		rr := doJSON(env.Router, http.MethodGet, base+"/instance", nil, withUser(t, "user-sys"))
		require.Equal(t, http.StatusOK, rr.Code)

		var view dto.InstanceStatusResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
		assert.Equal(t, "creating", view.Instance.Phase)
		require.Len(t, view.Steps, len(provisioning.Labels))
		assert.Equal(t, provisioning.LabelDone, view.Steps[0].State)
		assert.Equal(t, provisioning.LabelActive, view.Steps[1].State)
	})

	t.Run("destroy releases the agent", func(t *testing.T) {
		rr := doJSON(env.Router, http.MethodPost, base+"/destroy", nil, withUser(t, "user-sys"))
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		var destroyed dto.InstanceResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &destroyed))
		assert.Equal(t, string(models.StatusStopped), destroyed.Status)
		assert.NotNil(t, destroyed.DestroyedAt)
		assert.Empty(t, destroyed.Error)

		rr = doJSON(env.Router, http.MethodPost, base+"/start", nil, withUser(t, "user-sys"))
		assert.Equal(t, http.StatusConflict, rr.Code)
	})

	t.Run("agent can be provisioned again", func(t *testing.T) {
		rr := doJSON(env.Router, http.MethodPost, base+"/provision", nil, withUser(t, "user-sys"))
		assert.Equal(t, http.StatusAccepted, rr.Code)
	})

	assert.Contains(t, env.Events.Types(), events.InstanceQueued)
	assert.Contains(t, env.Events.Types(), events.InstanceDestroyed)
}

func TestInternalAuth(t *testing.T, env *Env) {
	rr := doJSON(env.Router, http.MethodPost, "/internal/instances/step", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = doJSON(env.Router, http.MethodPost, "/internal/instances/step", nil, map[string]string{"X-API-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = doJSON(env.Router, http.MethodGet, "/internal/instances", nil, withAdmin())
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(env.Router, http.MethodGet, "/api/v1/agents", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}
