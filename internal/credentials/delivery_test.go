package credentials

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/EternisAI/silo-orchestrator/internal/models"
	"github.com/EternisAI/silo-orchestrator/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMachine struct {
	srv      *httptest.Server
	received atomic.Value
	auth     atomic.Value
}

func newFakeMachine(t *testing.T, status int) *fakeMachine {
	t.Helper()
	m := &fakeMachine{}
	m.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/internal/credentials", r.URL.Path)
		var p Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err == nil {
			m.received.Store(p)
		}
		m.auth.Store(r.Header.Get("Authorization"))
		w.WriteHeader(status)
	}))
	t.Cleanup(m.srv.Close)
	return m
}

func (m *fakeMachine) addr() string {
	return strings.TrimPrefix(m.srv.URL, "http://")
}

func seedRunning(t *testing.T, st *store.BadgerStore, userID, token, ip string, status models.Status) *models.Instance {
	t.Helper()
	agent := &models.Agent{UserID: userID, Name: "a", Status: models.AgentStatusActive, GatewayToken: token}
	require.NoError(t, st.CreateAgent(ctx, agent))
	instance := &models.Instance{AgentID: agent.ID, Status: status, ServerID: "1", ServerIP: ip}
	require.NoError(t, st.CreateInstance(ctx, instance))
	return instance
}

func TestPushCredentialsFansOutBestEffort(t *testing.T) {
	st := newTestStore(t)
	sealer := newTestSealer(t)

	healthy := newFakeMachine(t, http.StatusOK)
	broken := newFakeMachine(t, http.StatusInternalServerError)
	stopped := newFakeMachine(t, http.StatusOK)

	seedRunning(t, st, "user-1", "gw_healthy", healthy.addr(), models.StatusRunning)
	failing := seedRunning(t, st, "user-1", "gw_broken", broken.addr(), models.StatusRunning)
	seedRunning(t, st, "user-1", "gw_stopped", stopped.addr(), models.StatusStopped)
	seedRunning(t, st, "user-2", "gw_other", stopped.addr(), models.StatusRunning)

	require.NoError(t, st.CreateIntegration(ctx, &models.Integration{
		UserID:             "user-1",
		Provider:           "google",
		AccessTokenSealed:  seal(t, sealer, "ya29"),
		RefreshTokenSealed: seal(t, sealer, "1//refresh"),
		Metadata:           map[string]string{"email": "user@example.com"},
	}))

	d := NewDelivery(st, sealer, nil, time.Second)
	result, err := d.PushCredentials(ctx, "user-1", "google")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Delivered)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, []string{failing.ID}, result.FailedIDs)

	assert.Equal(t, "Bearer gw_healthy", healthy.auth.Load())
	assert.Equal(t, "Bearer gw_broken", broken.auth.Load())
	assert.Nil(t, stopped.auth.Load())

	p := healthy.received.Load().(Payload)
	assert.Equal(t, "google", p.Provider)
	assert.Equal(t, "ya29", p.AccessToken)
	assert.Equal(t, "1//refresh", p.RefreshToken)
	assert.Equal(t, "user@example.com", p.Metadata["email"])
}

func TestPushCredentialsPrefersMeshAddress(t *testing.T) {
	st := newTestStore(t)
	sealer := newTestSealer(t)
	overMesh := newFakeMachine(t, http.StatusOK)

	// The public address refuses connections; only the mesh path works.
	instance := seedRunning(t, st, "user-1", "gw_mesh", "127.0.0.1:1", models.StatusRunning)
	instance.TailscaleIP = overMesh.addr()
	require.NoError(t, st.UpdateInstance(ctx, instance))
	require.NoError(t, st.CreateIntegration(ctx, &models.Integration{
		UserID: "user-1", Provider: "github", AccessTokenSealed: seal(t, sealer, "gho_mesh"),
	}))

	result, err := NewDelivery(st, sealer, nil, time.Second).PushCredentials(ctx, "user-1", "github")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Delivered)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, "Bearer gw_mesh", overMesh.auth.Load())
	assert.Equal(t, "gho_mesh", overMesh.received.Load().(Payload).AccessToken)
}

func TestPushCredentialsUnreachableMachine(t *testing.T) {
	st := newTestStore(t)
	sealer := newTestSealer(t)
	seedRunning(t, st, "user-1", "gw", "127.0.0.1:1", models.StatusRunning)
	require.NoError(t, st.CreateIntegration(ctx, &models.Integration{
		UserID: "user-1", Provider: "slack", AccessTokenSealed: seal(t, sealer, "xoxb"),
	}))

	result, err := NewDelivery(st, sealer, nil, time.Second).PushCredentials(ctx, "user-1", "slack")
	require.NoError(t, err)
	assert.Equal(t, 0, result.Delivered)
	assert.Equal(t, 1, result.Failed)
}

func TestPushCredentialsStaleTokenNeedsReconnect(t *testing.T) {
	st := newTestStore(t)
	sealer := newTestSealer(t)
	expired := time.Now().Add(-time.Hour)
	require.NoError(t, st.CreateIntegration(ctx, &models.Integration{
		UserID: "user-1", Provider: "slack", AccessTokenSealed: seal(t, sealer, "xoxb"), TokenExpiry: &expired,
	}))

	refresher := NewRefresher(st, sealer, nil)
	_, err := NewDelivery(st, sealer, refresher, time.Second).PushCredentials(ctx, "user-1", "slack")
	assert.ErrorIs(t, err, ErrReconnectRequired)

	_, err = NewDelivery(st, sealer, refresher, time.Second).PushCredentials(ctx, "user-1", "github")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCredentialFilesSkipsStaleIntegrations(t *testing.T) {
	st := newTestStore(t)
	sealer := newTestSealer(t)
	expired := time.Now().Add(-time.Hour)
	require.NoError(t, st.CreateIntegration(ctx, &models.Integration{
		UserID: "user-1", Provider: "slack", AccessTokenSealed: seal(t, sealer, "xoxb"),
	}))
	require.NoError(t, st.CreateIntegration(ctx, &models.Integration{
		UserID: "user-1", Provider: "google", AccessTokenSealed: seal(t, sealer, "ya29"), TokenExpiry: &expired,
	}))

	files, err := NewDelivery(st, sealer, NewRefresher(st, sealer, nil), time.Second).CredentialFiles(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "slack", files[0].Provider)

	var p Payload
	require.NoError(t, json.Unmarshal(files[0].Data, &p))
	assert.Equal(t, "xoxb", p.AccessToken)
}
