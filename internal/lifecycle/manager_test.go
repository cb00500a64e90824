package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/EternisAI/silo-orchestrator/internal/events"
	"github.com/EternisAI/silo-orchestrator/internal/hetzner"
	"github.com/EternisAI/silo-orchestrator/internal/models"
	"github.com/EternisAI/silo-orchestrator/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) DeleteServer(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockProvider) ShutdownServer(ctx context.Context, id string) (*hetzner.Action, error) {
	args := m.Called(ctx, id)
	action, _ := args.Get(0).(*hetzner.Action)
	return action, args.Error(1)
}

func (m *MockProvider) PowerOffServer(ctx context.Context, id string) (*hetzner.Action, error) {
	args := m.Called(ctx, id)
	action, _ := args.Get(0).(*hetzner.Action)
	return action, args.Error(1)
}

func (m *MockProvider) PowerOnServer(ctx context.Context, id string) (*hetzner.Action, error) {
	args := m.Called(ctx, id)
	action, _ := args.Get(0).(*hetzner.Action)
	return action, args.Error(1)
}

func (m *MockProvider) PollAction(ctx context.Context, actionID string, interval time.Duration, maxRetries int) error {
	return m.Called(ctx, actionID, interval, maxRetries).Error(0)
}

func (m *MockProvider) WaitForServerStatus(ctx context.Context, id, status string, interval time.Duration, maxRetries int) error {
	return m.Called(ctx, id, status, interval, maxRetries).Error(0)
}

type MockMesh struct {
	mock.Mock
}

func (m *MockMesh) Enabled() bool { return true }

func (m *MockMesh) DeleteDeviceByIP(ctx context.Context, ip string) error {
	return m.Called(ctx, ip).Error(0)
}

type testEnv struct {
	manager  *Manager
	store    *store.BadgerStore
	provider *MockProvider
	mesh     *MockMesh
	events   *events.Recorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.NewBadgerStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	env := &testEnv{
		store:    st,
		provider: &MockProvider{},
		mesh:     &MockMesh{},
		events:   &events.Recorder{},
	}
	env.manager = NewManager(Config{ActionPollInterval: time.Millisecond, ActionPollRetries: 3}, st, env.provider, env.mesh, env.events)
	return env
}

func (e *testEnv) seed(t *testing.T, instance models.Instance) (*models.Agent, *models.Instance) {
	t.Helper()
	agent := &models.Agent{UserID: "user-1", Status: models.AgentStatusActive}
	require.NoError(t, e.store.CreateAgent(context.Background(), agent))
	instance.AgentID = agent.ID
	require.NoError(t, e.store.CreateInstance(context.Background(), &instance))
	return agent, &instance
}

func (e *testEnv) reload(t *testing.T, id string) *models.Instance {
	t.Helper()
	instance, err := e.store.GetInstance(context.Background(), id)
	require.NoError(t, err)
	return instance
}

func (e *testEnv) agentStatus(t *testing.T, id string) models.AgentStatus {
	t.Helper()
	agent, err := e.store.GetAgent(context.Background(), id)
	require.NoError(t, err)
	return agent.Status
}

func runningInstance() models.Instance {
	started := time.Now().Add(-time.Hour)
	return models.Instance{
		Status:      models.StatusRunning,
		ServerID:    "100",
		ServerIP:    "203.0.113.100",
		TailscaleIP: "100.64.0.100",
		StartedAt:   &started,
	}
}

func TestManager_Stop_Graceful(t *testing.T) {
	env := newTestEnv(t)
	agent, instance := env.seed(t, runningInstance())

	env.provider.On("ShutdownServer", mock.Anything, "100").Return(&hetzner.Action{ID: "a1"}, nil)
	env.provider.On("PollAction", mock.Anything, "a1", time.Millisecond, 3).Return(nil)
	env.provider.On("WaitForServerStatus", mock.Anything, "100", hetzner.ServerStatusOff, time.Millisecond, 3).Return(nil)

	got, err := env.manager.Stop(context.Background(), agent.ID)
	require.NoError(t, err)

	assert.Equal(t, models.StatusStopped, got.Status)
	require.NotNil(t, got.StoppedAt)
	assert.Equal(t, models.StatusStopped, env.reload(t, instance.ID).Status)
	assert.Equal(t, models.AgentStatusPaused, env.agentStatus(t, agent.ID))
	env.provider.AssertNotCalled(t, "PowerOffServer", mock.Anything, mock.Anything)
	assert.Equal(t, []string{events.InstanceStopped}, env.events.Types())
}

func TestManager_Stop_FallsBackToPowerOff(t *testing.T) {
	env := newTestEnv(t)
	agent, instance := env.seed(t, runningInstance())

	// The shutdown action succeeds but the guest ignores the signal.
	env.provider.On("ShutdownServer", mock.Anything, "100").Return(&hetzner.Action{ID: "a1"}, nil)
	env.provider.On("PollAction", mock.Anything, "a1", mock.Anything, mock.Anything).Return(nil)
	env.provider.On("WaitForServerStatus", mock.Anything, "100", hetzner.ServerStatusOff, mock.Anything, mock.Anything).
		Return(fmt.Errorf("%w: server 100 still running after 3 checks", hetzner.ErrActionTimeout))
	env.provider.On("PowerOffServer", mock.Anything, "100").Return(&hetzner.Action{ID: "a2"}, nil)
	env.provider.On("PollAction", mock.Anything, "a2", mock.Anything, mock.Anything).Return(nil)

	got, err := env.manager.Stop(context.Background(), agent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, got.Status)
	assert.Equal(t, models.StatusStopped, env.reload(t, instance.ID).Status)
	env.provider.AssertExpectations(t)
}

func TestManager_Stop_ShutdownActionTimeoutPowersOff(t *testing.T) {
	env := newTestEnv(t)
	agent, _ := env.seed(t, runningInstance())

	env.provider.On("ShutdownServer", mock.Anything, "100").Return(&hetzner.Action{ID: "a1"}, nil)
	env.provider.On("PollAction", mock.Anything, "a1", mock.Anything, mock.Anything).Return(hetzner.ErrActionTimeout)
	env.provider.On("PowerOffServer", mock.Anything, "100").Return(&hetzner.Action{ID: "a2"}, nil)
	env.provider.On("PollAction", mock.Anything, "a2", mock.Anything, mock.Anything).Return(nil)

	got, err := env.manager.Stop(context.Background(), agent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, got.Status)
	env.provider.AssertNotCalled(t, "WaitForServerStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestManager_Stop_LosesToDestroy(t *testing.T) {
	env := newTestEnv(t)
	agent, instance := env.seed(t, runningInstance())

	env.provider.On("ShutdownServer", mock.Anything, "100").
		Run(func(mock.Arguments) {
			_, err := env.manager.Destroy(context.Background(), agent.ID)
			require.NoError(t, err)
		}).
		Return(&hetzner.Action{ID: "a1"}, nil)
	env.provider.On("DeleteServer", mock.Anything, "100").Return(nil)
	env.mesh.On("DeleteDeviceByIP", mock.Anything, "100.64.0.100").Return(nil)
	env.provider.On("PollAction", mock.Anything, "a1", mock.Anything, mock.Anything).Return(nil)
	env.provider.On("WaitForServerStatus", mock.Anything, "100", hetzner.ServerStatusOff, mock.Anything, mock.Anything).Return(nil)

	_, err := env.manager.Stop(context.Background(), agent.ID)
	assert.ErrorIs(t, err, ErrInstanceChanged)

	stored := env.reload(t, instance.ID)
	assert.Equal(t, models.StatusStopped, stored.Status)
	assert.NotNil(t, stored.DestroyedAt)
	assert.Equal(t, []string{events.InstanceDestroyed}, env.events.Types())
}

func TestManager_Stop_FailureRestoresRunning(t *testing.T) {
	env := newTestEnv(t)
	agent, instance := env.seed(t, runningInstance())

	env.provider.On("ShutdownServer", mock.Anything, "100").Return(&hetzner.Action{ID: "a1"}, nil)
	env.provider.On("PollAction", mock.Anything, "a1", mock.Anything, mock.Anything).Return(hetzner.ErrActionFailed)

	_, err := env.manager.Stop(context.Background(), agent.ID)
	assert.ErrorIs(t, err, hetzner.ErrActionFailed)
	assert.Equal(t, models.StatusRunning, env.reload(t, instance.ID).Status)
	assert.Equal(t, models.AgentStatusActive, env.agentStatus(t, agent.ID))
}

func TestManager_Stop_RequiresRunning(t *testing.T) {
	env := newTestEnv(t)
	agent, _ := env.seed(t, models.Instance{Status: models.StatusProvisioning, CurrentStep: models.StepCaddyUp})

	_, err := env.manager.Stop(context.Background(), agent.ID)
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.Empty(t, env.provider.Calls)
}

func TestManager_Start(t *testing.T) {
	env := newTestEnv(t)
	stopped := time.Now().Add(-time.Hour)
	agent, instance := env.seed(t, models.Instance{
		Status:    models.StatusStopped,
		ServerID:  "200",
		ServerIP:  "203.0.113.200",
		StoppedAt: &stopped,
	})

	env.provider.On("PowerOnServer", mock.Anything, "200").
		Run(func(mock.Arguments) {
			// While powering on, the row reads as a restarting instance.
			current := env.reload(t, instance.ID)
			assert.Equal(t, models.StatusProvisioning, current.Status)
			assert.Equal(t, models.StepNone, current.CurrentStep)
			assert.NotNil(t, current.StoppedAt)
		}).
		Return(&hetzner.Action{ID: "a3"}, nil)
	env.provider.On("PollAction", mock.Anything, "a3", mock.Anything, mock.Anything).Return(nil)

	got, err := env.manager.Start(context.Background(), agent.ID)
	require.NoError(t, err)

	assert.Equal(t, models.StatusRunning, got.Status)
	assert.Nil(t, got.StoppedAt)
	require.NotNil(t, got.StartedAt)
	assert.WithinDuration(t, time.Now(), *got.StartedAt, 5*time.Second)
	assert.Equal(t, models.AgentStatusActive, env.agentStatus(t, agent.ID))
	assert.Equal(t, []string{events.InstanceStarted}, env.events.Types())
}

func TestManager_Start_FailureRestoresStopped(t *testing.T) {
	env := newTestEnv(t)
	agent, instance := env.seed(t, models.Instance{Status: models.StatusStopped, ServerID: "200"})

	env.provider.On("PowerOnServer", mock.Anything, "200").Return(nil, errors.New("connection reset"))

	_, err := env.manager.Start(context.Background(), agent.ID)
	assert.Error(t, err)
	assert.Equal(t, models.StatusStopped, env.reload(t, instance.ID).Status)
}

func TestManager_Start_Preconditions(t *testing.T) {
	env := newTestEnv(t)
	running, _ := env.seed(t, runningInstance())
	_, err := env.manager.Start(context.Background(), running.ID)
	assert.ErrorIs(t, err, ErrNotStopped)

	destroyedAt := time.Now()
	destroyed, _ := env.seed(t, models.Instance{Status: models.StatusStopped, ServerID: "300", DestroyedAt: &destroyedAt})
	_, err = env.manager.Start(context.Background(), destroyed.ID)
	assert.ErrorIs(t, err, ErrInstanceDestroyed)

	_, err = env.manager.Start(context.Background(), "no-such-agent")
	assert.ErrorIs(t, err, ErrInstanceNotFound)
	assert.Empty(t, env.provider.Calls)
}

func TestManager_Destroy(t *testing.T) {
	env := newTestEnv(t)
	agent, instance := env.seed(t, runningInstance())

	env.provider.On("DeleteServer", mock.Anything, "100").Return(nil).Once()
	env.mesh.On("DeleteDeviceByIP", mock.Anything, "100.64.0.100").Return(nil).Once()

	got, err := env.manager.Destroy(context.Background(), agent.ID)
	require.NoError(t, err)

	assert.Equal(t, models.StatusStopped, got.Status)
	assert.NotNil(t, got.DestroyedAt)
	assert.Empty(t, got.Error)
	assert.Equal(t, models.AgentStatusPaused, env.agentStatus(t, agent.ID))
	env.provider.AssertExpectations(t)
	env.mesh.AssertExpectations(t)

	// A repeat call is a successful no-op.
	again, err := env.manager.Destroy(context.Background(), agent.ID)
	require.NoError(t, err)
	assert.Equal(t, got.DestroyedAt.Unix(), again.DestroyedAt.Unix())
	env.provider.AssertNumberOfCalls(t, "DeleteServer", 1)
	assert.Equal(t, instance.ID, again.ID)
}

func TestManager_Destroy_PartialFailureIsRecorded(t *testing.T) {
	env := newTestEnv(t)
	agent, instance := env.seed(t, runningInstance())

	env.provider.On("DeleteServer", mock.Anything, "100").Return(errors.New("api down")).Once()
	env.mesh.On("DeleteDeviceByIP", mock.Anything, "100.64.0.100").Return(nil)

	got, err := env.manager.Destroy(context.Background(), agent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, got.Status)
	assert.Contains(t, got.Error, "server")
	assert.NotContains(t, got.Error, "mesh")
	env.mesh.AssertCalled(t, "DeleteDeviceByIP", mock.Anything, "100.64.0.100")

	// The retry cleans up what was left.
	env.provider.On("DeleteServer", mock.Anything, "100").Return(nil).Once()
	got, err = env.manager.Destroy(context.Background(), agent.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Error)
	assert.Empty(t, env.reload(t, instance.ID).Error)
}

func TestManager_Destroy_RetriesWhenRowChanges(t *testing.T) {
	env := newTestEnv(t)
	agent, instance := env.seed(t, models.Instance{
		Status:      models.StatusProvisioning,
		CurrentStep: models.StepVMBooting,
		ServerID:    "500",
		ServerIP:    "203.0.113.50",
	})

	// A poller fails the instance while the first cleanup runs.
	env.provider.On("DeleteServer", mock.Anything, "500").
		Run(func(mock.Arguments) {
			ok, err := env.store.CompareAndSwapStatus(context.Background(), instance.ID, models.StatusProvisioning, models.StatusFailed)
			require.NoError(t, err)
			require.True(t, ok)
		}).
		Return(nil).Once()
	env.provider.On("DeleteServer", mock.Anything, "500").Return(nil).Once()

	got, err := env.manager.Destroy(context.Background(), agent.ID)
	require.NoError(t, err)

	assert.Equal(t, models.StatusStopped, got.Status)
	stored := env.reload(t, instance.ID)
	assert.Equal(t, models.StatusStopped, stored.Status)
	assert.NotNil(t, stored.DestroyedAt)
	env.provider.AssertNumberOfCalls(t, "DeleteServer", 2)
}

func TestManager_RollbackFailedProvision(t *testing.T) {
	env := newTestEnv(t)
	agent, instance := env.seed(t, models.Instance{
		Status:      models.StatusProvisioning,
		CurrentStep: models.StepCaddyUp,
		ServerID:    "400",
		ServerIP:    "203.0.113.40",
		TailscaleIP: "100.64.0.40",
	})

	env.provider.On("DeleteServer", mock.Anything, "400").Return(nil)
	env.mesh.On("DeleteDeviceByIP", mock.Anything, "100.64.0.40").Return(errors.New("tailnet unavailable"))

	got, err := env.manager.RollbackFailedProvision(context.Background(), instance.ID)
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "server deleted")
	assert.Contains(t, got.Error, "mesh device cleanup failed")
	assert.Equal(t, models.StepCaddyUp, env.reload(t, instance.ID).CurrentStep)
	assert.Equal(t, models.AgentStatusError, env.agentStatus(t, agent.ID))
	assert.Equal(t, []string{events.InstanceRolledBack}, env.events.Types())
}

func TestManager_RollbackFailedProvision_KeepsOriginalError(t *testing.T) {
	env := newTestEnv(t)
	_, instance := env.seed(t, models.Instance{Status: models.StatusFailed, Error: "Provisioning took too long."})

	got, err := env.manager.RollbackFailedProvision(context.Background(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, "Provisioning took too long. (Rolled back: nothing to clean up)", got.Error)

	_, err = env.manager.RollbackFailedProvision(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrInstanceNotFound)
}
