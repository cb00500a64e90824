package provisioning

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/EternisAI/silo-orchestrator/internal/bootstrap"
	"github.com/EternisAI/silo-orchestrator/internal/events"
	"github.com/EternisAI/silo-orchestrator/internal/hetzner"
	"github.com/EternisAI/silo-orchestrator/internal/mesh"
	"github.com/EternisAI/silo-orchestrator/internal/models"
	"github.com/EternisAI/silo-orchestrator/internal/store"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) CreateServer(ctx context.Context, opts hetzner.CreateServerOpts) (*hetzner.Server, *hetzner.Action, error) {
	args := m.Called(ctx, opts)
	server, _ := args.Get(0).(*hetzner.Server)
	action, _ := args.Get(1).(*hetzner.Action)
	return server, action, args.Error(2)
}

func (m *MockProvider) GetServer(ctx context.Context, id string) (*hetzner.Server, error) {
	args := m.Called(ctx, id)
	server, _ := args.Get(0).(*hetzner.Server)
	return server, args.Error(1)
}

func (m *MockProvider) DeleteServer(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

// The remaining methods let the same mock back a lifecycle.Manager.

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

type fakeMesh struct {
	mu       sync.Mutex
	enrolled map[string]string
	deleted  []string
}

func (f *fakeMesh) Enabled() bool   { return true }
func (f *fakeMesh) AuthKey() string { return "tskey-auth-test" }
func (f *fakeMesh) Tags() []string  { return []string{"tag:silo"} }

func (f *fakeMesh) VerifyEnrollment(ctx context.Context, hostname string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ip, ok := f.enrolled[hostname]; ok {
		return ip, nil
	}
	return "", mesh.ErrNotEnrolled
}

func (f *fakeMesh) DeleteDeviceByIP(ctx context.Context, ip string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ip)
	return nil
}

func (f *fakeMesh) enroll(hostname, ip string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enrolled == nil {
		f.enrolled = make(map[string]string)
	}
	f.enrolled[hostname] = ip
}

// fakeMachine stands in for a booted VM behind its reverse proxy. Status
// codes are served from the configured fields and can change between calls.
type fakeMachine struct {
	mu         sync.Mutex
	rootStatus int
	chatStatus int
	chatAuth   []string
	server     *httptest.Server
}

func newFakeMachine(t *testing.T) *fakeMachine {
	t.Helper()
	m := &fakeMachine{rootStatus: http.StatusBadGateway, chatStatus: http.StatusBadGateway}
	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		defer m.mu.Unlock()
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/":
			w.WriteHeader(m.rootStatus)
		case r.Method == http.MethodPost && r.URL.Path == completionPath:
			m.chatAuth = append(m.chatAuth, r.Header.Get("Authorization"))
			w.WriteHeader(m.chatStatus)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(m.server.Close)
	return m
}

func (m *fakeMachine) addr() string {
	return strings.TrimPrefix(m.server.URL, "http://")
}

func (m *fakeMachine) set(root, chat int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rootStatus, m.chatStatus = root, chat
}

type testEnv struct {
	svc      *Service
	store    *store.BadgerStore
	provider *MockProvider
	events   *events.Recorder
	now      time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.NewBadgerStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	gen, err := bootstrap.NewGenerator(bootstrap.Config{ManagedLLMBaseURL: "https://llm.silo.test/v1"})
	require.NoError(t, err)

	env := &testEnv{
		store:    st,
		provider: &MockProvider{},
		events:   &events.Recorder{},
		now:      time.Now().UTC(),
	}
	env.svc = NewService(Config{ProbeTimeout: time.Second, VerifyTimeout: time.Second}, Deps{
		Store:     st,
		Provider:  env.provider,
		Generator: gen,
		Events:    env.events,
	})
	env.svc.now = func() time.Time { return env.now }
	return env
}

func (e *testEnv) seedAgent(t *testing.T, userID string) *models.Agent {
	t.Helper()
	agent := &models.Agent{UserID: userID, Name: "research", Status: models.AgentStatusPaused}
	require.NoError(t, e.store.CreateAgent(context.Background(), agent))
	return agent
}

func (e *testEnv) seedInstance(t *testing.T, instance *models.Instance) *models.Instance {
	t.Helper()
	if instance.CreatedAt.IsZero() {
		instance.CreatedAt = e.now
	}
	require.NoError(t, e.store.CreateInstance(context.Background(), instance))
	return instance
}

func (e *testEnv) reload(t *testing.T, id string) *models.Instance {
	t.Helper()
	instance, err := e.store.GetInstance(context.Background(), id)
	require.NoError(t, err)
	return instance
}

func (e *testEnv) agent(t *testing.T, id string) *models.Agent {
	t.Helper()
	agent, err := e.store.GetAgent(context.Background(), id)
	require.NoError(t, err)
	return agent
}
