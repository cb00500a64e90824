package tests

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"filippo.io/age"
	internalhttp "github.com/EternisAI/silo-orchestrator/internal/api/http"
	"github.com/EternisAI/silo-orchestrator/internal/auth"
	"github.com/EternisAI/silo-orchestrator/internal/bootstrap"
	"github.com/EternisAI/silo-orchestrator/internal/credentials"
	"github.com/EternisAI/silo-orchestrator/internal/events"
	"github.com/EternisAI/silo-orchestrator/internal/hetzner"
	"github.com/EternisAI/silo-orchestrator/internal/lifecycle"
	"github.com/EternisAI/silo-orchestrator/internal/mesh"
	"github.com/EternisAI/silo-orchestrator/internal/provisioning"
	"github.com/EternisAI/silo-orchestrator/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

const (
	jwtSecret   = "systemtest-secret"
	adminAPIKey = "systemtest-admin"
)

// Env is a full orchestrator router on a real store with a fake provider
// API behind it.
type Env struct {
	Router         *gin.Engine
	Store          store.Store
	Events         *events.Recorder
	ServersCreated *atomic.Int32
}

func NewEnv(t *testing.T, st store.Store) *Env {
	t.Helper()

	created := &atomic.Int32{}
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/servers":
			n := created.Add(1)
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"server": map[string]any{
					"id":         1000 + n,
					"name":       "silo",
					"status":     "initializing",
					"public_net": map[string]any{"ipv4": map[string]any{"ip": "127.0.0.1"}},
				},
				"action": map[string]any{"id": 1, "command": "create_server", "status": "running"},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":"not_found","message":"not found"}}`))
		}
	}))
	t.Cleanup(provider.Close)

	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	sealer, err := credentials.NewAgeSealer(identity.String())
	require.NoError(t, err)

	generator, err := bootstrap.NewGenerator(bootstrap.Config{ManagedLLMBaseURL: "https://llm.example.com/v1"})
	require.NoError(t, err)

	hc := hetzner.NewClient(hetzner.Config{Token: "test", BaseURL: provider.URL, MaxRetries: 1, BaseBackoff: time.Millisecond})
	meshClient, err := mesh.NewClient(mesh.Config{})
	require.NoError(t, err)
	recorder := &events.Recorder{}

	refresher := credentials.NewRefresher(st, sealer, nil)
	delivery := credentials.NewDelivery(st, sealer, refresher, time.Second)
	provisioner := provisioning.NewService(provisioning.Config{}, provisioning.Deps{
		Store:       st,
		Provider:    hc,
		Generator:   generator,
		Mesh:        meshClient,
		Credentials: delivery,
		Sealer:      sealer,
		Events:      recorder,
	})
	manager := lifecycle.NewManager(lifecycle.Config{ActionPollInterval: time.Millisecond}, st, hc, meshClient, recorder)

	router := gin.New()
	internalhttp.SetupRoute(router, &internalhttp.Services{
		Store:        st,
		Provisioning: provisioner,
		Lifecycle:    manager,
		Delivery:     delivery,
		Refresher:    refresher,
		Events:       recorder,
		JWTSecret:    jwtSecret,
		AdminAPIKey:  adminAPIKey,
	})

	return &Env{Router: router, Store: st, Events: recorder, ServersCreated: created}
}

func userToken(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.GenerateToken(auth.Config{JWTSecret: jwtSecret}, userID)
	require.NoError(t, err)
	return token
}

func doJSON(router *gin.Engine, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func withUser(t *testing.T, userID string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + userToken(t, userID)}
}

func withAdmin() map[string]string {
	return map[string]string{"X-API-Key": adminAPIKey}
}
