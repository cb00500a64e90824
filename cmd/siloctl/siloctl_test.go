package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/EternisAI/silo-orchestrator/internal/auth"
	"github.com/EternisAI/silo-orchestrator/internal/bootstrap"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestStepCommand(t *testing.T) {
	var gotKey, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get(apiKeyHeader)
		gotPath = r.URL.Path
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "inst-1", "status": "provisioning", "current_step": "caddy_up"})
	}))
	defer srv.Close()

	out, err := run(t, "--server", srv.URL, "--api-key", "admin", "step", "inst-1")
	require.NoError(t, err)

	assert.Equal(t, "admin", gotKey)
	assert.Equal(t, "/internal/instances/inst-1/step", gotPath)
	assert.Contains(t, out, `"current_step": "caddy_up"`)
}

func TestRollbackCommand_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"instance not found"}`))
	}))
	defer srv.Close()

	_, err := run(t, "--server", srv.URL, "rollback", "missing")

	var apiErr *apiError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "instance not found", apiErr.Message)
}

func TestInstancesCommand_PassesStatusFilter(t *testing.T) {
	var query []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()["status"]
		_, _ = w.Write([]byte(`{"instances":[{"id":"inst-1","agent_id":"agent-1","status":"failed","phase":"creating"}],"count":1}`))
	}))
	defer srv.Close()

	out, err := run(t, "--server", srv.URL, "instances", "--status", "failed", "--status", "pending")
	require.NoError(t, err)

	assert.Equal(t, []string{"failed", "pending"}, query)
	assert.Contains(t, out, "inst-1")
	assert.Contains(t, out, "STATUS")
}

func TestPollOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/internal/instances/step", r.URL.Path)
		_, _ = w.Write([]byte(`{"checked":4,"running":1,"failed":1,"errors":0}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	require.NoError(t, pollOnce(context.Background(), newAPIClient(srv.URL+"/", "k"), &out))

	assert.Equal(t, int32(1), calls.Load())
	assert.Contains(t, out.String(), `"checked": 4`)
}

func TestPollCommand_Once(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"checked":0,"running":0,"failed":0,"errors":0}`))
	}))
	defer srv.Close()

	out, err := run(t, "--server", srv.URL, "poll", "--once")
	require.NoError(t, err)
	assert.Contains(t, out, `"checked": 0`)
}

func TestRegionsCommand(t *testing.T) {
	out, err := run(t, "regions")
	require.NoError(t, err)
	assert.Contains(t, out, "REGION")
	assert.Contains(t, out, "(default)")
}

const renderDoc = `generator:
  managed_llm_base_url: https://llm.example.com/v1
input:
  agent_id: agent-1
  agent_name: assistant
  hostname: silo-abcdef12
  gateway_token: gw_secret
  llm:
    provider: managed
    model: small
  credentials:
    - provider: github
      content: '{"provider":"github","access_token":"gho_x"}'
`

func TestRenderBootstrap_MatchesLibrary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "render.yaml")
	require.NoError(t, os.WriteFile(path, []byte(renderDoc), 0o600))

	out, err := run(t, "render-bootstrap", "--config", path)
	require.NoError(t, err)

	g, err := bootstrap.NewGenerator(bootstrap.Config{ManagedLLMBaseURL: "https://llm.example.com/v1"})
	require.NoError(t, err)
	want, err := g.Generate(bootstrap.Input{
		AgentID:      "agent-1",
		AgentName:    "assistant",
		Hostname:     "silo-abcdef12",
		GatewayToken: "gw_secret",
		LLM:          bootstrap.LLMRouting{Provider: "managed", Model: "small"},
		Credentials: []bootstrap.CredentialFile{
			{Provider: "github", Content: `{"provider":"github","access_token":"gho_x"}`},
		},
	})
	require.NoError(t, err)

	if diff := cmp.Diff(string(want), out); diff != "" {
		t.Errorf("rendered payload mismatch (-want +got):\n%s", diff)
	}
}

func TestRenderBootstrap_WritesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "render.yaml")
	require.NoError(t, os.WriteFile(path, []byte(renderDoc), 0o600))
	target := filepath.Join(dir, "user-data.yaml")

	_, err := run(t, "render-bootstrap", "--config", path, "-o", target)
	require.NoError(t, err)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Contains(t, string(data), "gw_secret")
}

func TestRenderBootstrap_MissingToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "render.yaml")
	doc := strings.Replace(renderDoc, "  gateway_token: gw_secret\n", "", 1)
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	_, err := run(t, "render-bootstrap", "--config", path)
	assert.ErrorIs(t, err, bootstrap.ErrMissingToken)
}

func TestTokenCommand(t *testing.T) {
	out, err := run(t, "token", "--user", "user-7", "--jwt-secret", "s3cret")
	require.NoError(t, err)

	claims, err := auth.ValidateToken("s3cret", strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "user-7", claims.UserID)
}

func TestTokenCommand_RequiresSecret(t *testing.T) {
	t.Setenv("SILOCTL_JWT_SECRET", "")
	_, err := run(t, "token", "--user", "user-7")
	assert.Error(t, err)
}
