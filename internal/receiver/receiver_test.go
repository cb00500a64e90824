package receiver

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(t *testing.T) (*gin.Engine, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "credentials")
	h, err := NewHandler(Config{CredentialsDir: dir, GatewayToken: "gw_secret"})
	require.NoError(t, err)
	r := gin.New()
	SetupRoute(r, h)
	return r, dir
}

func push(r *gin.Engine, token, body string) *httptest.ResponseRecorder {
	req, _ := http.NewRequest(http.MethodPost, Path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestReceive_WritesCredentialFile(t *testing.T) {
	r, dir := setupRouter(t)
	body := `{"provider":"github","access_token":"gho_abc","refresh_token":"ghr_def","metadata":{"login":"octo"}}`

	w := push(r, "gw_secret", body)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	path := filepath.Join(dir, "github.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, body, string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// A second push replaces the file and leaves no temp files behind.
	w = push(r, "gw_secret", `{"provider":"github","access_token":"gho_new"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "gho_new")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestReceive_ReplacesLooseFileWithPrivateOne(t *testing.T) {
	r, dir := setupRouter(t)
	path := filepath.Join(dir, "linear.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"stale":true}`), 0o644))

	w := push(r, "gw_secret", `{"provider":"linear","access_token":"lin_abc"}`)
	require.Equal(t, http.StatusOK, w.Code)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "stale")
}

func TestReceive_RejectsBadToken(t *testing.T) {
	r, dir := setupRouter(t)
	body := `{"provider":"github","access_token":"gho_abc"}`

	assert.Equal(t, http.StatusUnauthorized, push(r, "", body).Code)
	assert.Equal(t, http.StatusUnauthorized, push(r, "gw_wrong", body).Code)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReceive_RejectsInvalidPayload(t *testing.T) {
	r, _ := setupRouter(t)
	tests := []struct {
		name string
		body string
	}{
		{"not json", `provider=github`},
		{"missing access token", `{"provider":"github"}`},
		{"empty access token", `{"provider":"github","access_token":""}`},
		{"path traversal", `{"provider":"../etc/passwd","access_token":"x"}`},
		{"uppercase provider", `{"provider":"GitHub","access_token":"x"}`},
		{"non-string metadata", `{"provider":"github","access_token":"x","metadata":{"n":1}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, http.StatusBadRequest, push(r, "gw_secret", tt.body).Code)
		})
	}
}

func TestHealth(t *testing.T) {
	r, _ := setupRouter(t)
	req, _ := http.NewRequest(http.MethodGet, Path+"/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNewHandler_RequiresToken(t *testing.T) {
	_, err := NewHandler(Config{CredentialsDir: t.TempDir()})
	assert.ErrorIs(t, err, ErrMissingToken)
}
