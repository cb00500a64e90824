package credentials

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/EternisAI/silo-orchestrator/internal/models"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tokenServer(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "old-refresh", r.Form.Get("refresh_token"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestRefreshTokenExchangesExpiredToken(t *testing.T) {
	st := newTestStore(t)
	sealer := newTestSealer(t)
	srv, calls := tokenServer(t, http.StatusOK,
		`{"access_token": "new-access", "refresh_token": "new-refresh", "token_type": "Bearer", "expires_in": 3600}`)

	integration := &models.Integration{
		UserID:             "user-1",
		Provider:           "google",
		AccessTokenSealed:  seal(t, sealer, "old-access"),
		RefreshTokenSealed: seal(t, sealer, "old-refresh"),
		TokenExpiry:        lo.ToPtr(time.Now().Add(-time.Minute)),
	}
	require.NoError(t, st.CreateIntegration(ctx, integration))

	r := NewRefresher(st, sealer, map[string]ProviderConfig{"google": {ClientID: "id", TokenURL: srv.URL}})
	got, err := r.RefreshToken(ctx, integration.ID)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	stored, err := st.GetIntegration(ctx, integration.ID)
	require.NoError(t, err)
	assert.Equal(t, "new-access", open(t, sealer, stored.AccessTokenSealed))
	assert.Equal(t, "new-refresh", open(t, sealer, stored.RefreshTokenSealed))
	require.NotNil(t, stored.TokenExpiry)
	assert.True(t, stored.TokenExpiry.After(time.Now()))
	assert.Equal(t, got.AccessTokenSealed, stored.AccessTokenSealed)
}

func TestRefreshTokenLeavesValidTokenAlone(t *testing.T) {
	st := newTestStore(t)
	sealer := newTestSealer(t)
	srv, calls := tokenServer(t, http.StatusOK, `{}`)

	integration := &models.Integration{
		UserID:             "user-1",
		Provider:           "google",
		AccessTokenSealed:  seal(t, sealer, "still-good"),
		RefreshTokenSealed: seal(t, sealer, "old-refresh"),
		TokenExpiry:        lo.ToPtr(time.Now().Add(time.Hour)),
	}
	require.NoError(t, st.CreateIntegration(ctx, integration))

	r := NewRefresher(st, sealer, map[string]ProviderConfig{"google": {TokenURL: srv.URL}})
	got, err := r.RefreshToken(ctx, integration.ID)
	require.NoError(t, err)
	assert.Equal(t, "still-good", open(t, sealer, got.AccessTokenSealed))
	assert.Equal(t, int32(0), calls.Load())
}

func TestRefreshTokenRequiresReconnect(t *testing.T) {
	sealer := newTestSealer(t)
	srv, _ := tokenServer(t, http.StatusBadRequest, `{"error": "invalid_grant"}`)
	providers := map[string]ProviderConfig{"google": {TokenURL: srv.URL}}

	tests := []struct {
		name     string
		provider string
		refresh  string
	}{
		{name: "no refresh token", provider: "google"},
		{name: "provider rejects refresh", provider: "google", refresh: "old-refresh"},
		{name: "unknown provider", provider: "notion", refresh: "old-refresh"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newTestStore(t)
			integration := &models.Integration{
				UserID:            "user-1",
				Provider:          tt.provider,
				AccessTokenSealed: seal(t, sealer, "old-access"),
				TokenExpiry:       lo.ToPtr(time.Now().Add(-time.Hour)),
			}
			if tt.refresh != "" {
				integration.RefreshTokenSealed = seal(t, sealer, tt.refresh)
			}
			require.NoError(t, st.CreateIntegration(ctx, integration))

			_, err := NewRefresher(st, sealer, providers).RefreshToken(ctx, integration.ID)
			assert.ErrorIs(t, err, ErrReconnectRequired)

			stored, err := st.GetIntegration(ctx, integration.ID)
			require.NoError(t, err)
			assert.Equal(t, "old-access", open(t, sealer, stored.AccessTokenSealed))
		})
	}
}
