package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/EternisAI/silo-orchestrator/internal/models"
	"golang.org/x/oauth2"
)

// ErrReconnectRequired means the stored credential cannot be made valid
// without the user connecting the integration again.
var ErrReconnectRequired = errors.New("integration must be reconnected")

type IntegrationStore interface {
	GetIntegration(ctx context.Context, id string) (*models.Integration, error)
	UpdateIntegration(ctx context.Context, integration *models.Integration) error
}

type Refresher struct {
	store      IntegrationStore
	sealer     Sealer
	providers  map[string]ProviderConfig
	httpClient *http.Client
	now        func() time.Time
}

func NewRefresher(store IntegrationStore, sealer Sealer, providers map[string]ProviderConfig) *Refresher {
	return &Refresher{
		store:      store,
		sealer:     sealer,
		providers:  providers,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		now:        time.Now,
	}
}

// RefreshToken renews the access token of an expired integration. Tokens
// that have not expired are returned unchanged.
func (r *Refresher) RefreshToken(ctx context.Context, integrationID string) (*models.Integration, error) {
	integration, err := r.store.GetIntegration(ctx, integrationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load integration %s: %w", integrationID, err)
	}
	return r.Refresh(ctx, integration)
}

func (r *Refresher) Refresh(ctx context.Context, integration *models.Integration) (*models.Integration, error) {
	if !integration.Expired(r.now()) {
		return integration, nil
	}
	if integration.RefreshTokenSealed == "" {
		return nil, fmt.Errorf("%w: %s issued no refresh token", ErrReconnectRequired, integration.Provider)
	}
	provider, ok := r.providers[integration.Provider]
	if !ok || provider.TokenURL == "" {
		return nil, fmt.Errorf("%w: no token endpoint configured for %s", ErrReconnectRequired, integration.Provider)
	}

	refreshToken, err := OpenString(r.sealer, integration.RefreshTokenSealed)
	if err != nil {
		return nil, fmt.Errorf("failed to open refresh token: %w", err)
	}

	oauthCfg := oauth2.Config{
		ClientID:     provider.ClientID,
		ClientSecret: provider.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: provider.TokenURL},
		Scopes:       provider.Scopes,
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	token, err := oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		slog.Warn("Token refresh failed",
			"integration_id", integration.ID,
			"provider", integration.Provider,
			"error", err)
		return nil, fmt.Errorf("%w: %w", ErrReconnectRequired, err)
	}

	access, err := r.sealer.Seal([]byte(token.AccessToken))
	if err != nil {
		return nil, fmt.Errorf("failed to seal access token: %w", err)
	}
	integration.AccessTokenSealed = access

	if token.RefreshToken != "" && token.RefreshToken != refreshToken {
		rotated, err := r.sealer.Seal([]byte(token.RefreshToken))
		if err != nil {
			return nil, fmt.Errorf("failed to seal refresh token: %w", err)
		}
		integration.RefreshTokenSealed = rotated
	}

	integration.TokenExpiry = nil
	if !token.Expiry.IsZero() {
		expiry := token.Expiry.UTC()
		integration.TokenExpiry = &expiry
	}

	if err := r.store.UpdateIntegration(ctx, integration); err != nil {
		return nil, fmt.Errorf("failed to persist refreshed token: %w", err)
	}
	slog.Info("Refreshed integration token", "integration_id", integration.ID, "provider", integration.Provider)
	return integration, nil
}
