package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/EternisAI/silo-orchestrator/internal/metrics"
	"github.com/EternisAI/silo-orchestrator/internal/models"
	"github.com/samber/lo"
)

const (
	receiverPath       = "/internal/credentials"
	defaultPushTimeout = 10 * time.Second
)

type DeliveryStore interface {
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	ListRunningInstancesForUser(ctx context.Context, userID string) ([]models.Instance, error)
	GetIntegrationByProvider(ctx context.Context, userID, provider string) (*models.Integration, error)
	ListIntegrationsByUser(ctx context.Context, userID string) ([]models.Integration, error)
}

// Payload is the credential document a machine's receiver accepts and
// writes to disk.
type Payload struct {
	Provider     string            `json:"provider"`
	AccessToken  string            `json:"access_token"`
	RefreshToken string            `json:"refresh_token,omitempty"`
	TokenExpiry  *time.Time        `json:"token_expiry,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// File is a decrypted credential ready to be embedded in a bootstrap
// payload.
type File struct {
	Provider string
	Data     []byte
}

type PushResult struct {
	Provider  string   `json:"provider"`
	Delivered int      `json:"delivered"`
	Failed    int      `json:"failed"`
	FailedIDs []string `json:"failed_instance_ids,omitempty"`
}

type Delivery struct {
	store      DeliveryStore
	sealer     Sealer
	refresher  *Refresher
	httpClient *http.Client
}

func NewDelivery(store DeliveryStore, sealer Sealer, refresher *Refresher, pushTimeout time.Duration) *Delivery {
	if pushTimeout <= 0 {
		pushTimeout = defaultPushTimeout
	}
	return &Delivery{
		store:      store,
		sealer:     sealer,
		refresher:  refresher,
		httpClient: &http.Client{Timeout: pushTimeout},
	}
}

// PushCredentials sends the user's current credential for provider to every
// running machine the user owns. Delivery is best effort: a failing machine
// is logged and counted and never blocks the others.
func (d *Delivery) PushCredentials(ctx context.Context, userID, provider string) (*PushResult, error) {
	integration, err := d.store.GetIntegrationByProvider(ctx, userID, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s integration: %w", provider, err)
	}
	body, err := d.payload(ctx, integration)
	if err != nil {
		return nil, err
	}

	instances, err := d.store.ListRunningInstancesForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list running instances: %w", err)
	}
	instances = lo.Filter(instances, func(i models.Instance, _ int) bool { return pushAddress(i) != "" })

	tokens, err := d.gatewayTokens(ctx, instances)
	if err != nil {
		return nil, err
	}

	result := &PushResult{Provider: provider}
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, instance := range instances {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := d.push(ctx, pushAddress(instance), tokens[instance.AgentID], body)
			metrics.CredentialPushes.WithLabelValues(metrics.Result(err)).Inc()

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				slog.Warn("Credential push failed",
					"instance_id", instance.ID,
					"agent_id", instance.AgentID,
					"provider", provider,
					"error", err)
				result.Failed++
				result.FailedIDs = append(result.FailedIDs, instance.ID)
				return
			}
			result.Delivered++
		}()
	}
	wg.Wait()

	slog.Info("Credential push finished",
		"user_id", userID,
		"provider", provider,
		"delivered", result.Delivered,
		"failed", result.Failed)
	return result, nil
}

// CredentialFiles returns decrypted credential documents for every
// integration the user has connected. Integrations that need reconnecting
// are skipped.
func (d *Delivery) CredentialFiles(ctx context.Context, userID string) ([]File, error) {
	integrations, err := d.store.ListIntegrationsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list integrations: %w", err)
	}

	files := make([]File, 0, len(integrations))
	for i := range integrations {
		body, err := d.payload(ctx, &integrations[i])
		if errors.Is(err, ErrReconnectRequired) {
			slog.Warn("Skipping stale integration", "integration_id", integrations[i].ID, "provider", integrations[i].Provider)
			continue
		}
		if err != nil {
			return nil, err
		}
		files = append(files, File{Provider: integrations[i].Provider, Data: body})
	}
	return files, nil
}

func (d *Delivery) payload(ctx context.Context, integration *models.Integration) ([]byte, error) {
	if d.refresher != nil {
		refreshed, err := d.refresher.Refresh(ctx, integration)
		if err != nil {
			return nil, err
		}
		integration = refreshed
	}

	access, err := OpenString(d.sealer, integration.AccessTokenSealed)
	if err != nil {
		return nil, fmt.Errorf("failed to open access token: %w", err)
	}
	refresh, err := OpenString(d.sealer, integration.RefreshTokenSealed)
	if err != nil {
		return nil, fmt.Errorf("failed to open refresh token: %w", err)
	}

	return json.Marshal(Payload{
		Provider:     integration.Provider,
		AccessToken:  access,
		RefreshToken: refresh,
		TokenExpiry:  integration.TokenExpiry,
		Metadata:     integration.Metadata,
	})
}

func (d *Delivery) gatewayTokens(ctx context.Context, instances []models.Instance) (map[string]string, error) {
	agentIDs := lo.Uniq(lo.Map(instances, func(i models.Instance, _ int) string { return i.AgentID }))
	tokens := make(map[string]string, len(agentIDs))
	for _, id := range agentIDs {
		agent, err := d.store.GetAgent(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load agent %s: %w", id, err)
		}
		tokens[id] = agent.GatewayToken
	}
	return tokens, nil
}

// pushAddress prefers the machine's mesh address. Pushes carry the gateway
// token and plaintext OAuth tokens, and the public listener is plain HTTP.
func pushAddress(instance models.Instance) string {
	return lo.CoalesceOrEmpty(instance.TailscaleIP, instance.ServerIP)
}

func (d *Delivery) push(ctx context.Context, ip, token string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+ip+receiverPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("receiver returned HTTP %d", resp.StatusCode)
	}
	return nil
}
