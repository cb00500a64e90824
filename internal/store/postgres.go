package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/EternisAI/silo-orchestrator/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

const instanceColumns = `id, agent_id, status, current_step, server_id, server_ip, region, location,
	tailscale_ip, error, started_at, stopped_at, destroyed_at, created_at, updated_at`

const agentColumns = `id, user_id, name, status, gateway_token, llm_provider, llm_model,
	llm_api_key_sealed, created_at, updated_at`

const integrationColumns = `id, user_id, provider, access_token_sealed, refresh_token_sealed,
	token_expiry, metadata, created_at, updated_at`

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// CreateAgent inserts a new agent. An empty ID is replaced with a fresh UUID.
func (s *PostgresStore) CreateAgent(ctx context.Context, agent *models.Agent) error {
	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	agent.CreatedAt, agent.UpdatedAt = now, now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO agents (`+agentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		agent.ID, agent.UserID, agent.Name, string(agent.Status), agent.GatewayToken,
		agent.LLM.Provider, agent.LLM.Model, agent.LLM.APIKeySealed, agent.CreatedAt, agent.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	agent, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return agent, nil
}

func (s *PostgresStore) ListAgentsByUser(ctx context.Context, userID string) ([]models.Agent, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+agentColumns+` FROM agents WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var result []models.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		result = append(result, *agent)
	}
	return result, rows.Err()
}

func (s *PostgresStore) UpdateAgent(ctx context.Context, agent *models.Agent) error {
	agent.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE agents
		SET name = $2, status = $3, gateway_token = $4, llm_provider = $5, llm_model = $6,
		    llm_api_key_sealed = $7, updated_at = $8
		WHERE id = $1`,
		agent.ID, agent.Name, string(agent.Status), agent.GatewayToken, agent.LLM.Provider,
		agent.LLM.Model, agent.LLM.APIKeySealed, agent.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateInstance inserts a new instance row. The partial unique index on
// agent_id rejects a second active instance for the same agent.
func (s *PostgresStore) CreateInstance(ctx context.Context, instance *models.Instance) error {
	if instance.ID == "" {
		instance.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if instance.CreatedAt.IsZero() {
		instance.CreatedAt = now
	}
	instance.UpdatedAt = now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO instances (`+instanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		instance.ID, instance.AgentID, string(instance.Status), string(instance.CurrentStep),
		instance.ServerID, instance.ServerIP, instance.Region, instance.Location, instance.TailscaleIP,
		instance.Error, toTimestamptz(instance.StartedAt), toTimestamptz(instance.StoppedAt),
		toTimestamptz(instance.DestroyedAt), instance.CreatedAt, instance.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrActiveInstanceExists
		}
		return fmt.Errorf("failed to create instance: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetInstance(ctx context.Context, id string) (*models.Instance, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = $1`, id)
	instance, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	return instance, nil
}

func (s *PostgresStore) LatestInstanceForAgent(ctx context.Context, agentID string) (*models.Instance, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+instanceColumns+` FROM instances
		WHERE agent_id = $1
		ORDER BY created_at DESC
		LIMIT 1`, agentID)
	instance, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get latest instance: %w", err)
	}
	return instance, nil
}

func (s *PostgresStore) ListInstancesByStatus(ctx context.Context, statuses ...models.Status) ([]models.Instance, error) {
	values := make([]string, len(statuses))
	for i, st := range statuses {
		values[i] = string(st)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+instanceColumns+` FROM instances
		WHERE status = ANY($1)
		ORDER BY created_at`, values)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	return collectInstances(rows)
}

func (s *PostgresStore) ListRunningInstancesForUser(ctx context.Context, userID string) ([]models.Instance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+prefixed("i", instanceColumns)+` FROM instances i
		JOIN agents a ON a.id = i.agent_id
		WHERE a.user_id = $1 AND i.status = $2
		ORDER BY i.created_at`, userID, string(models.StatusRunning))
	if err != nil {
		return nil, fmt.Errorf("failed to list running instances: %w", err)
	}
	return collectInstances(rows)
}

// UpdateInstance writes every mutable column. Server assignment columns are
// guarded in SQL so a recorded server_id/server_ip is never replaced.
func (s *PostgresStore) UpdateInstance(ctx context.Context, instance *models.Instance) error {
	current, err := s.GetInstance(ctx, instance.ID)
	if err != nil {
		return err
	}
	if err := checkServerAssignment(current, instance); err != nil {
		return err
	}
	written, err := s.writeInstance(ctx, instance, nil)
	if err != nil {
		return err
	}
	if !written {
		return ErrImmutableField
	}
	return nil
}

func (s *PostgresStore) UpdateInstanceIfStatus(ctx context.Context, instance *models.Instance, expected models.Status) (bool, error) {
	current, err := s.GetInstance(ctx, instance.ID)
	if err != nil {
		return false, err
	}
	if current.Status != expected {
		return false, nil
	}
	if err := checkServerAssignment(current, instance); err != nil {
		return false, err
	}
	want := string(expected)
	return s.writeInstance(ctx, instance, &want)
}

// writeInstance reports false when no row matched, either because the
// server assignment changed or because status no longer equals expected.
func (s *PostgresStore) writeInstance(ctx context.Context, instance *models.Instance, expected *string) (bool, error) {
	updatedAt := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE instances
		SET status = $2, current_step = $3, server_id = $4, server_ip = $5, region = $6,
		    location = $7, tailscale_ip = $8, error = $9, started_at = $10, stopped_at = $11,
		    destroyed_at = $12, updated_at = $13
		WHERE id = $1
		  AND (server_id = '' OR server_id = $4)
		  AND (server_ip = '' OR server_ip = $5)
		  AND ($14::text IS NULL OR status = $14)`,
		instance.ID, string(instance.Status), string(instance.CurrentStep), instance.ServerID,
		instance.ServerIP, instance.Region, instance.Location, instance.TailscaleIP, instance.Error,
		toTimestamptz(instance.StartedAt), toTimestamptz(instance.StoppedAt),
		toTimestamptz(instance.DestroyedAt), updatedAt, expected)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return false, ErrActiveInstanceExists
		}
		return false, fmt.Errorf("failed to update instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	instance.UpdatedAt = updatedAt
	return true, nil
}

// CompareAndSwapStatus sets status=to only where status=from. Exactly one of
// several concurrent callers observes true.
func (s *PostgresStore) CompareAndSwapStatus(ctx context.Context, id string, from, to models.Status) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE instances SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2`, id, string(from), string(to))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return false, ErrActiveInstanceExists
		}
		return false, fmt.Errorf("failed to transition instance: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) CreateIntegration(ctx context.Context, integration *models.Integration) error {
	if integration.ID == "" {
		integration.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	integration.CreatedAt, integration.UpdatedAt = now, now

	metadata, err := json.Marshal(nonNilMetadata(integration.Metadata))
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO integrations (`+integrationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		integration.ID, integration.UserID, integration.Provider, integration.AccessTokenSealed,
		integration.RefreshTokenSealed, toTimestamptz(integration.TokenExpiry), metadata,
		integration.CreatedAt, integration.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create integration: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetIntegration(ctx context.Context, id string) (*models.Integration, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+integrationColumns+` FROM integrations WHERE id = $1`, id)
	integration, err := scanIntegration(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get integration: %w", err)
	}
	return integration, nil
}

func (s *PostgresStore) GetIntegrationByProvider(ctx context.Context, userID, provider string) (*models.Integration, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+integrationColumns+` FROM integrations
		WHERE user_id = $1 AND provider = $2`, userID, provider)
	integration, err := scanIntegration(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get integration: %w", err)
	}
	return integration, nil
}

func (s *PostgresStore) ListIntegrationsByUser(ctx context.Context, userID string) ([]models.Integration, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+integrationColumns+` FROM integrations
		WHERE user_id = $1 ORDER BY provider`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list integrations: %w", err)
	}
	defer rows.Close()

	var result []models.Integration
	for rows.Next() {
		integration, err := scanIntegration(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan integration: %w", err)
		}
		result = append(result, *integration)
	}
	return result, rows.Err()
}

func (s *PostgresStore) UpdateIntegration(ctx context.Context, integration *models.Integration) error {
	metadata, err := json.Marshal(nonNilMetadata(integration.Metadata))
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	integration.UpdatedAt = time.Now().UTC()

	tag, err := s.pool.Exec(ctx, `
		UPDATE integrations
		SET access_token_sealed = $2, refresh_token_sealed = $3, token_expiry = $4,
		    metadata = $5, updated_at = $6
		WHERE id = $1`,
		integration.ID, integration.AccessTokenSealed, integration.RefreshTokenSealed,
		toTimestamptz(integration.TokenExpiry), metadata, integration.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update integration: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAgent(row pgx.Row) (*models.Agent, error) {
	var (
		agent  models.Agent
		status string
	)
	err := row.Scan(&agent.ID, &agent.UserID, &agent.Name, &status, &agent.GatewayToken,
		&agent.LLM.Provider, &agent.LLM.Model, &agent.LLM.APIKeySealed, &agent.CreatedAt, &agent.UpdatedAt)
	if err != nil {
		return nil, err
	}
	agent.Status = models.AgentStatus(status)
	return &agent, nil
}

func scanInstance(row pgx.Row) (*models.Instance, error) {
	var (
		instance                          models.Instance
		status, step                      string
		startedAt, stoppedAt, destroyedAt pgtype.Timestamptz
	)
	err := row.Scan(&instance.ID, &instance.AgentID, &status, &step, &instance.ServerID,
		&instance.ServerIP, &instance.Region, &instance.Location, &instance.TailscaleIP,
		&instance.Error, &startedAt, &stoppedAt, &destroyedAt, &instance.CreatedAt, &instance.UpdatedAt)
	if err != nil {
		return nil, err
	}
	instance.Status = models.Status(status)
	instance.CurrentStep = models.Step(step)
	instance.StartedAt = timePtr(startedAt)
	instance.StoppedAt = timePtr(stoppedAt)
	instance.DestroyedAt = timePtr(destroyedAt)
	return &instance, nil
}

func scanIntegration(row pgx.Row) (*models.Integration, error) {
	var (
		integration models.Integration
		expiry      pgtype.Timestamptz
		metadata    []byte
	)
	err := row.Scan(&integration.ID, &integration.UserID, &integration.Provider,
		&integration.AccessTokenSealed, &integration.RefreshTokenSealed, &expiry, &metadata,
		&integration.CreatedAt, &integration.UpdatedAt)
	if err != nil {
		return nil, err
	}
	integration.TokenExpiry = timePtr(expiry)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &integration.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &integration, nil
}

func collectInstances(rows pgx.Rows) ([]models.Instance, error) {
	defer rows.Close()

	var result []models.Instance
	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		result = append(result, *instance)
	}
	return result, rows.Err()
}

func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = alias + "." + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}

func toTimestamptz(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}

func timePtr(ts pgtype.Timestamptz) *time.Time {
	if !ts.Valid {
		return nil
	}
	t := ts.Time.UTC()
	return &t
}

func nonNilMetadata(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
