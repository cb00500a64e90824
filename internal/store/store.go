package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/EternisAI/silo-orchestrator/internal/models"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrActiveInstanceExists is returned when an agent already owns a
	// non-terminal instance.
	ErrActiveInstanceExists = errors.New("agent already has an active instance")
	// ErrImmutableField is returned when an update tries to overwrite a
	// server assignment that was already recorded.
	ErrImmutableField = errors.New("server assignment is immutable")
)

// Store is the durable record store shared by the orchestrator services.
// Implementations must make CompareAndSwapStatus atomic with respect to
// concurrent callers.
type Store interface {
	CreateAgent(ctx context.Context, agent *models.Agent) error
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	ListAgentsByUser(ctx context.Context, userID string) ([]models.Agent, error)
	UpdateAgent(ctx context.Context, agent *models.Agent) error

	CreateInstance(ctx context.Context, instance *models.Instance) error
	GetInstance(ctx context.Context, id string) (*models.Instance, error)
	LatestInstanceForAgent(ctx context.Context, agentID string) (*models.Instance, error)
	ListInstancesByStatus(ctx context.Context, statuses ...models.Status) ([]models.Instance, error)
	ListRunningInstancesForUser(ctx context.Context, userID string) ([]models.Instance, error)
	UpdateInstance(ctx context.Context, instance *models.Instance) error
	// UpdateInstanceIfStatus writes the instance only while the stored status
	// is still expected. False means another writer moved the row first and
	// nothing was written.
	UpdateInstanceIfStatus(ctx context.Context, instance *models.Instance, expected models.Status) (bool, error)
	CompareAndSwapStatus(ctx context.Context, id string, from, to models.Status) (bool, error)

	CreateIntegration(ctx context.Context, integration *models.Integration) error
	GetIntegration(ctx context.Context, id string) (*models.Integration, error)
	GetIntegrationByProvider(ctx context.Context, userID, provider string) (*models.Integration, error)
	ListIntegrationsByUser(ctx context.Context, userID string) ([]models.Integration, error)
	UpdateIntegration(ctx context.Context, integration *models.Integration) error

	Close() error
}

type Config struct {
	Driver     string `mapstructure:"driver"`
	BadgerPath string `mapstructure:"badger_path"`
}

const (
	DriverPostgres = "postgres"
	DriverBadger   = "badger"
)

func checkServerAssignment(current, next *models.Instance) error {
	if current.ServerID != "" && next.ServerID != current.ServerID {
		return fmt.Errorf("%w: server_id %s", ErrImmutableField, current.ServerID)
	}
	if current.ServerIP != "" && next.ServerIP != current.ServerIP {
		return fmt.Errorf("%w: server_ip %s", ErrImmutableField, current.ServerIP)
	}
	return nil
}
