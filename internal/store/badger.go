package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/EternisAI/silo-orchestrator/internal/models"
	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

const maxConflictRetries = 5

var (
	agentPrefix       = []byte("agent:")
	instancePrefix    = []byte("instance:")
	integrationPrefix = []byte("integration:")
)

// BadgerStore is an embedded Store for single-node deployments and tests.
// Writes run in serializable badger transactions; conflicting transactions
// are retried so that conditional updates observe the winner's write.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens a store at path. An empty path opens an in-memory
// store.
func NewBadgerStore(path string) (*BadgerStore, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(filepath.Clean(path)).WithValueLogFileSize(1 << 20)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func (s *BadgerStore) CreateAgent(ctx context.Context, agent *models.Agent) error {
	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	agent.CreatedAt, agent.UpdatedAt = now, now
	return s.update(func(txn *badger.Txn) error {
		return putJSON(txn, key(agentPrefix, agent.ID), agent)
	})
}

func (s *BadgerStore) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	var agent models.Agent
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, key(agentPrefix, id), &agent)
	})
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

func (s *BadgerStore) ListAgentsByUser(ctx context.Context, userID string) ([]models.Agent, error) {
	var result []models.Agent
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, agentPrefix, func(v []byte) error {
			var agent models.Agent
			if err := json.Unmarshal(v, &agent); err != nil {
				return err
			}
			if agent.UserID == userID {
				result = append(result, agent)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *BadgerStore) UpdateAgent(ctx context.Context, agent *models.Agent) error {
	return s.update(func(txn *badger.Txn) error {
		var current models.Agent
		if err := getJSON(txn, key(agentPrefix, agent.ID), &current); err != nil {
			return err
		}
		agent.CreatedAt = current.CreatedAt
		agent.UpdatedAt = time.Now().UTC()
		return putJSON(txn, key(agentPrefix, agent.ID), agent)
	})
}

func (s *BadgerStore) CreateInstance(ctx context.Context, instance *models.Instance) error {
	if instance.ID == "" {
		instance.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if instance.CreatedAt.IsZero() {
		instance.CreatedAt = now
	}
	instance.UpdatedAt = now

	return s.update(func(txn *badger.Txn) error {
		if instance.Status.Active() {
			active, err := activeInstanceID(txn, instance.AgentID, instance.ID)
			if err != nil {
				return err
			}
			if active != "" {
				return ErrActiveInstanceExists
			}
		}
		return putJSON(txn, key(instancePrefix, instance.ID), instance)
	})
}

func (s *BadgerStore) GetInstance(ctx context.Context, id string) (*models.Instance, error) {
	var instance models.Instance
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, key(instancePrefix, id), &instance)
	})
	if err != nil {
		return nil, err
	}
	return &instance, nil
}

func (s *BadgerStore) LatestInstanceForAgent(ctx context.Context, agentID string) (*models.Instance, error) {
	instances, err := s.listInstances(func(i *models.Instance) bool { return i.AgentID == agentID })
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, ErrNotFound
	}
	latest := instances[len(instances)-1]
	return &latest, nil
}

func (s *BadgerStore) ListInstancesByStatus(ctx context.Context, statuses ...models.Status) ([]models.Instance, error) {
	return s.listInstances(func(i *models.Instance) bool {
		for _, st := range statuses {
			if i.Status == st {
				return true
			}
		}
		return false
	})
}

func (s *BadgerStore) ListRunningInstancesForUser(ctx context.Context, userID string) ([]models.Instance, error) {
	agents, err := s.ListAgentsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	owned := make(map[string]bool, len(agents))
	for _, a := range agents {
		owned[a.ID] = true
	}
	return s.listInstances(func(i *models.Instance) bool {
		return owned[i.AgentID] && i.Status == models.StatusRunning
	})
}

func (s *BadgerStore) UpdateInstance(ctx context.Context, instance *models.Instance) error {
	_, err := s.writeInstance(instance, "")
	return err
}

func (s *BadgerStore) UpdateInstanceIfStatus(ctx context.Context, instance *models.Instance, expected models.Status) (bool, error) {
	return s.writeInstance(instance, expected)
}

// writeInstance replaces the stored row. With expected set, a row in any
// other status is left alone and false is returned.
func (s *BadgerStore) writeInstance(instance *models.Instance, expected models.Status) (bool, error) {
	written := false
	err := s.update(func(txn *badger.Txn) error {
		written = false
		var current models.Instance
		if err := getJSON(txn, key(instancePrefix, instance.ID), &current); err != nil {
			return err
		}
		if expected != "" && current.Status != expected {
			return nil
		}
		if err := checkServerAssignment(&current, instance); err != nil {
			return err
		}
		if instance.Status.Active() && !current.Status.Active() {
			active, err := activeInstanceID(txn, instance.AgentID, instance.ID)
			if err != nil {
				return err
			}
			if active != "" {
				return ErrActiveInstanceExists
			}
		}
		instance.CreatedAt = current.CreatedAt
		instance.UpdatedAt = time.Now().UTC()
		written = true
		return putJSON(txn, key(instancePrefix, instance.ID), instance)
	})
	if err != nil {
		return false, err
	}
	return written, nil
}

func (s *BadgerStore) CompareAndSwapStatus(ctx context.Context, id string, from, to models.Status) (bool, error) {
	swapped := false
	err := s.update(func(txn *badger.Txn) error {
		swapped = false
		var current models.Instance
		if err := getJSON(txn, key(instancePrefix, id), &current); err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}
		if current.Status != from {
			return nil
		}
		if to.Active() && !from.Active() {
			active, err := activeInstanceID(txn, current.AgentID, current.ID)
			if err != nil {
				return err
			}
			if active != "" {
				return ErrActiveInstanceExists
			}
		}
		current.Status = to
		current.UpdatedAt = time.Now().UTC()
		swapped = true
		return putJSON(txn, key(instancePrefix, id), &current)
	})
	if err != nil {
		return false, err
	}
	return swapped, nil
}

func (s *BadgerStore) CreateIntegration(ctx context.Context, integration *models.Integration) error {
	if integration.ID == "" {
		integration.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	integration.CreatedAt, integration.UpdatedAt = now, now
	return s.update(func(txn *badger.Txn) error {
		return putJSON(txn, key(integrationPrefix, integration.ID), integration)
	})
}

func (s *BadgerStore) GetIntegration(ctx context.Context, id string) (*models.Integration, error) {
	var integration models.Integration
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, key(integrationPrefix, id), &integration)
	})
	if err != nil {
		return nil, err
	}
	return &integration, nil
}

func (s *BadgerStore) GetIntegrationByProvider(ctx context.Context, userID, provider string) (*models.Integration, error) {
	var found *models.Integration
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, integrationPrefix, func(v []byte) error {
			var integration models.Integration
			if err := json.Unmarshal(v, &integration); err != nil {
				return err
			}
			if integration.UserID == userID && integration.Provider == provider {
				found = &integration
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (s *BadgerStore) ListIntegrationsByUser(ctx context.Context, userID string) ([]models.Integration, error) {
	var result []models.Integration
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, integrationPrefix, func(v []byte) error {
			var integration models.Integration
			if err := json.Unmarshal(v, &integration); err != nil {
				return err
			}
			if integration.UserID == userID {
				result = append(result, integration)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Provider < result[j].Provider })
	return result, nil
}

func (s *BadgerStore) UpdateIntegration(ctx context.Context, integration *models.Integration) error {
	return s.update(func(txn *badger.Txn) error {
		var current models.Integration
		if err := getJSON(txn, key(integrationPrefix, integration.ID), &current); err != nil {
			return err
		}
		integration.CreatedAt = current.CreatedAt
		integration.UpdatedAt = time.Now().UTC()
		return putJSON(txn, key(integrationPrefix, integration.ID), integration)
	})
}

func (s *BadgerStore) listInstances(match func(*models.Instance) bool) ([]models.Instance, error) {
	var result []models.Instance
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, instancePrefix, func(v []byte) error {
			var instance models.Instance
			if err := json.Unmarshal(v, &instance); err != nil {
				return err
			}
			if match(&instance) {
				result = append(result, instance)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// activeInstanceID returns the ID of an active instance owned by agentID
// other than exclude, or "" when none exists. Reading inside the write
// transaction makes concurrent creators conflict.
func activeInstanceID(txn *badger.Txn, agentID, exclude string) (string, error) {
	found := ""
	err := scanPrefix(txn, instancePrefix, func(v []byte) error {
		var instance models.Instance
		if err := json.Unmarshal(v, &instance); err != nil {
			return err
		}
		if instance.AgentID == agentID && instance.ID != exclude && instance.Status.Active() {
			found = instance.ID
		}
		return nil
	})
	return found, err
}

func key(prefix []byte, id string) []byte {
	return append(bytes.Clone(prefix), id...)
}

func putJSON(txn *badger.Txn, k []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(k, data)
}

func getJSON(txn *badger.Txn, k []byte, out any) error {
	item, err := txn.Get(k)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		return err
	}
	return item.Value(func(v []byte) error {
		return json.Unmarshal(v, out)
	})
}

func scanPrefix(txn *badger.Txn, prefix []byte, fn func(v []byte) error) error {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if err := it.Item().Value(fn); err != nil {
			return err
		}
	}
	return nil
}
