// Package lifecycle stops, starts and tears down provisioned machines.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/EternisAI/silo-orchestrator/internal/events"
	"github.com/EternisAI/silo-orchestrator/internal/hetzner"
	"github.com/EternisAI/silo-orchestrator/internal/metrics"
	"github.com/EternisAI/silo-orchestrator/internal/models"
	"github.com/EternisAI/silo-orchestrator/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrInstanceNotFound  = errors.New("instance not found")
	ErrNotRunning        = errors.New("instance is not running")
	ErrNotStopped        = errors.New("instance is not stopped")
	ErrInstanceDestroyed = errors.New("instance has been destroyed")
	// ErrInstanceChanged is returned when another writer moved the instance
	// while the operation was talking to the provider.
	ErrInstanceChanged = errors.New("instance changed during operation")
)

const (
	defaultPollInterval = 2 * time.Second
	defaultPollRetries  = 30

	destroyAttempts = 3
)

var tracer = otel.Tracer("github.com/EternisAI/silo-orchestrator/internal/lifecycle")

type Config struct {
	ActionPollInterval time.Duration `mapstructure:"action_poll_interval"`
	ActionPollRetries  int           `mapstructure:"action_poll_retries"`
}

type Store interface {
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	UpdateAgent(ctx context.Context, agent *models.Agent) error
	GetInstance(ctx context.Context, id string) (*models.Instance, error)
	LatestInstanceForAgent(ctx context.Context, agentID string) (*models.Instance, error)
	UpdateInstanceIfStatus(ctx context.Context, instance *models.Instance, expected models.Status) (bool, error)
	CompareAndSwapStatus(ctx context.Context, id string, from, to models.Status) (bool, error)
}

type Provider interface {
	DeleteServer(ctx context.Context, id string) error
	ShutdownServer(ctx context.Context, id string) (*hetzner.Action, error)
	PowerOffServer(ctx context.Context, id string) (*hetzner.Action, error)
	PowerOnServer(ctx context.Context, id string) (*hetzner.Action, error)
	PollAction(ctx context.Context, actionID string, interval time.Duration, maxRetries int) error
	WaitForServerStatus(ctx context.Context, id, status string, interval time.Duration, maxRetries int) error
}

type Mesh interface {
	Enabled() bool
	DeleteDeviceByIP(ctx context.Context, ip string) error
}

type Manager struct {
	store    Store
	provider Provider
	mesh     Mesh
	events   events.Publisher
	cfg      Config
	now      func() time.Time
}

// NewManager builds a Manager. mesh and publisher may be nil.
func NewManager(cfg Config, st Store, provider Provider, mesh Mesh, publisher events.Publisher) *Manager {
	if cfg.ActionPollInterval <= 0 {
		cfg.ActionPollInterval = defaultPollInterval
	}
	if cfg.ActionPollRetries <= 0 {
		cfg.ActionPollRetries = defaultPollRetries
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Manager{
		store:    st,
		provider: provider,
		mesh:     mesh,
		events:   publisher,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Stop shuts the agent's running machine down gracefully, falling back to a
// hard power-off when the server does not report off in time.
func (m *Manager) Stop(ctx context.Context, agentID string) (instance *models.Instance, err error) {
	ctx, span := m.start(ctx, "lifecycle.Stop", agentID)
	defer func() { m.finish(span, "stop", err) }()

	instance, err = m.latest(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if instance.Status != models.StatusRunning {
		return nil, ErrNotRunning
	}
	if err := m.swap(ctx, instance, models.StatusRunning, models.StatusStopping, ErrNotRunning); err != nil {
		return nil, err
	}

	if err := m.shutdown(ctx, instance); err != nil {
		slog.Error("Failed to stop server",
			"instance_id", instance.ID,
			"server_id", instance.ServerID,
			"error", err)
		m.revert(ctx, instance, models.StatusStopping, models.StatusRunning)
		return nil, err
	}

	now := m.now().UTC()
	instance.Status = models.StatusStopped
	instance.StoppedAt = &now
	if err := m.write(ctx, instance, models.StatusStopping); err != nil {
		return nil, err
	}
	if err := m.setAgentStatus(ctx, instance.AgentID, models.AgentStatusPaused); err != nil {
		return nil, err
	}

	slog.Info("Instance stopped", "instance_id", instance.ID, "agent_id", agentID)
	m.emit(ctx, events.InstanceStopped, instance, "")
	return instance, nil
}

func (m *Manager) shutdown(ctx context.Context, instance *models.Instance) error {
	action, err := m.provider.ShutdownServer(ctx, instance.ServerID)
	if err == nil {
		err = m.provider.PollAction(ctx, action.ID, m.cfg.ActionPollInterval, m.cfg.ActionPollRetries)
	}
	if err == nil {
		// A finished shutdown action only means the ACPI signal was delivered.
		err = m.provider.WaitForServerStatus(ctx, instance.ServerID, hetzner.ServerStatusOff,
			m.cfg.ActionPollInterval, m.cfg.ActionPollRetries)
	}
	if !errors.Is(err, hetzner.ErrActionTimeout) {
		return err
	}

	slog.Warn("Graceful shutdown timed out, powering off", "instance_id", instance.ID, "server_id", instance.ServerID)
	action, err = m.provider.PowerOffServer(ctx, instance.ServerID)
	if err != nil {
		return err
	}
	return m.provider.PollAction(ctx, action.ID, m.cfg.ActionPollInterval, m.cfg.ActionPollRetries)
}

// Start powers a stopped machine back on. While the power-on action runs the
// instance is provisioning with no boot step, which the stepper leaves alone.
func (m *Manager) Start(ctx context.Context, agentID string) (instance *models.Instance, err error) {
	ctx, span := m.start(ctx, "lifecycle.Start", agentID)
	defer func() { m.finish(span, "start", err) }()

	instance, err = m.latest(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if instance.DestroyedAt != nil || (instance.Status == models.StatusStopped && instance.ServerID == "") {
		return nil, ErrInstanceDestroyed
	}
	if instance.Status != models.StatusStopped {
		return nil, ErrNotStopped
	}
	if err := m.swap(ctx, instance, models.StatusStopped, models.StatusProvisioning, ErrNotStopped); err != nil {
		return nil, err
	}

	action, err := m.provider.PowerOnServer(ctx, instance.ServerID)
	if err == nil {
		err = m.provider.PollAction(ctx, action.ID, m.cfg.ActionPollInterval, m.cfg.ActionPollRetries)
	}
	if err != nil {
		slog.Error("Failed to start server",
			"instance_id", instance.ID,
			"server_id", instance.ServerID,
			"error", err)
		m.revert(ctx, instance, models.StatusProvisioning, models.StatusStopped)
		return nil, err
	}

	now := m.now().UTC()
	instance.Status = models.StatusRunning
	instance.CurrentStep = models.StepNone
	instance.StartedAt = &now
	instance.StoppedAt = nil
	instance.Error = ""
	if err := m.write(ctx, instance, models.StatusProvisioning); err != nil {
		return nil, err
	}
	if err := m.setAgentStatus(ctx, instance.AgentID, models.AgentStatusActive); err != nil {
		return nil, err
	}

	slog.Info("Instance started", "instance_id", instance.ID, "agent_id", agentID)
	m.emit(ctx, events.InstanceStarted, instance, "")
	return instance, nil
}

// Destroy releases the agent's machine and mesh device. Cleanup failures are
// recorded on the instance instead of aborting, so repeated calls converge.
// When the row changes underneath (a claim recording its new server), the
// instance is reloaded and cleaned up again.
func (m *Manager) Destroy(ctx context.Context, agentID string) (instance *models.Instance, err error) {
	ctx, span := m.start(ctx, "lifecycle.Destroy", agentID)
	defer func() { m.finish(span, "destroy", err) }()

	var server, device outcome
	for attempt := 1; ; attempt++ {
		instance, err = m.latest(ctx, agentID)
		if err != nil {
			return nil, err
		}
		if instance.DestroyedAt != nil && instance.Error == "" {
			return instance, nil
		}

		from := instance.Status
		server, device = m.cleanup(ctx, instance)
		var failed []string
		if server == outcomeFailed {
			failed = append(failed, "server")
		}
		if device == outcomeFailed {
			failed = append(failed, "mesh device")
		}

		now := m.now().UTC()
		instance.Status = models.StatusStopped
		instance.CurrentStep = models.StepNone
		instance.DestroyedAt = &now
		if instance.StoppedAt == nil {
			instance.StoppedAt = &now
		}
		instance.Error = ""
		if len(failed) > 0 {
			instance.Error = "Destroy incomplete, cleanup failed for: " + strings.Join(failed, ", ")
		}

		written, err := m.store.UpdateInstanceIfStatus(ctx, instance, from)
		if err != nil {
			return nil, fmt.Errorf("failed to update instance: %w", err)
		}
		if written {
			break
		}
		if attempt == destroyAttempts {
			return nil, ErrInstanceChanged
		}
		slog.Warn("Instance changed during destroy, retrying", "instance_id", instance.ID, "attempt", attempt)
	}

	if err := m.setAgentStatus(ctx, instance.AgentID, models.AgentStatusPaused); err != nil {
		return nil, err
	}

	slog.Info("Instance destroyed",
		"instance_id", instance.ID,
		"agent_id", agentID,
		"server", server,
		"mesh_device", device)
	m.emit(ctx, events.InstanceDestroyed, instance, instance.Error)
	return instance, nil
}

// RollbackFailedProvision releases whatever a failed provisioning attempt
// left behind and marks the instance failed with a note of what was cleaned.
func (m *Manager) RollbackFailedProvision(ctx context.Context, instanceID string) (instance *models.Instance, err error) {
	ctx, span := tracer.Start(ctx, "lifecycle.RollbackFailedProvision")
	span.SetAttributes(attribute.String("instance_id", instanceID))
	defer func() { m.finish(span, "rollback", err) }()

	instance, err = m.store.GetInstance(ctx, instanceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInstanceNotFound
		}
		return nil, fmt.Errorf("failed to load instance: %w", err)
	}
	from := instance.Status

	server, device := m.cleanup(ctx, instance)
	var notes []string
	switch server {
	case outcomeDone:
		notes = append(notes, "server deleted")
	case outcomeFailed:
		notes = append(notes, "server cleanup failed")
	}
	switch device {
	case outcomeDone:
		notes = append(notes, "mesh device deleted")
	case outcomeFailed:
		notes = append(notes, "mesh device cleanup failed")
	}
	if len(notes) == 0 {
		notes = append(notes, "nothing to clean up")
	}

	annotation := "Rolled back: " + strings.Join(notes, ", ")
	if instance.Error != "" && !strings.Contains(instance.Error, "Rolled back:") {
		annotation = instance.Error + " (" + annotation + ")"
	}
	instance.Status = models.StatusFailed
	instance.Error = annotation
	if err := m.write(ctx, instance, from); err != nil {
		return nil, err
	}
	if err := m.setAgentStatus(ctx, instance.AgentID, models.AgentStatusError); err != nil {
		return nil, err
	}

	slog.Info("Provisioning rolled back", "instance_id", instance.ID, "notes", strings.Join(notes, ", "))
	m.emit(ctx, events.InstanceRolledBack, instance, annotation)
	return instance, nil
}

type outcome string

const (
	outcomeSkipped outcome = "skipped"
	outcomeDone    outcome = "deleted"
	outcomeFailed  outcome = "failed"
)

// cleanup deletes the server and the mesh device independently. A failure
// of one does not prevent the other.
func (m *Manager) cleanup(ctx context.Context, instance *models.Instance) (server, device outcome) {
	server, device = outcomeSkipped, outcomeSkipped

	if instance.ServerID != "" {
		server = outcomeDone
		if err := m.provider.DeleteServer(ctx, instance.ServerID); err != nil {
			server = outcomeFailed
			slog.Error("Failed to delete server",
				"instance_id", instance.ID,
				"server_id", instance.ServerID,
				"error", err)
		}
	}

	if m.mesh != nil && m.mesh.Enabled() && instance.TailscaleIP != "" {
		device = outcomeDone
		if err := m.mesh.DeleteDeviceByIP(ctx, instance.TailscaleIP); err != nil {
			device = outcomeFailed
			slog.Error("Failed to delete mesh device",
				"instance_id", instance.ID,
				"tailscale_ip", instance.TailscaleIP,
				"error", err)
		}
	}
	return server, device
}

func (m *Manager) latest(ctx context.Context, agentID string) (*models.Instance, error) {
	instance, err := m.store.LatestInstanceForAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInstanceNotFound
		}
		return nil, fmt.Errorf("failed to load instance: %w", err)
	}
	return instance, nil
}

// swap claims the instance for a transition. A lost race reports lost.
func (m *Manager) swap(ctx context.Context, instance *models.Instance, from, to models.Status, lost error) error {
	ok, err := m.store.CompareAndSwapStatus(ctx, instance.ID, from, to)
	if err != nil {
		return fmt.Errorf("failed to update instance status: %w", err)
	}
	if !ok {
		return lost
	}
	instance.Status = to
	return nil
}

// write stores the instance only if its status is still from.
func (m *Manager) write(ctx context.Context, instance *models.Instance, from models.Status) error {
	written, err := m.store.UpdateInstanceIfStatus(ctx, instance, from)
	if err != nil {
		return fmt.Errorf("failed to update instance: %w", err)
	}
	if !written {
		slog.Warn("Instance changed during lifecycle operation",
			"instance_id", instance.ID,
			"expected_status", from)
		return ErrInstanceChanged
	}
	return nil
}

func (m *Manager) revert(ctx context.Context, instance *models.Instance, from, to models.Status) {
	if _, err := m.store.CompareAndSwapStatus(ctx, instance.ID, from, to); err != nil {
		slog.Error("Failed to restore instance status",
			"instance_id", instance.ID,
			"status", to,
			"error", err)
		return
	}
	instance.Status = to
}

func (m *Manager) setAgentStatus(ctx context.Context, agentID string, status models.AgentStatus) error {
	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return fmt.Errorf("failed to load agent: %w", err)
	}
	agent.Status = status
	if err := m.store.UpdateAgent(ctx, agent); err != nil {
		return fmt.Errorf("failed to update agent: %w", err)
	}
	return nil
}

func (m *Manager) start(ctx context.Context, name, agentID string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, name)
	span.SetAttributes(attribute.String("agent_id", agentID))
	return ctx, span
}

func (m *Manager) finish(span trace.Span, operation string, err error) {
	metrics.LifecycleOperations.WithLabelValues(operation, metrics.Result(err)).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (m *Manager) emit(ctx context.Context, eventType string, instance *models.Instance, message string) {
	events.Emit(ctx, m.events, events.Event{
		Type:       eventType,
		InstanceID: instance.ID,
		AgentID:    instance.AgentID,
		Status:     string(instance.Status),
		Message:    message,
	})
}
