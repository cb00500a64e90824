package provisioning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/EternisAI/silo-orchestrator/internal/bootstrap"
	"github.com/EternisAI/silo-orchestrator/internal/credentials"
	"github.com/EternisAI/silo-orchestrator/internal/events"
	"github.com/EternisAI/silo-orchestrator/internal/hetzner"
	"github.com/EternisAI/silo-orchestrator/internal/mesh"
	"github.com/EternisAI/silo-orchestrator/internal/metrics"
	"github.com/EternisAI/silo-orchestrator/internal/models"
	"github.com/EternisAI/silo-orchestrator/internal/store"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	defaultTimeout       = 10 * time.Minute
	defaultProbeTimeout  = 5 * time.Second
	defaultVerifyTimeout = 10 * time.Second

	completionPath = "/v1/chat/completions"
)

var tracer = otel.Tracer("github.com/EternisAI/silo-orchestrator/internal/provisioning")

type Config struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
	VerifyTimeout time.Duration `mapstructure:"verify_timeout"`
}

type Store interface {
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	UpdateAgent(ctx context.Context, agent *models.Agent) error
	CreateInstance(ctx context.Context, instance *models.Instance) error
	GetInstance(ctx context.Context, id string) (*models.Instance, error)
	LatestInstanceForAgent(ctx context.Context, agentID string) (*models.Instance, error)
	ListInstancesByStatus(ctx context.Context, statuses ...models.Status) ([]models.Instance, error)
	UpdateInstanceIfStatus(ctx context.Context, instance *models.Instance, expected models.Status) (bool, error)
	CompareAndSwapStatus(ctx context.Context, id string, from, to models.Status) (bool, error)
}

type Provider interface {
	CreateServer(ctx context.Context, opts hetzner.CreateServerOpts) (*hetzner.Server, *hetzner.Action, error)
	GetServer(ctx context.Context, id string) (*hetzner.Server, error)
	DeleteServer(ctx context.Context, id string) error
}

type Mesh interface {
	Enabled() bool
	AuthKey() string
	Tags() []string
	VerifyEnrollment(ctx context.Context, hostname string) (string, error)
	DeleteDeviceByIP(ctx context.Context, ip string) error
}

type Generator interface {
	Generate(in bootstrap.Input) ([]byte, error)
}

type CredentialSource interface {
	CredentialFiles(ctx context.Context, userID string) ([]credentials.File, error)
}

// Deps are the collaborators of the stepper. Mesh, Credentials, Sealer and
// Events are optional.
type Deps struct {
	Store       Store
	Provider    Provider
	Generator   Generator
	Mesh        Mesh
	Credentials CredentialSource
	Sealer      credentials.Sealer
	Events      events.Publisher
}

// Service advances instances from request to running. Every Step call does
// at most one probe or side effect, so the driver can be any external
// scheduler.
type Service struct {
	Deps
	cfg        Config
	httpClient *http.Client
	now        func() time.Time
}

func NewService(cfg Config, deps Deps) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = defaultVerifyTimeout
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	return &Service{
		Deps:       deps,
		cfg:        cfg,
		httpClient: &http.Client{},
		now:        time.Now,
	}
}

// Provision records a pending instance for the agent and returns without
// touching the provider.
func (s *Service) Provision(ctx context.Context, userID, agentID, region string) (*models.Instance, error) {
	agent, err := s.ownedAgent(ctx, userID, agentID)
	if err != nil {
		return nil, err
	}

	instance := &models.Instance{
		AgentID:  agent.ID,
		Status:   models.StatusPending,
		Region:   region,
		Location: hetzner.LocationFor(region),
	}
	if err := s.Store.CreateInstance(ctx, instance); err != nil {
		return nil, fmt.Errorf("failed to create instance: %w", err)
	}

	agent.Status = models.AgentStatusProvisioning
	if err := s.Store.UpdateAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("failed to update agent: %w", err)
	}

	slog.Info("Provisioning requested",
		"instance_id", instance.ID,
		"agent_id", agent.ID,
		"region", region,
		"location", instance.Location)
	s.emit(ctx, events.InstanceQueued, instance, "")
	return instance, nil
}

// Step performs one unit of provisioning work on the instance and returns
// its resulting state.
func (s *Service) Step(ctx context.Context, instanceID string) (*models.Instance, error) {
	started := s.now()
	defer func() { metrics.StepDuration.Observe(time.Since(started).Seconds()) }()

	ctx, span := tracer.Start(ctx, "provisioning.Step")
	defer span.End()
	span.SetAttributes(attribute.String("instance_id", instanceID))

	instance, err := s.Store.GetInstance(ctx, instanceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInstanceNotFound
		}
		return nil, fmt.Errorf("failed to load instance: %w", err)
	}
	span.SetAttributes(
		attribute.String("status", string(instance.Status)),
		attribute.String("step", string(instance.CurrentStep)))

	if !advancing(instance) {
		return instance, nil
	}

	if s.now().Sub(instance.CreatedAt) > s.cfg.Timeout {
		slog.Warn("Provisioning timed out",
			"instance_id", instance.ID,
			"created_at", instance.CreatedAt,
			"step", instance.CurrentStep)
		return s.fail(ctx, instance, TimeoutMessage, true)
	}

	switch instance.Status {
	case models.StatusPending:
		instance, err = s.claim(ctx, instance)
	case models.StatusProvisioning:
		instance, err = s.advance(ctx, instance)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return instance, err
}

// StepSummary reports one sweep over all advancing instances.
type StepSummary struct {
	Checked int `json:"checked"`
	Running int `json:"running"`
	Failed  int `json:"failed"`
	Errors  int `json:"errors"`
}

// StepAll steps every pending or provisioning instance once. Errors are
// logged per instance and never stop the sweep.
func (s *Service) StepAll(ctx context.Context) (*StepSummary, error) {
	instances, err := s.Store.ListInstancesByStatus(ctx, models.StatusPending, models.StatusProvisioning)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}

	summary := &StepSummary{}
	for _, candidate := range instances {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		summary.Checked++

		instance, err := s.Step(ctx, candidate.ID)
		if err != nil {
			summary.Errors++
			slog.Error("Provisioning step failed", "instance_id", candidate.ID, "error", err)
			continue
		}
		switch instance.Status {
		case models.StatusRunning:
			summary.Running++
		case models.StatusFailed:
			summary.Failed++
		}
	}
	return summary, nil
}

// Status returns the agent's latest instance with its display phases.
func (s *Service) Status(ctx context.Context, userID, agentID string) (*StatusView, error) {
	if _, err := s.ownedAgent(ctx, userID, agentID); err != nil {
		return nil, err
	}
	instance, err := s.Store.LatestInstanceForAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInstanceNotFound
		}
		return nil, fmt.Errorf("failed to load instance: %w", err)
	}
	return &StatusView{
		Instance:      instance,
		Steps:         StepsFor(instance),
		UptimeSeconds: int64(Uptime(instance, s.now()).Seconds()),
	}, nil
}

// advancing reports whether the stepper owns the instance's next move. A
// provisioning row without a step is either mid-claim or being restarted by
// the lifecycle manager. Only the former is subject to the timeout.
func advancing(instance *models.Instance) bool {
	switch instance.Status {
	case models.StatusPending:
		return true
	case models.StatusProvisioning:
		return instance.CurrentStep != models.StepNone || instance.StoppedAt == nil
	}
	return false
}

// claim moves a pending instance to provisioning and creates its server.
// Only the caller whose conditional update wins reaches the provider.
func (s *Service) claim(ctx context.Context, instance *models.Instance) (*models.Instance, error) {
	ok, err := s.Store.CompareAndSwapStatus(ctx, instance.ID, models.StatusPending, models.StatusProvisioning)
	if err != nil {
		return nil, fmt.Errorf("failed to claim instance: %w", err)
	}
	if !ok {
		slog.Debug("Instance already claimed", "instance_id", instance.ID)
		return s.Store.GetInstance(ctx, instance.ID)
	}
	instance.Status = models.StatusProvisioning

	agent, err := s.Store.GetAgent(ctx, instance.AgentID)
	if err != nil {
		return s.release(ctx, instance, fmt.Errorf("failed to load agent: %w", err))
	}

	// The gateway token is minted once, with the first server.
	if agent.GatewayToken == "" {
		token, err := GenerateGatewayToken()
		if err != nil {
			return s.release(ctx, instance, err)
		}
		agent.GatewayToken = token
		if err := s.Store.UpdateAgent(ctx, agent); err != nil {
			return s.release(ctx, instance, fmt.Errorf("failed to persist gateway token: %w", err))
		}
	}

	userData, err := s.bootstrapPayload(ctx, agent, instance)
	if err != nil {
		slog.Error("Failed to generate bootstrap payload", "instance_id", instance.ID, "error", err)
		return s.fail(ctx, instance, genericMessage, false)
	}

	server, _, err := s.Provider.CreateServer(ctx, hetzner.CreateServerOpts{
		Name:     instance.ServerName(),
		Location: instance.Location,
		UserData: string(userData),
		Labels: map[string]string{
			"silo-instance": instance.ID,
			"silo-agent":    agent.ID,
		},
	})
	if err != nil {
		if hetzner.IsResourceError(err) {
			slog.Error("Server creation rejected",
				"instance_id", instance.ID,
				"code", hetzner.ErrorCode(err),
				"error", err)
			return s.fail(ctx, instance, FriendlyMessage(err), false)
		}
		return s.release(ctx, instance, err)
	}

	instance.ServerID = server.ID
	instance.ServerIP = server.PublicIP
	instance.CurrentStep = models.StepVMBooting
	instance.Error = ""
	slog.Info("Server created",
		"instance_id", instance.ID,
		"server_id", server.ID,
		"server_ip", server.PublicIP,
		"location", instance.Location)

	stored, written, err := s.persist(ctx, instance, models.StatusProvisioning)
	if err != nil || written {
		return stored, err
	}
	// The row was destroyed or failed while the server was being created.
	slog.Warn("Discarding server created for an instance that moved on",
		"instance_id", instance.ID,
		"server_id", server.ID,
		"status", stored.Status)
	if err := s.Provider.DeleteServer(ctx, server.ID); err != nil {
		return stored, fmt.Errorf("failed to delete discarded server %s: %w", server.ID, err)
	}
	return stored, nil
}

// release hands a claimed instance back to pending after a transient
// failure so a later poll retries. The overall timeout still applies.
func (s *Service) release(ctx context.Context, instance *models.Instance, cause error) (*models.Instance, error) {
	slog.Warn("Transient provisioning failure, returning instance to pending",
		"instance_id", instance.ID,
		"error", cause)
	ok, err := s.Store.CompareAndSwapStatus(ctx, instance.ID, models.StatusProvisioning, models.StatusPending)
	if err != nil {
		slog.Error("Failed to release instance", "instance_id", instance.ID, "error", err)
		return instance, cause
	}
	if !ok {
		if stored, err := s.Store.GetInstance(ctx, instance.ID); err == nil {
			return stored, cause
		}
		return instance, cause
	}
	instance.Status = models.StatusPending
	return instance, cause
}

func (s *Service) advance(ctx context.Context, instance *models.Instance) (*models.Instance, error) {
	switch instance.CurrentStep {
	case models.StepVMBooting:
		return s.checkServer(ctx, instance)
	case models.StepInstallingPackages, models.StepCaddyUp:
		return s.probeProxy(ctx, instance)
	case models.StepVerifyingChat:
		return s.verifyChat(ctx, instance)
	}
	// Claim in flight elsewhere.
	return instance, nil
}

func (s *Service) checkServer(ctx context.Context, instance *models.Instance) (*models.Instance, error) {
	server, err := s.Provider.GetServer(ctx, instance.ServerID)
	if err != nil {
		if hetzner.IsNotFound(err) {
			slog.Error("Server vanished during boot", "instance_id", instance.ID, "server_id", instance.ServerID)
			return s.fail(ctx, instance, genericMessage, false)
		}
		return instance, err
	}
	if server.Status != hetzner.ServerStatusRunning {
		slog.Debug("Server still booting", "instance_id", instance.ID, "server_status", server.Status)
		return instance, nil
	}

	if s.Mesh != nil && s.Mesh.Enabled() {
		ip, err := s.Mesh.VerifyEnrollment(ctx, instance.ServerName())
		if errors.Is(err, mesh.ErrNotEnrolled) {
			slog.Debug("Waiting for mesh enrollment", "instance_id", instance.ID)
			return instance, nil
		}
		if err != nil {
			return instance, err
		}
		instance.TailscaleIP = ip
	}

	instance.CurrentStep = models.StepInstallingPackages
	instance, _, err = s.persist(ctx, instance, models.StatusProvisioning)
	return instance, err
}

// probeProxy checks the machine's public port. The reverse proxy answers
// 502 until the gateway listens behind it.
func (s *Service) probeProxy(ctx context.Context, instance *models.Instance) (*models.Instance, error) {
	status, err := s.probe(ctx, s.cfg.ProbeTimeout, http.MethodGet, "http://"+instance.ServerIP+"/", "", nil)
	if err != nil {
		slog.Debug("Machine not reachable yet", "instance_id", instance.ID, "error", err)
		return instance, nil
	}

	if status == http.StatusBadGateway {
		if instance.CurrentStep == models.StepCaddyUp {
			return instance, nil
		}
		instance.CurrentStep = models.StepCaddyUp
		instance, _, err = s.persist(ctx, instance, models.StatusProvisioning)
		return instance, err
	}

	instance.CurrentStep = models.StepVerifyingChat
	instance, _, err = s.persist(ctx, instance, models.StatusProvisioning)
	return instance, err
}

// verifyChat sends a one-token completion through the gateway. Any answer
// other than 502 means the gateway process is serving.
func (s *Service) verifyChat(ctx context.Context, instance *models.Instance) (*models.Instance, error) {
	agent, err := s.Store.GetAgent(ctx, instance.AgentID)
	if err != nil {
		return instance, fmt.Errorf("failed to load agent: %w", err)
	}

	body, err := json.Marshal(map[string]any{
		"model":      lo.CoalesceOrEmpty(agent.LLM.Model, "default"),
		"max_tokens": 1,
		"messages":   []map[string]string{{"role": "user", "content": "ping"}},
	})
	if err != nil {
		return instance, err
	}

	status, err := s.probe(ctx, s.cfg.VerifyTimeout, http.MethodPost,
		"http://"+instance.ServerIP+completionPath, agent.GatewayToken, body)
	if err != nil || status == http.StatusBadGateway {
		slog.Debug("Gateway not ready yet", "instance_id", instance.ID, "status", status, "error", err)
		return instance, nil
	}

	now := s.now().UTC()
	instance.Status = models.StatusRunning
	instance.CurrentStep = models.StepNone
	instance.StartedAt = &now
	instance.StoppedAt = nil
	instance.Error = ""
	instance, written, err := s.persist(ctx, instance, models.StatusProvisioning)
	if err != nil || !written {
		return instance, err
	}

	agent.Status = models.AgentStatusActive
	if err := s.Store.UpdateAgent(ctx, agent); err != nil {
		return instance, fmt.Errorf("failed to activate agent: %w", err)
	}
	slog.Info("Instance running", "instance_id", instance.ID, "agent_id", agent.ID, "verify_status", status)
	s.emit(ctx, events.InstanceRunning, instance, "")
	return instance, nil
}

func (s *Service) probe(ctx context.Context, timeout time.Duration, method, url, token string, body []byte) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// fail marks the instance failed and the agent errored. With cleanup set,
// any created server and mesh device are deleted first.
func (s *Service) fail(ctx context.Context, instance *models.Instance, message string, cleanup bool) (*models.Instance, error) {
	from := instance.Status
	if cleanup {
		s.releaseResources(ctx, instance)
	}

	instance.Status = models.StatusFailed
	instance.Error = message
	instance, written, err := s.persist(ctx, instance, from)
	if err != nil || !written {
		return instance, err
	}

	agent, err := s.Store.GetAgent(ctx, instance.AgentID)
	if err != nil {
		return instance, fmt.Errorf("failed to load agent: %w", err)
	}
	agent.Status = models.AgentStatusError
	if err := s.Store.UpdateAgent(ctx, agent); err != nil {
		return instance, fmt.Errorf("failed to mark agent errored: %w", err)
	}
	s.emit(ctx, events.InstanceFailed, instance, message)
	return instance, nil
}

func (s *Service) releaseResources(ctx context.Context, instance *models.Instance) {
	if instance.ServerID != "" {
		if err := s.Provider.DeleteServer(ctx, instance.ServerID); err != nil {
			slog.Error("Failed to delete server of failed instance",
				"instance_id", instance.ID,
				"server_id", instance.ServerID,
				"error", err)
		}
	}
	if instance.TailscaleIP != "" && s.Mesh != nil && s.Mesh.Enabled() {
		if err := s.Mesh.DeleteDeviceByIP(ctx, instance.TailscaleIP); err != nil {
			slog.Error("Failed to delete mesh device of failed instance",
				"instance_id", instance.ID,
				"tailscale_ip", instance.TailscaleIP,
				"error", err)
		}
	}
}

// persist writes the instance if its stored status is still from. When
// another writer moved the row first, nothing is written and the stored row
// is returned with written=false.
func (s *Service) persist(ctx context.Context, instance *models.Instance, from models.Status) (*models.Instance, bool, error) {
	written, err := s.Store.UpdateInstanceIfStatus(ctx, instance, from)
	if err != nil {
		return instance, false, fmt.Errorf("failed to update instance: %w", err)
	}
	if !written {
		stored, err := s.Store.GetInstance(ctx, instance.ID)
		if err != nil {
			return instance, false, fmt.Errorf("failed to reload instance: %w", err)
		}
		slog.Warn("Instance changed during step, result dropped",
			"instance_id", instance.ID,
			"expected_status", from,
			"status", stored.Status)
		return stored, false, nil
	}

	metrics.StepTransitions.WithLabelValues(string(instance.Status), string(instance.CurrentStep)).Inc()
	if instance.Status == models.StatusProvisioning {
		s.emit(ctx, events.InstanceStep, instance, "")
	}
	return instance, true, nil
}

func (s *Service) bootstrapPayload(ctx context.Context, agent *models.Agent, instance *models.Instance) ([]byte, error) {
	in := bootstrap.Input{
		AgentID:      agent.ID,
		AgentName:    agent.Name,
		Hostname:     instance.ServerName(),
		GatewayToken: agent.GatewayToken,
		LLM: bootstrap.LLMRouting{
			Provider: agent.LLM.Provider,
			Model:    agent.LLM.Model,
		},
	}

	if agent.LLM.APIKeySealed != "" && s.Sealer != nil {
		key, err := credentials.OpenString(s.Sealer, agent.LLM.APIKeySealed)
		if err != nil {
			return nil, fmt.Errorf("failed to open llm api key: %w", err)
		}
		in.LLM.APIKey = key
	}

	if s.Credentials != nil {
		files, err := s.Credentials.CredentialFiles(ctx, agent.UserID)
		if err != nil {
			// Credentials can still be pushed once the machine runs.
			slog.Warn("Skipping credential pre-population", "agent_id", agent.ID, "error", err)
		}
		in.Credentials = lo.Map(files, func(f credentials.File, _ int) bootstrap.CredentialFile {
			return bootstrap.CredentialFile{Provider: f.Provider, Content: string(f.Data)}
		})
	}

	if s.Mesh != nil && s.Mesh.Enabled() {
		in.Mesh = &bootstrap.MeshEnrollment{AuthKey: s.Mesh.AuthKey(), Tags: s.Mesh.Tags()}
	}

	return s.Generator.Generate(in)
}

func (s *Service) ownedAgent(ctx context.Context, userID, agentID string) (*models.Agent, error) {
	agent, err := s.Store.GetAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("failed to load agent: %w", err)
	}
	if agent.UserID != userID {
		return nil, ErrAgentNotFound
	}
	return agent, nil
}

func (s *Service) emit(ctx context.Context, eventType string, instance *models.Instance, message string) {
	events.Emit(ctx, s.Events, events.Event{
		Type:       eventType,
		InstanceID: instance.ID,
		AgentID:    instance.AgentID,
		Status:     string(instance.Status),
		Step:       string(instance.CurrentStep),
		Message:    message,
	})
}
