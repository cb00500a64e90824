package handler

import (
	"context"
	"net/http"

	"github.com/EternisAI/silo-orchestrator/internal/api/http/dto"
	"github.com/EternisAI/silo-orchestrator/internal/hetzner"
	"github.com/EternisAI/silo-orchestrator/internal/models"
	"github.com/EternisAI/silo-orchestrator/internal/provisioning"
	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
)

type Provisioner interface {
	Provision(ctx context.Context, userID, agentID, region string) (*models.Instance, error)
	Status(ctx context.Context, userID, agentID string) (*provisioning.StatusView, error)
	Step(ctx context.Context, instanceID string) (*models.Instance, error)
	StepAll(ctx context.Context) (*provisioning.StepSummary, error)
}

type LifecycleManager interface {
	Stop(ctx context.Context, agentID string) (*models.Instance, error)
	Start(ctx context.Context, agentID string) (*models.Instance, error)
	Destroy(ctx context.Context, agentID string) (*models.Instance, error)
	RollbackFailedProvision(ctx context.Context, instanceID string) (*models.Instance, error)
}

type AgentStore interface {
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	ListAgentsByUser(ctx context.Context, userID string) ([]models.Agent, error)
}

type AgentsHandler struct {
	agents      AgentStore
	provisioner Provisioner
	lifecycle   LifecycleManager
}

func NewAgentsHandler(agents AgentStore, provisioner Provisioner, lifecycle LifecycleManager) *AgentsHandler {
	return &AgentsHandler{
		agents:      agents,
		provisioner: provisioner,
		lifecycle:   lifecycle,
	}
}

// ListAgents returns all agents for the authenticated user
// GET /agents
func (h *AgentsHandler) ListAgents(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}

	agents, err := h.agents.ListAgentsByUser(c.Request.Context(), uid)
	if err != nil {
		respondError(c, err, "failed to list agents")
		return
	}

	responses := lo.Map(agents, func(a models.Agent, _ int) dto.AgentResponse {
		return dto.AgentResponse{
			ID:          a.ID,
			Name:        a.Name,
			Status:      string(a.Status),
			LLMProvider: a.LLM.Provider,
			LLMModel:    a.LLM.Model,
			CreatedAt:   a.CreatedAt,
		}
	})
	c.JSON(http.StatusOK, dto.ListAgentsResponse{Agents: responses, Count: len(responses)})
}

// Provision queues a new machine for the agent
// POST /agents/:id/provision
func (h *AgentsHandler) Provision(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}

	var req dto.ProvisionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	instance, err := h.provisioner.Provision(c.Request.Context(), uid, c.Param("id"), req.Region)
	if err != nil {
		respondError(c, err, "failed to provision agent")
		return
	}
	c.JSON(http.StatusAccepted, dto.NewInstanceResponse(instance))
}

// GetInstance returns the agent's latest instance with its phases
// GET /agents/:id/instance
func (h *AgentsHandler) GetInstance(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}

	view, err := h.provisioner.Status(c.Request.Context(), uid, c.Param("id"))
	if err != nil {
		respondError(c, err, "failed to load instance")
		return
	}
	c.JSON(http.StatusOK, dto.InstanceStatusResponse{
		Instance:      dto.NewInstanceResponse(view.Instance),
		Steps:         view.Steps,
		UptimeSeconds: view.UptimeSeconds,
	})
}

// POST /agents/:id/stop
func (h *AgentsHandler) Stop(c *gin.Context) {
	h.lifecycleAction(c, h.lifecycle.Stop, "failed to stop agent")
}

// POST /agents/:id/start
func (h *AgentsHandler) Start(c *gin.Context) {
	h.lifecycleAction(c, h.lifecycle.Start, "failed to start agent")
}

// POST /agents/:id/destroy
func (h *AgentsHandler) Destroy(c *gin.Context) {
	h.lifecycleAction(c, h.lifecycle.Destroy, "failed to destroy agent")
}

func (h *AgentsHandler) lifecycleAction(c *gin.Context, action func(context.Context, string) (*models.Instance, error), msg string) {
	uid, ok := userID(c)
	if !ok {
		return
	}

	agentID := c.Param("id")
	agent, err := h.agents.GetAgent(c.Request.Context(), agentID)
	if err != nil {
		respondError(c, err, msg)
		return
	}
	// Other users' agents are reported as missing.
	if agent.UserID != uid {
		c.JSON(http.StatusNotFound, gin.H{"error": provisioning.ErrAgentNotFound.Error()})
		return
	}

	instance, err := action(c.Request.Context(), agentID)
	if err != nil {
		respondError(c, err, msg)
		return
	}
	c.JSON(http.StatusOK, dto.NewInstanceResponse(instance))
}

// ListRegions returns the selectable regions
// GET /regions
func (h *AgentsHandler) ListRegions(c *gin.Context) {
	regions := lo.Map(hetzner.Regions(), func(r hetzner.Region, _ int) dto.RegionResponse {
		return dto.RegionResponse{Name: r.Name, Location: r.Location}
	})
	c.JSON(http.StatusOK, dto.ListRegionsResponse{Regions: regions, Default: hetzner.DefaultLocation})
}
