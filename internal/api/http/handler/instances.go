package handler

import (
	"context"
	"net/http"

	"github.com/EternisAI/silo-orchestrator/internal/api/http/dto"
	"github.com/EternisAI/silo-orchestrator/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
)

type InstanceLister interface {
	ListInstancesByStatus(ctx context.Context, statuses ...models.Status) ([]models.Instance, error)
}

// InstancesHandler serves the internal endpoints driven by the poller and
// operators.
type InstancesHandler struct {
	instances   InstanceLister
	provisioner Provisioner
	lifecycle   LifecycleManager
}

func NewInstancesHandler(instances InstanceLister, provisioner Provisioner, lifecycle LifecycleManager) *InstancesHandler {
	return &InstancesHandler{
		instances:   instances,
		provisioner: provisioner,
		lifecycle:   lifecycle,
	}
}

// ListInstances returns instances filtered by status, defaulting to every
// active status
// GET /internal/instances?status=...
func (h *InstancesHandler) ListInstances(c *gin.Context) {
	statuses := models.ActiveStatuses
	if raw := c.QueryArray("status"); len(raw) > 0 {
		statuses = make([]models.Status, 0, len(raw))
		for _, s := range raw {
			status := models.Status(s)
			if !status.Valid() {
				c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + s})
				return
			}
			statuses = append(statuses, status)
		}
	}

	instances, err := h.instances.ListInstancesByStatus(c.Request.Context(), statuses...)
	if err != nil {
		respondError(c, err, "failed to list instances")
		return
	}

	responses := lo.Map(instances, func(i models.Instance, _ int) dto.InstanceResponse {
		return dto.NewInstanceResponse(&i)
	})
	c.JSON(http.StatusOK, dto.ListInstancesResponse{Instances: responses, Count: len(responses)})
}

// StepAll advances every pending or provisioning instance once
// POST /internal/instances/step
func (h *InstancesHandler) StepAll(c *gin.Context) {
	summary, err := h.provisioner.StepAll(c.Request.Context())
	if err != nil {
		respondError(c, err, "failed to step instances")
		return
	}
	c.JSON(http.StatusOK, summary)
}

// Step advances one instance
// POST /internal/instances/:id/step
func (h *InstancesHandler) Step(c *gin.Context) {
	instance, err := h.provisioner.Step(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, "failed to step instance")
		return
	}
	c.JSON(http.StatusOK, dto.NewInstanceResponse(instance))
}

// Rollback releases the resources of a failed provisioning attempt
// POST /internal/instances/:id/rollback
func (h *InstancesHandler) Rollback(c *gin.Context) {
	instance, err := h.lifecycle.RollbackFailedProvision(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, "failed to roll back instance")
		return
	}
	c.JSON(http.StatusOK, dto.NewInstanceResponse(instance))
}
