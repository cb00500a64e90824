package dto

import (
	"time"

	"github.com/EternisAI/silo-orchestrator/internal/models"
	"github.com/EternisAI/silo-orchestrator/internal/provisioning"
)

type ProvisionRequest struct {
	Region string `json:"region"`
}

type InstanceResponse struct {
	ID          string     `json:"id"`
	AgentID     string     `json:"agent_id"`
	Status      string     `json:"status"`
	CurrentStep string     `json:"current_step,omitempty"`
	Phase       string     `json:"phase"`
	Region      string     `json:"region,omitempty"`
	Location    string     `json:"location,omitempty"`
	ServerIP    string     `json:"server_ip,omitempty"`
	TailscaleIP string     `json:"tailscale_ip,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	StoppedAt   *time.Time `json:"stopped_at,omitempty"`
	DestroyedAt *time.Time `json:"destroyed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func NewInstanceResponse(i *models.Instance) InstanceResponse {
	return InstanceResponse{
		ID:          i.ID,
		AgentID:     i.AgentID,
		Status:      string(i.Status),
		CurrentStep: string(i.CurrentStep),
		Phase:       string(provisioning.LabelFor(i.Status, i.CurrentStep)),
		Region:      i.Region,
		Location:    i.Location,
		ServerIP:    i.ServerIP,
		TailscaleIP: i.TailscaleIP,
		Error:       i.Error,
		StartedAt:   i.StartedAt,
		StoppedAt:   i.StoppedAt,
		DestroyedAt: i.DestroyedAt,
		CreatedAt:   i.CreatedAt,
		UpdatedAt:   i.UpdatedAt,
	}
}

type InstanceStatusResponse struct {
	Instance      InstanceResponse         `json:"instance"`
	Steps         []provisioning.StepLabel `json:"steps"`
	UptimeSeconds int64                    `json:"uptime_seconds"`
}

type ListInstancesResponse struct {
	Instances []InstanceResponse `json:"instances"`
	Count     int                `json:"count"`
}
