package models

import (
	"time"
)

type AgentStatus string

const (
	AgentStatusActive       AgentStatus = "active"
	AgentStatusPaused       AgentStatus = "paused"
	AgentStatusProvisioning AgentStatus = "provisioning"
	AgentStatusError        AgentStatus = "error"
)

// LLM provider identifiers understood by the agent gateway. The managed
// provider is routed through the platform proxy and needs no key material.
const (
	LLMProviderManaged    = "managed"
	LLMProviderOpenAI     = "openai"
	LLMProviderAnthropic  = "anthropic"
	LLMProviderOpenRouter = "openrouter"
)

type LLMConfig struct {
	Provider     string
	Model        string
	APIKeySealed string
}

type Agent struct {
	ID     string
	UserID string
	Name   string
	Status AgentStatus
	// GatewayToken authenticates the machine's local API and inbound
	// credential pushes. Minted once when the first server is created.
	GatewayToken string
	LLM          LLMConfig
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
