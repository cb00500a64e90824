package dto

import "time"

type AgentResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Status      string    `json:"status"`
	LLMProvider string    `json:"llm_provider,omitempty"`
	LLMModel    string    `json:"llm_model,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type ListAgentsResponse struct {
	Agents []AgentResponse `json:"agents"`
	Count  int             `json:"count"`
}

type RegionResponse struct {
	Name     string `json:"name"`
	Location string `json:"location"`
}

type ListRegionsResponse struct {
	Regions []RegionResponse `json:"regions"`
	Default string           `json:"default"`
}
