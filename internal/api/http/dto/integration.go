package dto

import "time"

type IntegrationResponse struct {
	ID          string     `json:"id"`
	Provider    string     `json:"provider"`
	TokenExpiry *time.Time `json:"token_expiry,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
