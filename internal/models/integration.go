package models

import (
	"time"
)

// Integration is a stored credential envelope for one third-party provider
// the user connected. Token fields hold sealed ciphertext only.
type Integration struct {
	ID                 string
	UserID             string
	Provider           string
	AccessTokenSealed  string
	RefreshTokenSealed string
	TokenExpiry        *time.Time
	Metadata           map[string]string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Expired reports whether the access token expiry lies before now. A missing
// expiry means the provider issues non-expiring tokens.
func (i *Integration) Expired(now time.Time) bool {
	return i.TokenExpiry != nil && !i.TokenExpiry.After(now)
}
