package credentials

import (
	"time"
)

// ProviderConfig describes the OAuth client used to refresh tokens for one
// integration provider.
type ProviderConfig struct {
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret" json:"-"`
	TokenURL     string   `mapstructure:"token_url"`
	Scopes       []string `mapstructure:"scopes"`
}

type Config struct {
	AgeIdentity string                    `mapstructure:"age_identity" json:"-"`
	Escrow      []string                  `mapstructure:"escrow"`
	PushTimeout time.Duration             `mapstructure:"push_timeout"`
	Providers   map[string]ProviderConfig `mapstructure:"providers"`
}
