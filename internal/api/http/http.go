package http

type Config struct {
	Port        uint     `mapstructure:"port"`
	AdminAPIKey string   `mapstructure:"admin_api_key" json:"-"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}
