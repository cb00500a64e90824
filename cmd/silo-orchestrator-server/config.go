package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/EternisAI/silo-orchestrator/internal/api/http"
	"github.com/EternisAI/silo-orchestrator/internal/auth"
	"github.com/EternisAI/silo-orchestrator/internal/bootstrap"
	"github.com/EternisAI/silo-orchestrator/internal/credentials"
	"github.com/EternisAI/silo-orchestrator/internal/db"
	"github.com/EternisAI/silo-orchestrator/internal/events"
	"github.com/EternisAI/silo-orchestrator/internal/hetzner"
	"github.com/EternisAI/silo-orchestrator/internal/lifecycle"
	"github.com/EternisAI/silo-orchestrator/internal/logging"
	"github.com/EternisAI/silo-orchestrator/internal/mesh"
	"github.com/EternisAI/silo-orchestrator/internal/provisioning"
	"github.com/EternisAI/silo-orchestrator/internal/store"
	"github.com/EternisAI/silo-orchestrator/internal/telemetry"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Log          logging.Config
	Http         http.Config
	Auth         auth.Config
	Database     db.Config
	Store        store.Config
	Hetzner      hetzner.Config
	Mesh         mesh.Config
	Bootstrap    bootstrap.Config
	Credentials  credentials.Config
	Provisioning provisioning.Config
	Lifecycle    lifecycle.Config
	Nats         events.Config
	Tracing      telemetry.Config
}

var config Config

func ParseCommaSeparated(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func InitConfig() {
	var err error

	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/silo-orchestrator-server")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("hetzner.token", "HETZNER_TOKEN")
	_ = viper.BindEnv("mesh.api_key", "TAILSCALE_API_KEY")
	_ = viper.BindEnv("mesh.auth_key", "TAILSCALE_AUTH_KEY")
	_ = viper.BindEnv("mesh.oauth_client_secret", "TAILSCALE_OAUTH_CLIENT_SECRET")
	_ = viper.BindEnv("credentials.age_identity", "SILO_AGE_IDENTITY")
	_ = viper.BindEnv("auth.jwt_secret", "JWT_SECRET")
	_ = viper.BindEnv("http.admin_api_key", "ADMIN_API_KEY")
	_ = viper.BindEnv("database.url", "DATABASE_URL")

	if err := viper.ReadInConfig(); err != nil {
		panic(err)
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		panic(err)
	}

	// HTTP_CORS_ORIGINS may carry a comma separated list with spaces.
	config.Http.CORSOrigins = ParseCommaSeparated(strings.Join(config.Http.CORSOrigins, ","))

	logging.Init(config.Log.Level, os.Stdout)

	// Pretty print config as JSON (only at DEBUG level)
	if logging.IsDebug(config.Log.Level) {
		configJSON, err := json.MarshalIndent(config, "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}
