package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/EternisAI/silo-orchestrator/internal/logging"
	"github.com/EternisAI/silo-orchestrator/internal/receiver"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const defaultListenAddr = "127.0.0.1:18790"

type Config struct {
	Log      logging.Config
	Receiver receiver.Config
}

var config Config

// InitConfig loads the receiver settings. On provisioned machines the
// systemd EnvironmentFile is the only source, so application.yaml is
// optional here.
func InitConfig() {
	var err error

	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/silo-credential-receiver")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("log.level", logging.LevelInfo)
	viper.SetDefault("receiver.listen_addr", defaultListenAddr)
	_ = viper.BindEnv("receiver.credentials_dir", "RECEIVER_CREDENTIALS_DIR")
	_ = viper.BindEnv("receiver.gateway_token", "RECEIVER_GATEWAY_TOKEN")

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			panic(err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		panic(err)
	}

	logging.Init(config.Log.Level, os.Stdout)

	if logging.IsDebug(config.Log.Level) {
		configJSON, err := json.MarshalIndent(config, "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}
