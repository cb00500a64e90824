package main

import (
	"os"
	"strings"

	"github.com/EternisAI/silo-orchestrator/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var AppVersion string

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("siloctl")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "siloctl",
		Short:         "Operate the silo orchestrator",
		Version:       AppVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			// stdout carries command output.
			logging.Init(v.GetString("log-level"), os.Stderr)
		},
	}

	flags := root.PersistentFlags()
	flags.String("server", "http://localhost:8080", "orchestrator base URL")
	flags.String("api-key", "", "admin API key (or SILOCTL_API_KEY)")
	flags.String("log-level", logging.LevelInfo, "log level")
	_ = v.BindPFlags(flags)

	api := func() *apiClient {
		return newAPIClient(v.GetString("server"), v.GetString("api-key"))
	}

	root.AddCommand(
		newPollCmd(api),
		newStepCmd(api),
		newRollbackCmd(api),
		newInstancesCmd(api),
		newRegionsCmd(),
		newRenderBootstrapCmd(),
		newTokenCmd(v),
		newEventsCmd(v),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		printErr(err)
		os.Exit(1)
	}
}
