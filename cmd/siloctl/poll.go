package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/EternisAI/silo-orchestrator/internal/provisioning"
	"github.com/go-co-op/gocron"
	"github.com/spf13/cobra"
)

const defaultPollInterval = 15 * time.Second

func newPollCmd(api func() *apiClient) *cobra.Command {
	var (
		interval time.Duration
		once     bool
	)

	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Advance provisioning instances on a fixed interval",
		Long: "poll calls POST /internal/instances/step on every tick. Ticks never overlap: " +
			"a slow round delays the next one instead of running alongside it.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := api()
			if once {
				return pollOnce(cmd.Context(), client, cmd.OutOrStdout())
			}
			if interval <= 0 {
				return fmt.Errorf("--interval must be positive")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s := gocron.NewScheduler(time.UTC)
			s.SingletonModeAll()
			if _, err := s.Every(interval).Do(func() {
				if err := pollOnce(ctx, client, nil); err != nil {
					slog.Error("Poll failed", "error", err)
				}
			}); err != nil {
				return fmt.Errorf("failed to schedule poll: %w", err)
			}

			slog.Info("Polling orchestrator", "server", client.baseURL, "interval", interval)
			s.StartAsync()
			<-ctx.Done()
			s.Stop()
			slog.Info("Poller stopped")
			return nil
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", defaultPollInterval, "time between step rounds")
	cmd.Flags().BoolVar(&once, "once", false, "run a single round and print the summary")
	return cmd
}

func pollOnce(ctx context.Context, client *apiClient, out io.Writer) error {
	var summary provisioning.StepSummary
	if err := client.post(ctx, "/internal/instances/step", &summary); err != nil {
		return err
	}

	slog.Info("Step round finished",
		"checked", summary.Checked,
		"running", summary.Running,
		"failed", summary.Failed,
		"errors", summary.Errors)
	if out != nil {
		return printJSON(out, summary)
	}
	return nil
}
