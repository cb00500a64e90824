package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/EternisAI/silo-orchestrator/internal/api/http/dto"
	"github.com/EternisAI/silo-orchestrator/internal/auth"
	"github.com/EternisAI/silo-orchestrator/internal/bootstrap"
	"github.com/EternisAI/silo-orchestrator/internal/events"
	"github.com/EternisAI/silo-orchestrator/internal/hetzner"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

func newStepCmd(api func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "step <instance-id>",
		Short: "Advance one instance by a single step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var instance dto.InstanceResponse
			if err := api().post(cmd.Context(), "/internal/instances/"+url.PathEscape(args[0])+"/step", &instance); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), instance)
		},
	}
}

func newRollbackCmd(api func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <instance-id>",
		Short: "Release the server and mesh device of a failed instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var instance dto.InstanceResponse
			if err := api().post(cmd.Context(), "/internal/instances/"+url.PathEscape(args[0])+"/rollback", &instance); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), instance)
		},
	}
}

func newInstancesCmd(api func() *apiClient) *cobra.Command {
	var statuses []string

	cmd := &cobra.Command{
		Use:   "instances",
		Short: "List instances, by default every non-terminal one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			query := url.Values{}
			for _, s := range statuses {
				query.Add("status", s)
			}
			var resp dto.ListInstancesResponse
			if err := api().get(cmd.Context(), "/internal/instances", query, &resp); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tAGENT\tSTATUS\tPHASE\tLOCATION\tSERVER IP\tAGE")
			for _, i := range resp.Instances {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					i.ID, i.AgentID, i.Status, i.Phase, i.Location, i.ServerIP,
					time.Since(i.CreatedAt).Round(time.Second))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "filter by status (repeatable)")
	return cmd
}

func newRegionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "regions",
		Short: "Print the region to datacenter mapping",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "REGION\tLOCATION")
			for _, r := range hetzner.Regions() {
				fmt.Fprintf(w, "%s\t%s\n", r.Name, r.Location)
			}
			fmt.Fprintf(w, "(default)\t%s\n", hetzner.DefaultLocation)
			return w.Flush()
		},
	}
}

// renderFile is the document accepted by render-bootstrap.
type renderFile struct {
	Generator bootstrap.Config `yaml:"generator"`
	Input     bootstrap.Input  `yaml:"input"`
}

func newRenderBootstrapCmd() *cobra.Command {
	var configPath, outPath string

	cmd := &cobra.Command{
		Use:   "render-bootstrap",
		Short: "Render a first-boot payload offline for review or diffing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			payload, err := renderBootstrap(configPath)
			if err != nil {
				return err
			}
			if outPath == "" || outPath == "-" {
				_, err = cmd.OutOrStdout().Write(payload)
				return err
			}
			return os.WriteFile(outPath, payload, 0o600)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "YAML file with generator and input sections")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "write the payload to a file instead of stdout")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func renderBootstrap(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var doc renderFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	generator, err := bootstrap.NewGenerator(doc.Generator)
	if err != nil {
		return nil, err
	}
	return generator.Generate(doc.Input)
}

func newTokenCmd(v *viper.Viper) *cobra.Command {
	var (
		userID string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a dashboard token for a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			secret := v.GetString("jwt-secret")
			if secret == "" {
				return errors.New("--jwt-secret or SILOCTL_JWT_SECRET is required")
			}
			token, err := auth.GenerateToken(auth.Config{JWTSecret: secret, TokenExpiry: ttl}, userID)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user ID placed in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	cmd.Flags().String("jwt-secret", "", "HS256 signing secret")
	_ = v.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newEventsCmd(v *viper.Viper) *cobra.Command {
	var prefix string

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail instance events from NATS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			nc, err := nats.Connect(v.GetString("nats-url"), nats.Name("siloctl"))
			if err != nil {
				return fmt.Errorf("failed to connect to nats: %w", err)
			}
			defer nc.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return tailEvents(ctx, nc, prefix, cmd.OutOrStdout())
		},
	}

	cmd.Flags().String("nats-url", nats.DefaultURL, "NATS server URL")
	cmd.Flags().StringVar(&prefix, "subject-prefix", events.DefaultSubjectPrefix, "subject prefix events are published under")
	_ = v.BindPFlag("nats-url", cmd.Flags().Lookup("nats-url"))
	return cmd
}

func tailEvents(ctx context.Context, nc *nats.Conn, prefix string, out io.Writer) error {
	msgs := make(chan *nats.Msg, 64)
	sub, err := nc.ChanSubscribe(prefix+".>", msgs)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-msgs:
			var ev events.Event
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				printErr(fmt.Errorf("skipping malformed event on %s: %w", msg.Subject, err))
				continue
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				ev.Time.Format(time.RFC3339), ev.Type, ev.InstanceID, ev.Status, ev.Step, ev.Message)
			_ = w.Flush()
		}
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printErr(err error) {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		fmt.Fprintf(os.Stderr, "error: %s (HTTP %d)\n", apiErr.Message, apiErr.StatusCode)
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
}
