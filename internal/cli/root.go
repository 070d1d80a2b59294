// Package cli implements the simplecd command line: the server and the
// operator commands that talk to it over HTTP.
package cli

import (
	"context"
	"os"

	"github.com/haatos/simple-cd/internal"
	"github.com/haatos/simple-cd/internal/settings"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	envFile string
	server  string
	apiKey  string
}

func newRootCmd() *cobra.Command {
	opts := new(rootOptions)
	cmd := &cobra.Command{
		Use:           "simplecd",
		Short:         "Continuous deployment for static sites",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := settings.ReadDotenv(opts.envFile); err != nil {
				return err
			}
			if !cmd.Flags().Changed("api-key") {
				opts.apiKey = os.Getenv("SIMPLECD_API_KEY")
			}
			if !cmd.Flags().Changed("server") {
				if v := os.Getenv("SIMPLECD_SERVER"); v != "" {
					opts.server = v
				}
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", internal.DotEnvPath, "dotenv file to load")
	cmd.PersistentFlags().StringVar(&opts.server, "server", "http://localhost:8080", "simplecd server URL")
	cmd.PersistentFlags().StringVar(&opts.apiKey, "api-key", "", "API key sent in "+internal.APIKeyHeader)

	cmd.AddCommand(
		newServeCmd(),
		newTriggerCmd(opts),
		newStatusCmd(opts),
		newRunsCmd(opts),
		newCancelCmd(opts),
		newLeaseCmd(opts),
		newArtifactCmd(opts),
		newTargetsCmd(opts),
	)
	return cmd
}

func Execute(ctx context.Context) error {
	return newRootCmd().ExecuteContext(ctx)
}
