package cmd

import (
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the admin API and worker pools until signalled",
		Long: `Recovers persisted jobs, starts one worker pool per capability, and serves
the admin API. Discovery passes are started with POST /v1/discover. On
SIGINT or SIGTERM admission stops, in-flight retrievals get the configured
grace period, and anything still running is persisted as interrupted.`,
		Args: cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, _ []string, app App) error {
			return app.Serve(cmd.Context())
		}),
	}
}
