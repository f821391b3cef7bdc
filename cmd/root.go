// Package cmd defines the scout command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/scout/internal/config"
	"github.com/JakeFAU/scout/internal/engine"
	"github.com/JakeFAU/scout/internal/server"
)

// App is what the subcommands drive. *server.App satisfies it.
type App interface {
	Serve(ctx context.Context) error
	Discover(ctx context.Context, query string) (engine.Report, error)
	Close(ctx context.Context) error
}

type appKeyType struct{}

// newApp is the application factory. Tests replace it with a fake.
var newApp = func(ctx context.Context, cfg config.Config) (App, error) {
	return server.Build(ctx, cfg)
}

const closeTimeout = 15 * time.Second

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "scout",
		Short: "Topic-driven discovery and retrieval engine.",
		Long: `scout turns a topic query into retrieved pages: it searches, scores each
result for relevance, expands the link graph around good hits, classifies
how every domain defends itself, and schedules retrievals across a ladder of
increasingly capable fetch strategies.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			app, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKeyType{}, app))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/scout/config.yaml)")
	cmd.AddCommand(newServeCmd(), newDiscoverCmd())
	return cmd
}

// withApp adapts fn into a RunE that closes the app however fn returns.
func withApp(fn func(cmd *cobra.Command, args []string, app App) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		app, ok := cmd.Context().Value(appKeyType{}).(App)
		if !ok || app == nil {
			return errors.New("application services not initialized")
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), closeTimeout)
			defer cancel()
			err = errors.Join(err, app.Close(ctx))
		}()
		return fn(cmd, args, app)
	}
}

// Execute runs the root command until it finishes or the process is
// signalled.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
