package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newDiscoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discover <query>",
		Short: "Discover pages for a topic and retrieve them",
		Long: `Runs one discovery pass for the query, retrieves every admitted candidate,
and prints the pass report as JSON once the queue has drained. Interrupting
the command drains early; unfinished jobs are persisted for the next run.`,
		Args: cobra.MinimumNArgs(1),
		RunE: withApp(runDiscover),
	}
}

func runDiscover(cmd *cobra.Command, args []string, app App) error {
	query := strings.Join(args, " ")
	report, err := app.Discover(cmd.Context(), query)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("discover %q: %w", query, err)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
