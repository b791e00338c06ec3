// ABOUTME: Cobra root command wiring for the roon CLI
package commands

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "roon",
	Short:         "Discover, monitor, and pair with a Roon Core",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(pairCmd)
}

// Execute runs the root command with a context cancelled on SIGINT/SIGTERM,
// so long-running subcommands like `discover --watch` and `monitor` stop
// cleanly on ctrl+c.
func Execute() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}
