package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ramblurr/roon-go/internal/discovery"
)

var (
	discoverTimeout  time.Duration
	discoverWatch    bool
	discoverInterval time.Duration
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Find Roon Cores on the local network",
	RunE: func(cmd *cobra.Command, args []string) error {
		if discoverWatch {
			return runDiscoverWatch(cmd.Context())
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), discoverTimeout+time.Second)
		defer cancel()

		cores, err := discovery.Discover(ctx, discoverTimeout)
		if err != nil {
			return fmt.Errorf("discover: %w", err)
		}

		if len(cores) == 0 {
			fmt.Println("no cores found")
			return nil
		}

		for _, c := range cores {
			fmt.Printf("%s\t%s:%d\t%s (%s)\n", c.UniqueID, c.Host, c.Port, c.Name, c.Version)
		}
		return nil
	},
}

// runDiscoverWatch prints found/lost cores as they come and go until
// interrupted, driven by discovery.Watch rather than one-shot Discover.
func runDiscoverWatch(ctx context.Context) error {
	fmt.Println("watching for cores, press ctrl+c to stop...")
	for change := range discovery.Watch(ctx, discoverInterval) {
		c := change.Core
		switch change.Kind {
		case discovery.ChangeFound:
			fmt.Printf("+ %s\t%s:%d\t%s (%s)\n", c.UniqueID, c.Host, c.Port, c.Name, c.Version)
		case discovery.ChangeLost:
			fmt.Printf("- %s\t%s:%d\t%s (%s)\n", c.UniqueID, c.Host, c.Port, c.Name, c.Version)
		}
	}
	return ctx.Err()
}

func init() {
	discoverCmd.Flags().DurationVar(&discoverTimeout, "timeout", discovery.DefaultTimeout, "discovery window")
	discoverCmd.Flags().BoolVar(&discoverWatch, "watch", false, "keep polling and report cores as they appear/disappear")
	discoverCmd.Flags().DurationVar(&discoverInterval, "interval", 10*time.Second, "poll interval when --watch is set")
}
