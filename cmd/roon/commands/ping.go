package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ramblurr/roon-go/internal/config"
	"github.com/Ramblurr/roon-go/pkg/roon"
)

var (
	pingHost string
	pingPort int
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Register with a Core once and report round-trip time",
	RunE: func(cmd *cobra.Command, args []string) error {
		if pingHost == "" {
			return fmt.Errorf("--host is required")
		}

		cfg := config.Config{
			Host:        pingHost,
			Port:        pingPort,
			DisplayName: "roon-cli",
			Timeout:     5 * time.Second,
		}

		conn := roon.New(cfg)
		defer conn.Disconnect()

		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Timeout)
		defer cancel()

		start := time.Now()
		if err := conn.Start(ctx); err != nil {
			return fmt.Errorf("ping: %w", err)
		}
		elapsed := time.Since(start)

		fmt.Printf("registered in %s\n", elapsed)
		return nil
	},
}

func init() {
	pingCmd.Flags().StringVar(&pingHost, "host", "", "Core hostname or IP")
	pingCmd.Flags().IntVar(&pingPort, "port", 9330, "Core port")
}
