package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/Ramblurr/roon-go/internal/config"
	"github.com/Ramblurr/roon-go/internal/persist"
	"github.com/Ramblurr/roon-go/pkg/roon"
)

var (
	monitorHost           string
	monitorPort           int
	monitorToken          string
	monitorService        string
	monitorZoneOrOutputID string
	monitorStateFile      string
	monitorWatchDiscovery bool
	monitorWatchInterval  time.Duration
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Connect to a Core and display live connection events",
	RunE: func(cmd *cobra.Command, args []string) error {
		if monitorHost == "" {
			return fmt.Errorf("--host is required")
		}

		state, err := loadState(monitorStateFile)
		if err != nil {
			return fmt.Errorf("monitor: load state: %w", err)
		}

		cfg := config.Config{
			Host:           monitorHost,
			Port:           monitorPort,
			Token:          monitorToken,
			DisplayName:    "roon-cli monitor",
			DisplayVersion: "1.0.0",
			Timeout:        10 * time.Second,
			AutoReconnect:  true,
			BackoffInitial: time.Second,
			BackoffMax:     60 * time.Second,
		}

		conn := roon.New(cfg, roon.WithPersistedState(state))
		program := tea.NewProgram(newMonitorModel(monitorHost), tea.WithAltScreen())

		go func() {
			for ev := range conn.Events() {
				program.Send(eventMsg(ev))
			}
		}()

		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Timeout)
		if err := conn.Start(ctx); err != nil {
			cancel()
			return fmt.Errorf("monitor: initial connect: %w", err)
		}
		cancel()
		defer func() {
			conn.Disconnect()
			if err := saveState(monitorStateFile, conn.PersistedState()); err != nil {
				fmt.Fprintf(os.Stderr, "monitor: save state: %v\n", err)
			}
		}()

		if err := conn.Subscribe(monitorService, "zones", nil); err != nil {
			return fmt.Errorf("monitor: subscribe zones: %w", err)
		}
		if err := conn.Subscribe(monitorService, "outputs", nil); err != nil {
			return fmt.Errorf("monitor: subscribe outputs: %w", err)
		}
		var queueExtra map[string]interface{}
		if monitorZoneOrOutputID != "" {
			queueExtra = map[string]interface{}{"zone_or_output_id": monitorZoneOrOutputID}
		}
		if err := conn.Subscribe(monitorService, "queue", queueExtra); err != nil {
			return fmt.Errorf("monitor: subscribe queue: %w", err)
		}

		if monitorWatchDiscovery {
			conn.WatchDiscovery(cmd.Context(), monitorWatchInterval)
		}

		_, err = program.Run()
		return err
	},
}

// loadState reads a previously saved persist.State from path. A missing
// file yields an empty state, matching a first run against a Core.
func loadState(path string) (*persist.State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return persist.New(), nil
		}
		return nil, err
	}
	return persist.Deserialize(data)
}

// saveState writes state back to path so the next run reuses the token
// and paired core id instead of registering as a new extension.
func saveState(path string, state *persist.State) error {
	data, err := persist.Serialize(state)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func init() {
	monitorCmd.Flags().StringVar(&monitorHost, "host", "", "Core hostname or IP")
	monitorCmd.Flags().IntVar(&monitorPort, "port", 9330, "Core port")
	monitorCmd.Flags().StringVar(&monitorToken, "token", "", "previously issued registration token")
	monitorCmd.Flags().StringVar(&monitorService, "service", "com.roonlabs.transport:2", "transport service path to subscribe zones/outputs/queue on")
	monitorCmd.Flags().StringVar(&monitorZoneOrOutputID, "zone-or-output-id", "", "restrict the queue subscription to one zone or output")
	monitorCmd.Flags().StringVar(&monitorStateFile, "state-file", "roon-state.yaml", "path to persisted tokens and paired core id")
	monitorCmd.Flags().BoolVar(&monitorWatchDiscovery, "watch-discovery", false, "also report CoreFound/CoreLost as other Cores appear/disappear on the network")
	monitorCmd.Flags().DurationVar(&monitorWatchInterval, "discovery-interval", 10*time.Second, "poll interval for --watch-discovery")
}
