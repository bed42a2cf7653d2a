package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"studysync/internal/config"
	"studysync/internal/status"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running agent's sync status",
	Long: `Query the running agent's status server and display the aggregate
sync state, pending-work count and sticky error count.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cfg.StatusAddr == "" {
			return fmt.Errorf("status server disabled (status_addr is empty)")
		}

		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get("http://" + cfg.StatusAddr + "/status")
		if err != nil {
			return fmt.Errorf("agent not reachable at %s: %w", cfg.StatusAddr, err)
		}
		defer resp.Body.Close()

		var snap status.Snapshot
		if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
			return fmt.Errorf("failed to decode status: %w", err)
		}

		fmt.Printf("State:         %s\n", snap.State)
		fmt.Printf("Pending:       %d\n", snap.Pending)
		fmt.Printf("Sticky errors: %d\n", snap.StickyError)
		if !snap.UpdatedAt.IsZero() {
			fmt.Printf("Updated:       %s\n", snap.UpdatedAt.Format(time.RFC3339))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
