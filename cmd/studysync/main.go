// Command studysync runs the game session sync agent: it records play
// sessions and their artifacts locally, then converges the backlog to
// the study services whenever the network allows.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "studysync",
	Short: "Durable game session sync agent",
	Long: `studysync records play sessions, screenshots and save bundles on
the device and uploads them to the study services.

Every event is committed to a local SQLite database before it is
acknowledged, so nothing is lost to a power cut or a week offline. Three
independent sync engines drain the backlog with retry and backoff.

Running with no subcommand starts the agent in the foreground.`,
	RunE:          runAgent,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"config file (YAML), overridable via STUDYSYNC_* environment variables")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
