package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"studysync/internal/config"
	"studysync/internal/store"
)

var skipReason string

var skipCmd = &cobra.Command{
	Use:   "skip <play-id>",
	Short: "Exclude a play from syncing",
	Long: `Mark a play as skipped so the intake engine stops retrying it.

Use this to clear a play the intake service keeps rejecting, or to drop
a session that should never be reported. With --reason the skip is
recorded as a sticky error and surfaced by the status reporter.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid play id %q", args[0])
		}

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		st, err := store.Open(cfg.DatabasePath)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.InitSchema(); err != nil {
			return err
		}

		ctx := context.Background()
		play, err := st.GetPlay(ctx, id)
		if err != nil {
			return err
		}
		if err := st.SkipPlay(ctx, id, skipReason); err != nil {
			return err
		}

		fmt.Printf("Skipped play %d (%s)\n", play.ID, play.Game)
		return nil
	},
}

func init() {
	skipCmd.Flags().StringVar(&skipReason, "reason", "", "record a sticky error with this reason")
	rootCmd.AddCommand(skipCmd)
}
