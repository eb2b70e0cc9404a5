package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newCleanupCmd() *cobra.Command {
	var flagOlderThan time.Duration

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete terminal tasks older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			retention := a.settings.Retention
			if cmd.Flags().Changed("older-than") {
				retention = flagOlderThan
			}
			n, err := a.store.PurgeTerminalTasks(cmd.Context(), retention)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d tasks finished more than %s ago\n", n, retention)
			return nil
		},
	}

	cmd.Flags().DurationVar(&flagOlderThan, "older-than", 0, "Retention period (default from FLEET_RETENTION)")
	return cmd
}
