package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/httprunner/FleetAgent/pkg/fleet"
	"github.com/spf13/cobra"
)

func newDevicesCmd() *cobra.Command {
	var flagRefresh bool

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Show device states; --refresh re-reads them from adb first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			var devices []fleet.Device
			if flagRefresh {
				eng, err := a.buildEngine(ctx)
				if err != nil {
					return err
				}
				if _, err := eng.devices.Refresh(ctx); err != nil {
					return err
				}
			}
			devices, err = a.store.ListDevices(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SERIAL\tSTATUS\tLAST SEEN\tERROR")
			for _, d := range devices {
				lastSeen := "-"
				if !d.LastSeenAt.IsZero() {
					lastSeen = d.LastSeenAt.In(a.loc).Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.Serial, d.Status, lastSeen, d.LastError)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&flagRefresh, "refresh", false, "Refresh device states from adb")
	return cmd
}
