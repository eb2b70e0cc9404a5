package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/httprunner/FleetAgent/pkg/fleet"
	"github.com/httprunner/FleetAgent/pkg/window"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newAccountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage accounts and their active windows",
	}
	cmd.AddCommand(newAccountsAddCmd(), newAccountsListCmd())
	return cmd
}

func newAccountsAddCmd() *cobra.Command {
	var (
		flagUsername string
		flagSecret   string
		flagDevice   string
		flagWindows  []string
	)

	cmd := &cobra.Command{
		Use:   "add <account-id>",
		Short: "Create or update an account bound to a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			windows, err := parseWindows(flagWindows)
			if err != nil {
				return err
			}
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			acc := &fleet.Account{
				ID:           args[0],
				Username:     firstNonEmpty(flagUsername, args[0]),
				Secret:       flagSecret,
				DeviceSerial: flagDevice,
				Windows:      windows,
			}
			if existing, err := a.store.GetAccount(ctx, acc.ID); err == nil {
				acc.Status = existing.Status
				acc.LastRunAt = existing.LastRunAt
				if acc.Secret == "" {
					acc.Secret = existing.Secret
				}
			}
			if err := a.store.UpsertAccount(ctx, acc); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "account %s bound to %s\n", acc.ID, acc.DeviceSerial)
			return nil
		},
	}

	cmd.Flags().StringVar(&flagUsername, "username", "", "Login username (defaults to the account id)")
	cmd.Flags().StringVar(&flagSecret, "secret", "", "Login password")
	cmd.Flags().StringVar(&flagDevice, "device", "", "Device serial the account runs on")
	cmd.Flags().StringArrayVar(&flagWindows, "window", nil, "Active window START-END in hours, END exclusive, may wrap midnight (repeatable)")
	return cmd
}

func newAccountsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			accounts, err := a.store.ListAccounts(cmd.Context())
			if err != nil {
				return err
			}
			return writeAccounts(cmd.OutOrStdout(), accounts, window.NewScheduler(a.store, a.loc), time.Now(), a.loc)
		},
	}
}

func writeAccounts(w io.Writer, accounts []*fleet.Account, scheduler *window.Scheduler, now time.Time, loc *time.Location) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDEVICE\tSTATUS\tWINDOWS\tLAST RUN\tNEXT ELIGIBLE")
	for _, acc := range accounts {
		lastRun := "-"
		if acc.LastRunAt != nil {
			lastRun = acc.LastRunAt.In(loc).Format("2006-01-02 15:04")
		}
		next := "never"
		if at, ok := scheduler.NextEligible(acc, now); ok {
			next = "now"
			if at.After(now) {
				next = at.In(loc).Format("2006-01-02 15:04")
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", acc.ID, acc.DeviceSerial, acc.Status, formatWindows(acc.Windows), lastRun, next)
	}
	return tw.Flush()
}

// parseWindows parses "22-2" style hour ranges.
func parseWindows(raw []string) ([]fleet.Window, error) {
	windows := make([]fleet.Window, 0, len(raw))
	for _, item := range raw {
		start, end, ok := strings.Cut(strings.TrimSpace(item), "-")
		if !ok {
			return nil, errors.Errorf("window %q must look like START-END", item)
		}
		s, err := strconv.Atoi(strings.TrimSpace(start))
		if err != nil {
			return nil, errors.Wrapf(err, "window %q start hour", item)
		}
		e, err := strconv.Atoi(strings.TrimSpace(end))
		if err != nil {
			return nil, errors.Wrapf(err, "window %q end hour", item)
		}
		if s < 0 || s > 23 || e < 0 || e > 23 {
			return nil, errors.Errorf("window %q hours must be within 0-23", item)
		}
		windows = append(windows, fleet.Window{StartHour: s, EndHour: e})
	}
	return windows, nil
}

func formatWindows(windows []fleet.Window) string {
	if len(windows) == 0 {
		return "always"
	}
	parts := make([]string, 0, len(windows))
	for _, w := range windows {
		parts = append(parts, fmt.Sprintf("%02d-%02d", w.StartHour, w.EndHour))
	}
	return strings.Join(parts, ",")
}
