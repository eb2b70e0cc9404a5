package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	fleetagent "github.com/httprunner/FleetAgent"
	"github.com/httprunner/FleetAgent/pkg/fleet"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Create, inspect and requeue tasks",
	}
	cmd.AddCommand(newTasksCreateCmd(), newTasksListCmd(), newTasksRequeueCmd(), newTasksDeleteCmd())
	return cmd
}

func newTasksCreateCmd() *cobra.Command {
	var (
		flagAccounts   []string
		flagType       string
		flagPriority   int
		flagMaxRetries int
		flagToken      string
		flagCaption    string
		flagMedia      []string
		flagDuration   int
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create one task per account",
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, err := fleet.ParseTaskType(flagType)
			if err != nil {
				return err
			}
			if len(flagAccounts) == 0 {
				return errors.New("--account must be provided at least once")
			}
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			maxRetries := a.settings.DefaultMaxRetries
			if cmd.Flags().Changed("max-retries") {
				maxRetries = flagMaxRetries
			}
			req := fleetagent.CreateTasksRequest{
				AccountIDs: flagAccounts,
				Type:       typ,
				Priority:   flagPriority,
				MaxRetries: maxRetries,
				Post:       fleet.PostParams{Caption: flagCaption, MediaPaths: flagMedia},
				Warmup:     fleet.WarmupParams{DurationMinutes: flagDuration},
			}
			if token := strings.TrimSpace(flagToken); token != "" {
				req.SecondFactorTokens = make(map[string]string, len(flagAccounts))
				for _, id := range flagAccounts {
					req.SecondFactorTokens[id] = token
				}
			}
			res, err := fleetagent.CreateTasksForAccounts(cmd.Context(),
				fleetagent.TaskCreationDeps{Accounts: a.store, Tasks: a.store, Tokens: a.store}, req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, task := range res.Created {
				fmt.Fprintf(out, "created %s %s account=%s device=%s\n", task.ID, task.Type, task.AccountID, task.DeviceSerial)
			}
			for _, failure := range res.Failed {
				fmt.Fprintf(out, "failed  %s: %v\n", failure.AccountID, failure.Err)
			}
			if len(res.Created) == 0 {
				return errors.New("no task created")
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&flagAccounts, "account", nil, "Account id (repeatable)")
	cmd.Flags().StringVar(&flagType, "type", "", "Task type (login|post|warmup)")
	cmd.Flags().IntVar(&flagPriority, "priority", 0, "Higher runs first within a device")
	cmd.Flags().IntVar(&flagMaxRetries, "max-retries", 0, "Automatic retries (default from FLEET_DEFAULT_MAX_RETRIES)")
	cmd.Flags().StringVar(&flagToken, "2fa-token", "", "Second factor token for login tasks (default: the account's active token)")
	cmd.Flags().StringVar(&flagCaption, "caption", "", "Post caption")
	cmd.Flags().StringArrayVar(&flagMedia, "media", nil, "Post media path on the device (repeatable)")
	cmd.Flags().IntVar(&flagDuration, "duration", 10, "Warmup duration in minutes")
	return cmd
}

func newTasksListCmd() *cobra.Command {
	var (
		flagStatus  []string
		flagDevice  string
		flagAccount string
		flagLimit   int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks in execution order",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := fleet.TaskFilter{DeviceSerial: flagDevice, AccountID: flagAccount, Limit: flagLimit}
			for _, raw := range flagStatus {
				status := fleet.TaskStatus(strings.TrimSpace(raw))
				if !status.Valid() {
					return errors.Errorf("unknown status %q", raw)
				}
				filter.Statuses = append(filter.Statuses, status)
			}
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			tasks, err := a.store.ListTasks(cmd.Context(), filter)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tACCOUNT\tDEVICE\tSTATUS\tRETRIES\tPRIORITY\tERROR")
			for _, t := range tasks {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%d\t%s\n",
					t.ID, t.Type, t.AccountID, t.DeviceSerial, t.Status, t.RetryCount, t.MaxRetries, t.Priority, t.Error)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringSliceVar(&flagStatus, "status", nil, "Filter by status (comma separated)")
	cmd.Flags().StringVar(&flagDevice, "device", "", "Filter by device serial")
	cmd.Flags().StringVar(&flagAccount, "account", "", "Filter by account id")
	cmd.Flags().IntVar(&flagLimit, "limit", 100, "Maximum rows (0 for all)")
	return cmd
}

func newTasksRequeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <task-id>...",
		Short: "Return failed or needs_manual tasks to pending with a fresh retry budget",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			var failed int
			for _, id := range args {
				if _, err := a.store.Requeue(cmd.Context(), id); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", id, err)
					failed++
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "requeued %s\n", id)
			}
			if failed > 0 {
				return errors.Errorf("%d of %d tasks not requeued", failed, len(args))
			}
			return nil
		},
	}
}

func newTasksDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id>...",
		Short: "Delete tasks that are not running",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			for _, id := range args {
				if err := a.store.DeleteTask(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
			}
			return nil
		},
	}
}
