package main

import (
	"context"
	"errors"
	"time"

	fleetagent "github.com/httprunner/FleetAgent"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newBatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Run batches of tasks",
	}
	cmd.AddCommand(newBatchRunCmd())
	return cmd
}

func newBatchRunCmd() *cobra.Command {
	var (
		flagAll         bool
		flagMaxParallel int
		flagReport      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run [task-id...]",
		Short: "Run the given tasks, or every eligible pending task with --all, and wait for the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !flagAll && len(args) == 0 {
				return errors.New("pass task ids or --all")
			}
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			// batches run on a context detached from Ctrl-C so a stop can
			// drain lanes at task boundaries.
			runCtx, cancelRun := context.WithCancel(context.WithoutCancel(cmd.Context()))
			defer cancelRun()
			eng, err := a.buildEngine(runCtx)
			if err != nil {
				return err
			}
			maxParallel := a.settings.MaxParallelDevices
			if cmd.Flags().Changed("max-parallel") {
				maxParallel = flagMaxParallel
			}
			id, err := eng.coordinator.SubmitBatch(cmd.Context(), fleetagent.BatchRequest{
				TaskIDs:            args,
				AllPending:         flagAll,
				MaxParallelDevices: maxParallel,
			})
			if err != nil {
				return err
			}
			log.Info().Str("batch_id", id).Msg("batch started")

			progress, err := waitBatch(cmd.Context(), eng.coordinator, id, flagReport)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), progress); err != nil {
				return err
			}
			if progress.Failed > 0 {
				return pkgerrors.Errorf("batch %s: %d failed", id, progress.Failed)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&flagAll, "all", false, "Run every pending task whose account is inside its window and past cooldown")
	cmd.Flags().IntVar(&flagMaxParallel, "max-parallel", 0, "Device lanes per wave, 0 for all at once (default from FLEET_MAX_PARALLEL_DEVICES)")
	cmd.Flags().DurationVar(&flagReport, "report-interval", 30*time.Second, "Progress log interval")
	return cmd
}

// waitBatch logs progress periodically. When ctx is canceled the batch is
// asked to stop and waitBatch keeps waiting for the lanes to drain.
func waitBatch(ctx context.Context, coordinator *fleetagent.BatchCoordinator, id string, every time.Duration) (fleetagent.Progress, error) {
	if every <= 0 {
		every = 30 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	waitCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	type waitResult struct {
		progress fleetagent.Progress
		err      error
	}
	done := make(chan waitResult, 1)
	go func() {
		p, err := coordinator.Wait(waitCtx, id)
		done <- waitResult{progress: p, err: err}
	}()

	interrupted := ctx.Done()
	for {
		select {
		case res := <-done:
			return res.progress, res.err
		case <-interrupted:
			interrupted = nil
			log.Warn().Str("batch_id", id).Msg("interrupted, stopping batch after the running tasks")
			if err := coordinator.RequestStop(id); err != nil {
				log.Warn().Err(err).Str("batch_id", id).Msg("request stop failed")
			}
		case <-ticker.C:
			log.Info().Str("batch_id", id).Int("active_batches", len(coordinator.ActiveBatches())).Msg("batch still running")
		}
	}
}
