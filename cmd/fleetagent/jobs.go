package main

import (
	"context"
	"errors"
	"strings"
	"time"

	fleetagent "github.com/httprunner/FleetAgent"
	pkgerrors "github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// cronLogger routes robfig/cron logs through zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}

// jobSpec is one periodic job of the serve command.
type jobSpec struct {
	name string
	spec string
	run  func(ctx context.Context) error
}

// newCron builds the serve scheduler; jobs with an empty spec are skipped.
func newCron(ctx context.Context, loc *time.Location, jobs []jobSpec) (*cron.Cron, error) {
	logger := cronLogger{}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithParser(cron.NewParser(cron.SecondOptional|cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	for _, job := range jobs {
		if strings.TrimSpace(job.spec) == "" {
			continue
		}
		job := job
		if _, err := c.AddFunc(job.spec, func() {
			start := time.Now()
			if err := job.run(ctx); err != nil {
				log.Warn().Err(err).Str("job", job.name).Msg("scheduled job failed")
				return
			}
			log.Debug().Str("job", job.name).Dur("elapsed", time.Since(start)).Msg("scheduled job done")
		}); err != nil {
			return nil, pkgerrors.Wrapf(err, "invalid cron spec %q for %s", job.spec, job.name)
		}
	}
	return c, nil
}

// finishedBatchTTL bounds how long an unread finished batch stays in memory.
const finishedBatchTTL = 24 * time.Hour

// serveJobs lists the periodic jobs of the serve command.
func serveJobs(a *app, eng *engine) []jobSpec {
	return []jobSpec{
		{
			name: "cleanup",
			spec: a.settings.Cron.Cleanup,
			run: func(ctx context.Context) error {
				if dropped := eng.coordinator.PurgeFinished(time.Now().Add(-finishedBatchTTL)); dropped > 0 {
					log.Info().Int("batches", dropped).Msg("dropped unread finished batches")
				}
				n, err := a.store.PurgeTerminalTasks(ctx, a.settings.Retention)
				if err == nil && n > 0 {
					log.Info().Int64("deleted", n).Dur("retention", a.settings.Retention).Msg("purged terminal tasks")
				}
				return err
			},
		},
		{
			name: "device_refresh",
			spec: a.settings.Cron.DeviceRefresh,
			run: func(ctx context.Context) error {
				_, err := eng.devices.Refresh(ctx)
				return err
			},
		},
		{
			name: "all_pending_batch",
			spec: a.settings.Cron.Batch,
			run: func(ctx context.Context) error {
				id, err := eng.coordinator.SubmitBatch(ctx, fleetagent.BatchRequest{
					AllPending:         true,
					MaxParallelDevices: a.settings.MaxParallelDevices,
				})
				if errors.Is(err, fleetagent.ErrNoRunnableTasks) {
					return nil
				}
				if err != nil {
					return err
				}
				log.Info().Str("batch_id", id).Msg("scheduled batch submitted")
				// reading the final progress also drops the batch from memory
				p, err := eng.coordinator.Wait(ctx, id)
				if err != nil {
					log.Warn().Err(err).Str("batch_id", id).Msg("scheduled batch still running at shutdown")
					return nil
				}
				log.Info().Str("batch_id", id).Int("completed", p.Completed).Int("failed", p.Failed).
					Int("needs_manual", p.NeedsManual).Int("retrying", p.Retrying).Int("skipped", p.Skipped).
					Msg("scheduled batch finished")
				return nil
			},
		},
	}
}
