package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	fleetagent "github.com/httprunner/FleetAgent"
	"github.com/httprunner/FleetAgent/internal/api"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var (
		flagListen string
		flagGrace  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP operator API and scheduled jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			// A previous process may have died mid-task.
			if n, err := a.store.RecoverRunning(ctx); err != nil {
				return err
			} else if n > 0 {
				log.Warn().Int64("tasks", n).Msg("recovered stale running tasks to pending")
			}

			eng, err := a.buildEngine(ctx)
			if err != nil {
				return err
			}
			if _, err := eng.devices.Refresh(ctx); err != nil {
				log.Warn().Err(err).Msg("initial device refresh failed")
			}

			deps := api.Deps{
				Store:              a.store,
				Coordinator:        eng.coordinator,
				Devices:            eng.devices,
				Windows:            eng.scheduler,
				DefaultMaxRetries:  a.settings.DefaultMaxRetries,
				DefaultMaxParallel: a.settings.MaxParallelDevices,
			}
			if eng.codes != nil {
				deps.Tokens = eng.codes
			}
			listen := firstNonEmpty(flagListen, a.settings.ListenAddr)
			srv := &http.Server{Addr: listen, Handler: api.NewRouter(deps), ReadHeaderTimeout: 10 * time.Second}

			scheduler, err := newCron(ctx, a.loc, serveJobs(a, eng))
			if err != nil {
				return err
			}

			sg := fleetagent.NewSafeGroup(ctx)
			sg.GoSafe("http", func(ctx context.Context) error {
				errCh := make(chan error, 1)
				go func() { errCh <- srv.ListenAndServe() }()
				log.Info().Str("listen", listen).Msg("http api listening")
				select {
				case <-ctx.Done():
					shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flagGrace)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				case err := <-errCh:
					if errors.Is(err, http.ErrServerClosed) {
						return nil
					}
					return err
				}
			})
			sg.GoSafe("cron", func(ctx context.Context) error {
				scheduler.Start()
				<-ctx.Done()
				<-scheduler.Stop().Done()
				return nil
			})

			err = sg.WaitOrInterrupt(flagGrace)
			if stopped := eng.coordinator.RequestStopAll(); stopped > 0 {
				log.Info().Int("batches", stopped).Msg("asked running batches to stop")
			}
			// lanes write their final transitions before the store is closed
			drainCtx, cancelDrain := context.WithTimeout(context.Background(), flagGrace)
			defer cancelDrain()
			if drainErr := eng.coordinator.Drain(drainCtx); drainErr != nil {
				log.Warn().Err(drainErr).Strs("batches", eng.coordinator.ActiveBatches()).
					Msg("batches still running at shutdown, their tasks are recovered on next start")
			}
			if errors.Is(err, context.Canceled) {
				log.Info().Msg("fleetagent serve stopped")
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&flagListen, "listen", "", "HTTP listen address (default from FLEET_LISTEN_ADDR)")
	cmd.Flags().DurationVar(&flagGrace, "grace", 15*time.Second, "Shutdown grace period")
	return cmd
}
