package main

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"

	fleetagent "github.com/httprunner/FleetAgent"
	"github.com/httprunner/FleetAgent/internal/config"
	"github.com/httprunner/FleetAgent/internal/providers/adb"
	"github.com/httprunner/FleetAgent/pkg/secondfactor"
	"github.com/httprunner/FleetAgent/pkg/storage"
	"github.com/httprunner/FleetAgent/pkg/window"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// app holds what every subcommand needs: settings and the store.
type app struct {
	settings config.Settings
	store    *storage.Store
	loc      *time.Location
}

func openApp() (*app, error) {
	settings, err := config.LoadFrom(firstNonEmpty(rootConfig, config.String(config.EnvConfigFile, "")))
	if err != nil {
		return nil, err
	}
	loc, err := settings.Location()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(firstNonEmpty(rootDBPath, settings.DBPath))
	if err != nil {
		return nil, err
	}
	log.Debug().Str("db", store.Path()).Str("timezone", loc.String()).Msg("fleetagent initialized")
	return &app{settings: settings, store: store, loc: loc}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Msg("close store failed")
	}
}

// secondFactorClient returns nil when no code service is configured.
func (a *app) secondFactorClient() (*secondfactor.Client, error) {
	sf := a.settings.SecondFactor
	if strings.TrimSpace(sf.BaseURL) == "" {
		return nil, nil
	}
	return secondfactor.NewClient(secondfactor.Config{BaseURL: sf.BaseURL, RatePerSecond: sf.RatePerSecond})
}

// engine is the assembled execution stack.
type engine struct {
	devices     *fleetagent.DeviceManager
	codes       *secondfactor.Client
	scheduler   *window.Scheduler
	coordinator *fleetagent.BatchCoordinator
}

// buildEngine wires adb, the automation command and the code service into a
// coordinator whose batches live as long as ctx.
func (a *app) buildEngine(ctx context.Context) (*engine, error) {
	command := strings.TrimSpace(a.settings.AutomationCommand)
	if command == "" {
		return nil, errors.Errorf("%s must be provided", config.EnvAutomationCommand)
	}
	automation, err := fleetagent.NewExecAutomation(command)
	if err != nil {
		return nil, err
	}
	provider, err := adb.NewDefault()
	if err != nil {
		return nil, err
	}
	codes, err := a.secondFactorClient()
	if err != nil {
		return nil, err
	}
	var codeProvider fleetagent.CodeProvider
	if codes != nil {
		codeProvider = codes
	}
	scheduler := window.NewScheduler(a.store, a.loc)
	sf := a.settings.SecondFactor
	executor, err := fleetagent.NewDeviceExecutor(fleetagent.ExecutorConfig{
		Tasks:        a.store,
		Accounts:     a.store,
		Sessions:     a.store,
		Tokens:       a.store,
		SecondFactor: codeProvider,
		SecondFactorOptions: secondfactor.Options{
			MaxRetries:    sf.MaxRetries,
			RetryInterval: sf.RetryInterval,
			TotalTimeout:  sf.TotalTimeout,
		},
		Eligibility:       scheduler,
		Connector:         provider,
		Automation:        automation,
		AutomationTimeout: a.settings.AutomationTimeout,
		InterTaskDelay:    a.settings.InterTaskDelay,
	})
	if err != nil {
		return nil, err
	}
	coordinator, err := fleetagent.NewBatchCoordinator(fleetagent.CoordinatorConfig{
		Tasks:       a.store,
		Accounts:    a.store,
		Runner:      executor,
		Eligibility: scheduler,
		Cooldown:    a.settings.Cooldown,
		BaseContext: ctx,
	})
	if err != nil {
		return nil, err
	}
	return &engine{
		devices:     fleetagent.NewDeviceManager(provider, a.store),
		codes:       codes,
		scheduler:   scheduler,
		coordinator: coordinator,
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if trimmed := strings.TrimSpace(val); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
