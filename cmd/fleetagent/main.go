package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/httprunner/FleetAgent/internal/env"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "fleetagent",
	Short:        "Schedule and run account tasks across a fleet of Android devices",
	Long:         `fleetagent CLI 管理账号、设备与任务队列：按设备分组、限制并发波次执行批次，遵守账号活跃时段与冷却时间，并记录执行会话；serve 子命令提供 HTTP 运维接口与定时任务。`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(rootLogLevel)
	},
}

var (
	rootLogLevel string
	rootDBPath   string
	rootConfig   string
)

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "info", "Log level (trace|debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&rootDBPath, "db", "", "SQLite database path (default from FLEET_DB_PATH or ~/.fleetagent/fleet.sqlite)")
	rootCmd.PersistentFlags().StringVar(&rootConfig, "config", "", "YAML config file (default from FLEET_CONFIG)")
	rootCmd.AddCommand(
		newServeCmd(),
		newAccountsCmd(),
		newTasksCmd(),
		newBatchCmd(),
		newDevicesCmd(),
		newTokenCmd(),
		newCleanupCmd(),
	)
	_ = env.Ensure()
}

func setupLogging(level string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return errors.Wrapf(err, "invalid --log-level %q", level)
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		log.Fatal().Err(err).Msg("fleetagent command failed")
	}
}
