package config

import (
	"os"
	"strings"
	"time"

	fleetagent "github.com/httprunner/FleetAgent"
	"github.com/httprunner/FleetAgent/pkg/secondfactor"
	"github.com/httprunner/FleetAgent/pkg/window"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Environment keys read by Load.
const (
	EnvConfigFile         = "FLEET_CONFIG"
	EnvDBPath             = "FLEET_DB_PATH"
	EnvTimezone           = "FLEET_TIMEZONE"
	EnvListenAddr         = "FLEET_LISTEN_ADDR"
	EnvInterTaskDelay     = "FLEET_INTER_TASK_DELAY"
	EnvAutomationCommand  = "FLEET_AUTOMATION_COMMAND"
	EnvAutomationTimeout  = "FLEET_AUTOMATION_TIMEOUT"
	EnvSecondFactorURL    = "FLEET_2FA_BASE_URL"
	EnvSecondFactorTries  = "FLEET_2FA_MAX_RETRIES"
	EnvSecondFactorWait   = "FLEET_2FA_RETRY_INTERVAL"
	EnvSecondFactorBudget = "FLEET_2FA_TIMEOUT"
	EnvSecondFactorRate   = "FLEET_2FA_RATE"
	EnvCooldown           = "FLEET_ACCOUNT_COOLDOWN"
	EnvDefaultMaxRetries  = "FLEET_DEFAULT_MAX_RETRIES"
	EnvMaxParallelDevices = "FLEET_MAX_PARALLEL_DEVICES"
	EnvRetention          = "FLEET_RETENTION"
	EnvCronCleanup        = "FLEET_CRON_CLEANUP"
	EnvCronDeviceRefresh  = "FLEET_CRON_DEVICE_REFRESH"
	EnvCronBatch          = "FLEET_CRON_BATCH"
)

// SecondFactor configures the one-time-code client.
type SecondFactor struct {
	BaseURL       string        `yaml:"base_url"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	TotalTimeout  time.Duration `yaml:"timeout"`
	RatePerSecond float64       `yaml:"rate"`
}

// Cron holds schedule specs for the serve command; empty disables a job.
type Cron struct {
	Cleanup       string `yaml:"cleanup"`
	DeviceRefresh string `yaml:"device_refresh"`
	Batch         string `yaml:"batch"`
}

// Settings is the resolved runtime configuration.
type Settings struct {
	DBPath             string        `yaml:"db_path"`
	Timezone           string        `yaml:"timezone"`
	ListenAddr         string        `yaml:"listen_addr"`
	InterTaskDelay     time.Duration `yaml:"inter_task_delay"`
	AutomationCommand  string        `yaml:"automation_command"`
	AutomationTimeout  time.Duration `yaml:"automation_timeout"`
	SecondFactor       SecondFactor  `yaml:"second_factor"`
	Cooldown           time.Duration `yaml:"cooldown"`
	DefaultMaxRetries  int           `yaml:"default_max_retries"`
	MaxParallelDevices int           `yaml:"max_parallel_devices"`
	Retention          time.Duration `yaml:"retention"`
	Cron               Cron          `yaml:"cron"`
}

// Defaults returns the built-in settings.
func Defaults() Settings {
	return Settings{
		Timezone:          "Local",
		ListenAddr:        "127.0.0.1:8089",
		InterTaskDelay:    fleetagent.DefaultInterTaskDelay,
		AutomationTimeout: fleetagent.DefaultAutomationTimeout,
		SecondFactor: SecondFactor{
			MaxRetries:    secondfactor.DefaultMaxRetries,
			RetryInterval: secondfactor.DefaultRetryInterval,
			TotalTimeout:  secondfactor.DefaultTotalTimeout,
			RatePerSecond: 2,
		},
		Cooldown:          window.DefaultCooldown,
		DefaultMaxRetries: 3,
		Retention:         30 * 24 * time.Hour,
		Cron: Cron{
			Cleanup:       "@daily",
			DeviceRefresh: "@every 1m",
		},
	}
}

// Load resolves settings from the YAML file named by FLEET_CONFIG and the
// environment.
func Load() (Settings, error) {
	return LoadFrom(String(EnvConfigFile, ""))
}

// LoadFrom resolves settings: defaults, then the YAML file at path when set,
// then environment variables.
func LoadFrom(path string) (Settings, error) {
	s := Defaults()
	if path = strings.TrimSpace(path); path != "" {
		if err := s.overlayFile(path); err != nil {
			return Settings{}, err
		}
	}
	s.overlayEnv()
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s *Settings) overlayFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read config file %s", path)
	}
	if err := yaml.Unmarshal(raw, s); err != nil {
		return errors.Wrapf(err, "parse config file %s", path)
	}
	return nil
}

func (s *Settings) overlayEnv() {
	s.DBPath = String(EnvDBPath, s.DBPath)
	s.Timezone = String(EnvTimezone, s.Timezone)
	s.ListenAddr = String(EnvListenAddr, s.ListenAddr)
	s.InterTaskDelay = Duration(EnvInterTaskDelay, s.InterTaskDelay)
	s.AutomationCommand = String(EnvAutomationCommand, s.AutomationCommand)
	s.AutomationTimeout = Duration(EnvAutomationTimeout, s.AutomationTimeout)
	s.SecondFactor.BaseURL = String(EnvSecondFactorURL, s.SecondFactor.BaseURL)
	s.SecondFactor.MaxRetries = Int(EnvSecondFactorTries, s.SecondFactor.MaxRetries)
	s.SecondFactor.RetryInterval = Duration(EnvSecondFactorWait, s.SecondFactor.RetryInterval)
	s.SecondFactor.TotalTimeout = Duration(EnvSecondFactorBudget, s.SecondFactor.TotalTimeout)
	s.SecondFactor.RatePerSecond = Float(EnvSecondFactorRate, s.SecondFactor.RatePerSecond)
	s.Cooldown = Duration(EnvCooldown, s.Cooldown)
	s.DefaultMaxRetries = Int(EnvDefaultMaxRetries, s.DefaultMaxRetries)
	s.MaxParallelDevices = Int(EnvMaxParallelDevices, s.MaxParallelDevices)
	s.Retention = Duration(EnvRetention, s.Retention)
	s.Cron.Cleanup = String(EnvCronCleanup, s.Cron.Cleanup)
	s.Cron.DeviceRefresh = String(EnvCronDeviceRefresh, s.Cron.DeviceRefresh)
	s.Cron.Batch = String(EnvCronBatch, s.Cron.Batch)
}

// Validate rejects settings the engine cannot run with.
func (s Settings) Validate() error {
	if _, err := s.Location(); err != nil {
		return err
	}
	switch {
	case s.InterTaskDelay < 0:
		return errors.New("inter_task_delay must not be negative")
	case s.AutomationTimeout <= 0:
		return errors.New("automation_timeout must be positive")
	case s.Cooldown < 0:
		return errors.New("cooldown must not be negative")
	case s.DefaultMaxRetries < 0:
		return errors.New("default_max_retries must not be negative")
	case s.MaxParallelDevices < 0:
		return errors.New("max_parallel_devices must not be negative")
	case s.SecondFactor.RatePerSecond < 0:
		return errors.New("second_factor.rate must not be negative")
	}
	return nil
}

// Location resolves Timezone; "Local" and "" map to the host zone.
func (s Settings) Location() (*time.Location, error) {
	name := strings.TrimSpace(s.Timezone)
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, errors.Wrapf(err, "load timezone %q", name)
	}
	return loc, nil
}
