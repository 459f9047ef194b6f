// Package config loads runtime configuration from the environment and
// service definitions from YAML or compose files.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	envLogLevel         = "SW_LOG_LEVEL"
	envServicesFile     = "SW_SERVICES_FILE"
	envComposeFile      = "SW_COMPOSE_FILE"
	envStateFile        = "SW_STATE_FILE"
	envListenAddr       = "SW_LISTEN_ADDR"
	envHealthInterval   = "SW_HEALTH_INTERVAL"
	envResourceInterval = "SW_RESOURCE_INTERVAL"
	envStartTimeout     = "SW_START_TIMEOUT"
	envStopTimeout      = "SW_STOP_TIMEOUT"
	envAutoRestart      = "SW_AUTO_RESTART"
	envMaxRestarts      = "SW_MAX_RESTART_ATTEMPTS"
	envRestartCooldown  = "SW_RESTART_COOLDOWN"
	envHistorySize      = "SW_HISTORY_SIZE"
	envHealthPath       = "SW_HEALTH_PATH"
	envProbeTimeout     = "SW_PROBE_TIMEOUT"
	envDiskPath         = "SW_DISK_PATH"
	envSlackWebhookURL  = "SW_SLACK_WEBHOOK_URL"
	envAlertWebhookURL  = "SW_ALERT_WEBHOOK_URL"
	envAlertTemplate    = "SW_ALERT_TEMPLATE"
	envDryRun           = "SW_DRY_RUN"
)

const (
	defaultLogLevel         = "info"
	defaultListenAddr       = ":9480"
	defaultHealthInterval   = 10 * time.Second
	defaultResourceInterval = 30 * time.Second
	defaultStartTimeout     = 30 * time.Second
	defaultStopTimeout      = 10 * time.Second
	defaultMaxRestarts      = 3
	defaultRestartCooldown  = 60 * time.Second
	defaultHistorySize      = 100
	defaultHealthPath       = "/health"
	defaultProbeTimeout     = 3 * time.Second
	defaultDiskPath         = "/"
)

// Config describes runtime configuration loaded from the environment.
type Config struct {
	LogLevel         string
	ServicesFile     string
	ComposeFile      string
	StateFile        string
	ListenAddr       string
	HealthInterval   time.Duration
	ResourceInterval time.Duration
	StartTimeout     time.Duration
	StopTimeout      time.Duration
	AutoRestart      bool
	MaxRestarts      int
	RestartCooldown  time.Duration
	HistorySize      int
	HealthPath       string
	ProbeTimeout     time.Duration
	DiskPath         string
	SlackWebhookURL  string
	AlertWebhookURL  string
	AlertTemplate    string
	DryRun           bool
}

// Load reads configuration from environment variables and a local .env file
// if present. Existing environment variables take precedence over values in
// .env.
func Load() (Config, error) {
	if err := loadDotEnvIfPresent(".env"); err != nil {
		return Config{}, err
	}

	cfg := Config{
		LogLevel:         defaultLogLevel,
		ListenAddr:       defaultListenAddr,
		HealthInterval:   defaultHealthInterval,
		ResourceInterval: defaultResourceInterval,
		StartTimeout:     defaultStartTimeout,
		StopTimeout:      defaultStopTimeout,
		AutoRestart:      true,
		MaxRestarts:      defaultMaxRestarts,
		RestartCooldown:  defaultRestartCooldown,
		HistorySize:      defaultHistorySize,
		HealthPath:       defaultHealthPath,
		ProbeTimeout:     defaultProbeTimeout,
		DiskPath:         defaultDiskPath,
	}

	if value, ok := lookupTrimmed(envLogLevel); ok {
		cfg.LogLevel = value
	}
	if value, ok := lookupTrimmed(envServicesFile); ok {
		cfg.ServicesFile = value
	}
	if value, ok := lookupTrimmed(envComposeFile); ok {
		cfg.ComposeFile = value
	}
	if value, ok := lookupTrimmed(envStateFile); ok {
		cfg.StateFile = value
	}
	if value, ok := lookupTrimmed(envListenAddr); ok {
		cfg.ListenAddr = value
	}
	if value, ok := lookupTrimmed(envHealthPath); ok {
		cfg.HealthPath = value
	}
	if value, ok := lookupTrimmed(envDiskPath); ok {
		cfg.DiskPath = value
	}
	if value, ok := lookupTrimmed(envSlackWebhookURL); ok {
		cfg.SlackWebhookURL = value
	}
	if value, ok := lookupTrimmed(envAlertWebhookURL); ok {
		cfg.AlertWebhookURL = value
	}
	if value, ok := lookupTrimmed(envAlertTemplate); ok {
		cfg.AlertTemplate = value
	}

	durations := []struct {
		key    string
		target *time.Duration
	}{
		{envHealthInterval, &cfg.HealthInterval},
		{envResourceInterval, &cfg.ResourceInterval},
		{envStartTimeout, &cfg.StartTimeout},
		{envStopTimeout, &cfg.StopTimeout},
		{envRestartCooldown, &cfg.RestartCooldown},
		{envProbeTimeout, &cfg.ProbeTimeout},
	}
	for _, d := range durations {
		value, ok := lookupTrimmed(d.key)
		if !ok {
			continue
		}
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		if parsed <= 0 {
			return Config{}, fmt.Errorf("%s must be greater than zero", d.key)
		}
		*d.target = parsed
	}

	integers := []struct {
		key    string
		target *int
	}{
		{envMaxRestarts, &cfg.MaxRestarts},
		{envHistorySize, &cfg.HistorySize},
	}
	for _, n := range integers {
		value, ok := lookupTrimmed(n.key)
		if !ok {
			continue
		}
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", n.key, err)
		}
		if parsed <= 0 {
			return Config{}, fmt.Errorf("%s must be greater than zero", n.key)
		}
		*n.target = parsed
	}

	booleans := []struct {
		key    string
		target *bool
	}{
		{envAutoRestart, &cfg.AutoRestart},
		{envDryRun, &cfg.DryRun},
	}
	for _, b := range booleans {
		value, ok := lookupTrimmed(b.key)
		if !ok {
			continue
		}
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", b.key, err)
		}
		*b.target = parsed
	}

	if cfg.ServicesFile == "" && cfg.ComposeFile == "" {
		return Config{}, fmt.Errorf("one of %s or %s is required", envServicesFile, envComposeFile)
	}
	if cfg.ServicesFile != "" && cfg.ComposeFile != "" {
		return Config{}, fmt.Errorf("%s and %s are mutually exclusive", envServicesFile, envComposeFile)
	}

	if cfg.SlackWebhookURL != "" {
		if err := validateURL(cfg.SlackWebhookURL, envSlackWebhookURL); err != nil {
			return Config{}, err
		}
	}
	if cfg.AlertWebhookURL != "" {
		if err := validateURL(cfg.AlertWebhookURL, envAlertWebhookURL); err != nil {
			return Config{}, err
		}
	}

	return cfg, nil
}

func lookupTrimmed(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(value), true
}

func loadDotEnvIfPresent(path string) error {
	err := godotenv.Load(path)
	if err == nil {
		return nil
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) && errors.Is(pathErr.Err, os.ErrNotExist) {
		return nil
	}

	return err
}

func validateURL(value, name string) error {
	parsed, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("invalid %s: must include scheme and host", name)
	}
	return nil
}
