// Package config loads operator settings for the sealvault CLI.
// Priority: command-line flags > SEALVAULT_* env vars > YAML file > defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/rbrinkke/Vault/pkg/schema"
)

// DefaultPath is read when no config file is named. It may be absent.
const DefaultPath = "/etc/sealvault/config.yaml"

// Defaults for non-path settings.
const (
	DefaultSealer        = "systemd-creds"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "text"
	DefaultAutoLength    = 32
	DefaultWatchInterval = time.Minute
)

// Config holds every operator setting.
type Config struct {
	Root            string        `koanf:"root"`
	Sealer          string        `koanf:"sealer"`
	LogLevel        string        `koanf:"log_level"`
	LogFormat       string        `koanf:"log_format"`
	MetricsTextfile string        `koanf:"metrics_textfile"`
	NonInteractive  bool          `koanf:"non_interactive"`
	AutoLength      int           `koanf:"auto_length"`
	WatchInterval   time.Duration `koanf:"watch_interval"`

	// Source is the config file actually loaded, empty if none.
	Source string `koanf:"-"`
}

// Validation errors.
var (
	ErrInvalidLogLevel      = errors.New("log_level must be one of debug, info, warn, error")
	ErrInvalidLogFormat     = errors.New("log_format must be text or json")
	ErrInvalidAutoLength    = errors.New("auto_length must be positive")
	ErrInvalidWatchInterval = errors.New("watch_interval must be positive")
	ErrEmptySealer          = errors.New("sealer must not be empty")
)

// Load reads path (or $SEALVAULT_CONFIG, or DefaultPath) and applies env
// overrides. Only an explicitly named file must exist. All validation
// problems are reported together as a CONFIG_ERROR.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	explicit := true
	if path == "" {
		path = os.Getenv("SEALVAULT_CONFIG")
	}
	if path == "" {
		path, explicit = DefaultPath, false
	}

	source := ""
	if _, err := os.Stat(path); err == nil || explicit {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeConfig, "load config file %s", path).WithCause(err)
		}
		source = path
	}

	var errs []error
	autoLength, err := getEnvIntOrDefault("SEALVAULT_AUTO_LENGTH", k, "auto_length", DefaultAutoLength)
	if err != nil {
		errs = append(errs, err)
	}
	interval, err := getEnvDurationOrDefault("SEALVAULT_WATCH_INTERVAL", k, "watch_interval", DefaultWatchInterval)
	if err != nil {
		errs = append(errs, err)
	}

	nonInteractive := k.Bool("non_interactive")
	if val := os.Getenv("SEALVAULT_NON_INTERACTIVE"); val != "" {
		nonInteractive = parseBool(val)
	}

	cfg := &Config{
		Root:            getEnvOrKoanf("SEALVAULT_ROOT", k, "root"),
		Sealer:          getEnvOrDefault("SEALVAULT_SEALER", k.String("sealer"), DefaultSealer),
		LogLevel:        getEnvOrDefault("SEALVAULT_LOG_LEVEL", k.String("log_level"), DefaultLogLevel),
		LogFormat:       getEnvOrDefault("SEALVAULT_LOG_FORMAT", k.String("log_format"), DefaultLogFormat),
		MetricsTextfile: getEnvOrKoanf("SEALVAULT_METRICS_TEXTFILE", k, "metrics_textfile"),
		NonInteractive:  nonInteractive,
		AutoLength:      autoLength,
		WatchInterval:   interval,
		Source:          source,
	}

	errs = append(errs, cfg.Validate()...)
	if len(errs) > 0 {
		return nil, schema.NewError(schema.ErrCodeConfig, "invalid configuration").WithCause(errors.Join(errs...))
	}
	return cfg, nil
}

// Validate returns every problem found, empty when the config is usable.
func (c *Config) Validate() []error {
	var errs []error
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("%w (got %q)", ErrInvalidLogLevel, c.LogLevel))
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("%w (got %q)", ErrInvalidLogFormat, c.LogFormat))
	}
	if c.AutoLength <= 0 {
		errs = append(errs, ErrInvalidAutoLength)
	}
	if c.WatchInterval <= 0 {
		errs = append(errs, ErrInvalidWatchInterval)
	}
	if strings.TrimSpace(c.Sealer) == "" {
		errs = append(errs, ErrEmptySealer)
	}
	return errs
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefault returns the environment variable value if set, otherwise the koanf value, or default.
func getEnvOrDefault(envKey, koanfVal, defaultVal string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

func getEnvIntOrDefault(envKey string, k *koanf.Koanf, koanfKey string, defaultVal int) (int, error) {
	if val := os.Getenv(envKey); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return defaultVal, fmt.Errorf("%s must be an integer: %w", envKey, err)
		}
		return n, nil
	}
	if k.Exists(koanfKey) {
		return k.Int(koanfKey), nil
	}
	return defaultVal, nil
}

func getEnvDurationOrDefault(envKey string, k *koanf.Koanf, koanfKey string, defaultVal time.Duration) (time.Duration, error) {
	raw := os.Getenv(envKey)
	name := envKey
	if raw == "" && k.Exists(koanfKey) {
		raw, name = k.String(koanfKey), koanfKey
	}
	if raw == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return defaultVal, fmt.Errorf("%s must be a duration such as 5m: %w", name, err)
	}
	return d, nil
}

func parseBool(val string) bool {
	switch strings.ToLower(val) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}
