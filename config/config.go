// Package config loads bulkload settings from a YAML file, BULKLOAD_*
// environment variables and built-in defaults, in that order of precedence
// (environment first).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/dan-strohschein/syndrdb-bulkload/logging"
)

// EnvPrefix prefixes every environment override, e.g. BULKLOAD_LOOP_MAX_ROUNDS.
const EnvPrefix = "BULKLOAD"

// DefaultFileName is the config file searched for when no path is given.
const DefaultFileName = "bulkload.yaml"

// ErrConfigExists is returned by WriteDefault when it would overwrite a file.
var ErrConfigExists = errors.New("config file already exists")

// Config holds all configuration settings for the application.
type Config struct {
	Endpoint     string `mapstructure:"endpoint"`
	Key          string `mapstructure:"key"`
	Database     string `mapstructure:"database"`
	Container    string `mapstructure:"container"`
	Consistency  string `mapstructure:"consistency"`
	PartitionKey string `mapstructure:"partition_key"`
	Items        int    `mapstructure:"items"`
	Seed         uint64 `mapstructure:"seed"`

	Procedures struct {
		Upload string `mapstructure:"upload"`
		Delete string `mapstructure:"delete"`
	} `mapstructure:"procedures"`

	Loop      LoopConfig      `mapstructure:"loop"`
	Transport TransportConfig `mapstructure:"transport"`
	Emulator  EmulatorConfig  `mapstructure:"emulator"`
	Log       LogConfig       `mapstructure:"log"`

	// Source is the config file that was read, empty when none was.
	Source string `mapstructure:"-"`
}

// LoopConfig bounds the upload and delete loops.
type LoopConfig struct {
	MaxRounds      int           `mapstructure:"max_rounds"`
	StallThreshold int           `mapstructure:"stall_threshold"`
	RoundTimeout   time.Duration `mapstructure:"round_timeout"`
	Retries        int           `mapstructure:"retries"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
}

// TransportConfig tunes the TCP connection pool.
type TransportConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	PoolSize      int           `mapstructure:"pool_size"`
	TLS           bool          `mapstructure:"tls"`
	TLSSkipVerify bool          `mapstructure:"tls_skip_verify"`
	TLSCAFile     string        `mapstructure:"tls_ca_file"`
}

// EmulatorConfig configures the in-process emulator.
type EmulatorConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	Listen           string `mapstructure:"listen"`
	Path             string `mapstructure:"path"`
	MaxUploadPerCall int    `mapstructure:"max_upload_per_call"`
	MaxDeletePerCall int    `mapstructure:"max_delete_per_call"`

	// ThrottleEvery answers every n-th procedure call with 429. Zero disables.
	ThrottleEvery int `mapstructure:"throttle_every"`
}

// LogConfig selects log level and format.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// defaults uses YAML-friendly values; durations are strings.
var defaults = map[string]interface{}{
	"endpoint":                     "127.0.0.1:7632",
	"key":                          "",
	"database":                     "ImportDatabase",
	"container":                    "FoodCollection",
	"consistency":                  "eventual",
	"partition_key":                "Energy Bars",
	"items":                        1000,
	"seed":                         0,
	"procedures.upload":            "bulkUpload",
	"procedures.delete":            "bulkDelete",
	"loop.max_rounds":              0,
	"loop.stall_threshold":         3,
	"loop.round_timeout":           "30s",
	"loop.retries":                 0,
	"loop.retry_backoff":           "100ms",
	"transport.timeout":            "10s",
	"transport.pool_size":          4,
	"transport.tls":                false,
	"transport.tls_skip_verify":    false,
	"transport.tls_ca_file":        "",
	"emulator.enabled":             false,
	"emulator.listen":              "127.0.0.1:7632",
	"emulator.path":                "bulkload-emulator.db",
	"emulator.max_upload_per_call": 250,
	"emulator.max_delete_per_call": 100,
	"emulator.throttle_every":      0,
	"log.level":                    "info",
	"log.format":                   logging.FormatAuto,
}

// Load reads configuration. An explicit path must exist; without one,
// bulkload.yaml is looked up in the working directory and the user config
// directory, and a missing file is not an error.
func Load(path string) (*Config, error) {
	v := newViper()

	// BULKLOAD_LOOP_MAX_ROUNDS overrides loop.max_rounds.
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName(strings.TrimSuffix(DefaultFileName, filepath.Ext(DefaultFileName)))
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "bulkload"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Source = v.ConfigFileUsed()
	return &cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	return v
}

// Default returns the built-in configuration, ignoring files and environment.
func Default() *Config {
	var cfg Config
	if err := newViper().Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("built-in config defaults are invalid: %v", err))
	}
	return &cfg
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Endpoint == "" && !c.Emulator.Enabled {
		add("endpoint is required")
	}
	if c.Database == "" {
		add("database is required")
	}
	if c.Container == "" {
		add("container is required")
	}
	if c.PartitionKey == "" {
		add("partition_key is required")
	}
	switch strings.ToLower(c.Consistency) {
	case "eventual", "session", "strong":
	default:
		add("consistency must be eventual, session or strong, got %q", c.Consistency)
	}
	if c.Items < 0 {
		add("items must not be negative, got %d", c.Items)
	}
	if c.Procedures.Upload == "" || c.Procedures.Delete == "" {
		add("procedures.upload and procedures.delete are required")
	}
	if c.Loop.MaxRounds < 0 {
		add("loop.max_rounds must not be negative, got %d", c.Loop.MaxRounds)
	}
	if c.Loop.RoundTimeout < 0 || c.Loop.RetryBackoff < 0 {
		add("loop timeouts must not be negative")
	}
	if c.Loop.Retries < 0 {
		add("loop.retries must not be negative, got %d", c.Loop.Retries)
	}
	if c.Transport.PoolSize < 1 {
		add("transport.pool_size must be at least 1, got %d", c.Transport.PoolSize)
	}
	if c.Transport.Timeout < 0 {
		add("transport.timeout must not be negative")
	}
	if c.Emulator.Enabled {
		if c.Emulator.Listen == "" || c.Emulator.Path == "" {
			add("emulator.listen and emulator.path are required when the emulator is enabled")
		}
		if c.Emulator.MaxUploadPerCall < 1 || c.Emulator.MaxDeletePerCall < 1 {
			add("emulator per-call limits must be at least 1")
		}
		if c.Emulator.ThrottleEvery < 0 {
			add("emulator.throttle_every must not be negative")
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case logging.FormatAuto, logging.FormatConsole, logging.FormatJSON:
	default:
		add("log.format must be auto, console or json, got %q", c.Log.Format)
	}

	return errors.Join(errs...)
}

// Redacted returns a copy safe to log.
func (c Config) Redacted() Config {
	c.Key = logging.Redact(c.Key)
	return c
}

// WriteDefault writes the built-in defaults as YAML to path. An existing file
// is kept unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrConfigExists, path)
		}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	data, err := yaml.Marshal(nested(defaults))
	if err != nil {
		return fmt.Errorf("encode defaults: %w", err)
	}
	header := []byte("# bulkload configuration. Environment variables prefixed with " +
		EnvPrefix + "_ override these values.\n")
	if err := os.WriteFile(path, append(header, data...), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// nested turns dotted keys into nested maps.
func nested(flat map[string]interface{}) map[string]interface{} {
	root := make(map[string]interface{})
	for key, value := range flat {
		parts := strings.Split(key, ".")
		m := root
		for _, p := range parts[:len(parts)-1] {
			child, ok := m[p].(map[string]interface{})
			if !ok {
				child = make(map[string]interface{})
				m[p] = child
			}
			m = child
		}
		m[parts[len(parts)-1]] = value
	}
	return root
}
