// Package config loads the vmimage demonstration CLI's configuration
// from flags, environment variables, and an optional config file, with
// that precedence order (highest to lowest). The library packages
// (imagestore, registryclient, ext4, rtnetlink, ...) never depend on
// this package directly — it exists purely to give cmd/vmimage a
// concrete home for its registry/store/retry/logging knobs.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"vmimage/internal/registryclient"
	"vmimage/internal/vlog"
)

// Supported log levels and formats, mirroring internal/vlog.Level/Format.
const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"

	LogFormatText = "text"
	LogFormatJSON = "json"
)

// Config is the resolved configuration for cmd/vmimage.
type Config struct {
	// LogLevel/LogFormat configure internal/vlog.
	LogLevel  string `mapstructure:"log-level" json:"logLevel"`
	LogFormat string `mapstructure:"log-format" json:"logFormat"`

	// StoreRoot is the directory backing the content store, reference
	// index, and staging area (internal/imagestore).
	StoreRoot string `mapstructure:"store-root" json:"storeRoot"`

	// RegistryInsecure skips TLS certificate verification for registry
	// connections, for self-signed test registries. It does not switch
	// the client to plain HTTP.
	RegistryInsecure bool `mapstructure:"registry-insecure" json:"registryInsecure"`

	// RetryMaxAttempts/RetryBaseDelayMS configure registryclient.RetryPolicy.
	RetryMaxAttempts int `mapstructure:"retry-max-attempts" json:"retryMaxAttempts"`
	RetryBaseDelayMS int `mapstructure:"retry-base-delay-ms" json:"retryBaseDelayMs"`

	// ConfigFile is the resolved path to the config file used, if any.
	ConfigFile string `mapstructure:"-" json:"-"`
}

// Default returns a Config with sensible default values, matching
// registryclient.DefaultRetryPolicy.
func Default() *Config {
	return &Config{
		LogLevel:         LogLevelInfo,
		LogFormat:        LogFormatText,
		StoreRoot:        defaultStoreRoot(),
		RegistryInsecure: false,
		RetryMaxAttempts: registryclient.DefaultRetryPolicy.MaxAttempts,
		RetryBaseDelayMS: int(registryclient.DefaultRetryPolicy.BaseDelay / time.Millisecond),
	}
}

func defaultStoreRoot() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".vmimage", "store")
	}
	return ".vmimage-store"
}

// Validate checks that all config values are usable.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
	default:
		return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", c.LogLevel)
	}

	switch c.LogFormat {
	case LogFormatText, LogFormatJSON:
	default:
		return fmt.Errorf("invalid log format %q: must be one of text, json", c.LogFormat)
	}

	if c.StoreRoot == "" {
		return fmt.Errorf("store-root must not be empty")
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("retry-max-attempts must be at least 1, got %d", c.RetryMaxAttempts)
	}
	if c.RetryBaseDelayMS < 0 {
		return fmt.Errorf("retry-base-delay-ms must not be negative, got %d", c.RetryBaseDelayMS)
	}
	return nil
}

// LogLevelValue and LogFormatValue adapt the string config fields to
// internal/vlog's typed constants.
func (c *Config) LogLevelValue() vlog.Level   { return vlog.Level(c.LogLevel) }
func (c *Config) LogFormatValue() vlog.Format { return vlog.Format(c.LogFormat) }

// RetryPolicy adapts the millisecond config field to
// registryclient.RetryPolicy's time.Duration field.
func (c *Config) RetryPolicy() registryclient.RetryPolicy {
	return registryclient.RetryPolicy{
		MaxAttempts: c.RetryMaxAttempts,
		BaseDelay:   time.Duration(c.RetryBaseDelayMS) * time.Millisecond,
	}
}

// Load initializes configuration from flags, environment variables
// (VMIMAGE_ prefix), and an optional config file. A fresh viper instance
// is used on every call so Load is safe for concurrent tests.
func Load(cmd *cobra.Command, configFile string) (*Config, error) {
	v := viper.New()

	setDefaults(v)
	configureEnv(v)

	if err := configureFile(v, configFile); err != nil {
		return nil, err
	}

	if err := bindFlags(v, cmd); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.ConfigFile = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("log-level", d.LogLevel)
	v.SetDefault("log-format", d.LogFormat)
	v.SetDefault("store-root", d.StoreRoot)
	v.SetDefault("registry-insecure", d.RegistryInsecure)
	v.SetDefault("retry-max-attempts", d.RetryMaxAttempts)
	v.SetDefault("retry-base-delay-ms", d.RetryBaseDelayMS)
}

func configureEnv(v *viper.Viper) {
	v.SetEnvPrefix("VMIMAGE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
}

func configureFile(v *viper.Viper, configFile string) error {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file %q: %w", configFile, err)
		}
		return nil
	}

	v.SetConfigName("vmimage")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "vmimage"))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

// bindFlags walks from cmd up to the root and binds all persistent flags,
// so a flag set on any parent command (e.g. a global --store-root) takes
// effect on every subcommand.
func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	if cmd == nil {
		return nil
	}
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("binding flags: %w", err)
	}
	for c := cmd; c != nil; c = c.Parent() {
		if err := v.BindPFlags(c.PersistentFlags()); err != nil {
			return fmt.Errorf("binding persistent flags: %w", err)
		}
	}
	return nil
}

type ctxKey struct{}

// NewContext returns a child context carrying cfg.
func NewContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, ctxKey{}, cfg)
}

// FromContext extracts a Config from ctx, falling back to Default().
func FromContext(ctx context.Context) *Config {
	if cfg, ok := ctx.Value(ctxKey{}).(*Config); ok {
		return cfg
	}
	return Default()
}
