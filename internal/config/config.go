// Package config loads securadb configuration with viper.
//
// Sources, highest precedence first: explicit overrides (command-line
// flags), SECURA_* environment variables, the config file, defaults. The
// file is SECURA_CONFIG when set, otherwise securadb.{yaml,json,toml} in
// ".", "$HOME/.securadb" or "/etc/securadb".
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/Dev-Stive/securadb/internal/logging"
	"github.com/Dev-Stive/securadb/securadb"
	"github.com/Dev-Stive/securadb/securadb/cache"
	"github.com/Dev-Stive/securadb/securadb/storage"
	"github.com/Dev-Stive/securadb/securadb/syncer"
	"github.com/Dev-Stive/securadb/securadb/txn"
	"github.com/Dev-Stive/securadb/types"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "SECURA"

// EnvConfigFile names an explicit config file.
const EnvConfigFile = EnvPrefix + "_CONFIG"

// Config is the decoded configuration.
type Config struct {
	securadb.Config `mapstructure:",squash"`
	Log             logging.Config `mapstructure:"log"`
	// Source is the config file that was read, if any.
	Source string `mapstructure:"-"`
}

// Options controls Load.
type Options struct {
	// File overrides SECURA_CONFIG and the search paths.
	File string
	// Overrides are applied on top of every other source, keyed by the
	// dotted config key (e.g. "sync.strategy").
	Overrides map[string]interface{}
}

// Defaults lists every key with its default value. Keys must be known to
// viper for environment variables to reach Unmarshal.
func Defaults() map[string]interface{} {
	return map[string]interface{}{
		"data_dir":             "data",
		"filename":             securadb.DefaultFilename,
		"backup_dir":           "",
		"retention_days":       securadb.DefaultRetentionDays,
		"snapshot_ttl":         "0s",
		"file_lock_timeout":    storage.DefaultLockTimeout.String(),
		"watch":                false,
		"skip_shutdown_backup": false,
		"collections":          []string{},
		"audit_size":           1000,

		"transaction.max_retries":  txn.DefaultMaxRetries,
		"transaction.timeout":      txn.DefaultTimeout.String(),
		"transaction.lock_timeout": txn.DefaultLockTimeout.String(),
		"transaction.retry_base":   txn.DefaultRetryBase.String(),

		"cache.redis_url":      "",
		"cache.env":            "development",
		"cache.default_ttl":    cache.DefaultTTL.String(),
		"cache.sweep_interval": cache.DefaultSweepInterval.String(),
		"cache.ping_timeout":   cache.DefaultPingTimeout.String(),

		"remote.driver": "",
		"remote.dsn":    "",

		"sync.strategy":        string(types.StrategyTimestamp),
		"sync.batch_size":      syncer.DefaultBatchSize,
		"sync.max_pending":     syncer.DefaultMaxPending,
		"sync.interval":        syncer.DefaultInterval.String(),
		"sync.grace_period":    syncer.DefaultGracePeriod.String(),
		"sync.ping_timeout":    syncer.DefaultPingTimeout.String(),
		"sync.max_conflicts":   syncer.DefaultMaxConflicts,
		"sync.max_log_entries": syncer.DefaultMaxLogEntries,
		"sync.outbox_path":     "",
		"sync.disabled":        false,

		"maintenance.cleanup_interval":    securadb.DefaultCleanupInterval.String(),
		"maintenance.validation_interval": securadb.DefaultValidationInterval.String(),
		"maintenance.health_interval":     securadb.DefaultHealthInterval.String(),
		"maintenance.disabled":            false,

		"log.level":        "info",
		"log.format":       "console",
		"log.quiet":        false,
		"log.no_color":     false,
		"log.file":         "",
		"log.max_size_mb":  logging.DefaultMaxSizeMB,
		"log.max_backups":  logging.DefaultMaxBackups,
		"log.max_age_days": logging.DefaultMaxAgeDays,
	}
}

// New returns a viper instance with defaults, env binding and config file
// discovery set up, but nothing read yet.
func New(opts Options) *viper.Viper {
	v := viper.New()
	for key, value := range Defaults() {
		v.SetDefault(key, value)
	}

	switch {
	case opts.File != "":
		v.SetConfigFile(opts.File)
	case os.Getenv(EnvConfigFile) != "":
		v.SetConfigFile(os.Getenv(EnvConfigFile))
	default:
		v.SetConfigName("securadb")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.securadb")
		v.AddConfigPath("/etc/securadb")
	}

	v.SetEnvPrefix(EnvPrefix)
	// sync.batch_size -> SECURA_SYNC_BATCH_SIZE
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads and decodes the configuration. A missing config file is not
// an error unless it was named explicitly.
func Load(opts Options) (Config, error) {
	v := New(opts)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}
	for key, value := range opts.Overrides {
		v.Set(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Source = v.ConfigFileUsed()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values Open would refuse or misinterpret.
func (c Config) Validate() error {
	if c.Sync.Strategy != "" && !c.Sync.Strategy.Valid() {
		return &types.ValidationError{Field: "sync.strategy", Value: c.Sync.Strategy, Message: "unknown conflict resolution strategy"}
	}
	if c.Sync.BatchSize < 0 || c.Sync.MaxPending < 0 {
		return &types.ValidationError{Field: "sync", Message: "batch_size and max_pending must not be negative"}
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return &types.ValidationError{Field: "log.level", Value: c.Log.Level, Underlying: err}
	}
	return nil
}
