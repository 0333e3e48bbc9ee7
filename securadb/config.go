package securadb

import (
	"path/filepath"
	"time"

	"github.com/Dev-Stive/securadb/securadb/cache"
	"github.com/Dev-Stive/securadb/securadb/remote"
	"github.com/Dev-Stive/securadb/securadb/syncer"
	"github.com/Dev-Stive/securadb/types"
)

// DefaultFilename is the dataset file created inside DataDir.
const DefaultFilename = "secura-db.json"

// Config is the whole engine configuration. Zero values select defaults.
type Config struct {
	DataDir       string        `mapstructure:"data_dir"`
	Filename      string        `mapstructure:"filename"`
	BackupDir     string        `mapstructure:"backup_dir"`
	RetentionDays int           `mapstructure:"retention_days"`
	SnapshotTTL   time.Duration `mapstructure:"snapshot_ttl"`
	// FileLockTimeout bounds cross-process file lock acquisition.
	FileLockTimeout time.Duration `mapstructure:"file_lock_timeout"`
	// Watch invalidates the snapshot when another process edits the file.
	Watch bool `mapstructure:"watch"`
	// SkipShutdownBackup stops Close from taking the "shutdown" backup.
	SkipShutdownBackup bool `mapstructure:"skip_shutdown_backup"`

	Collections []string                 `mapstructure:"collections"`
	Schemas     []types.CollectionSchema `mapstructure:"schemas"`

	Transaction TransactionConfig `mapstructure:"transaction"`
	Cache       cache.Config      `mapstructure:"cache"`
	Remote      remote.Config     `mapstructure:"remote"`
	Sync        SyncConfig        `mapstructure:"sync"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	AuditSize   int               `mapstructure:"audit_size"`
}

// TransactionConfig sets the defaults of every transaction.
type TransactionConfig struct {
	MaxRetries  int           `mapstructure:"max_retries"`
	Timeout     time.Duration `mapstructure:"timeout"`
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
	RetryBase   time.Duration `mapstructure:"retry_base"`
}

// SyncConfig embeds the engine settings plus the bootstrap switches.
type SyncConfig struct {
	syncer.Config `mapstructure:",squash"`
	// Disabled keeps the drain loop from starting and stops commits from
	// being queued.
	Disabled bool `mapstructure:"disabled"`
}

// MaintenanceConfig sets the periods of the housekeeping ticks. A
// negative period disables that task.
type MaintenanceConfig struct {
	CleanupInterval    time.Duration `mapstructure:"cleanup_interval"`
	ValidationInterval time.Duration `mapstructure:"validation_interval"`
	HealthInterval     time.Duration `mapstructure:"health_interval"`
	Disabled           bool          `mapstructure:"disabled"`
}

// Defaults applied by Open.
const (
	DefaultRetentionDays      = 7
	DefaultCleanupInterval    = time.Hour
	DefaultValidationInterval = 6 * time.Hour
	DefaultHealthInterval     = 5 * time.Minute
)

// DefaultConfig returns the configuration Open uses for zero fields.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Filename == "" {
		c.Filename = DefaultFilename
	}
	if c.BackupDir == "" {
		c.BackupDir = filepath.Join(c.DataDir, "backups")
	}
	if c.RetentionDays == 0 {
		c.RetentionDays = DefaultRetentionDays
	}
	if c.Sync.OutboxPath == "" {
		c.Sync.OutboxPath = filepath.Join(c.DataDir, syncer.OutboxFilename)
	}
	if c.Maintenance.CleanupInterval == 0 {
		c.Maintenance.CleanupInterval = DefaultCleanupInterval
	}
	if c.Maintenance.ValidationInterval == 0 {
		c.Maintenance.ValidationInterval = DefaultValidationInterval
	}
	if c.Maintenance.HealthInterval == 0 {
		c.Maintenance.HealthInterval = DefaultHealthInterval
	}
	return c
}

// Path returns the dataset file path.
func (c Config) Path() string {
	c = c.withDefaults()
	return filepath.Join(c.DataDir, c.Filename)
}
