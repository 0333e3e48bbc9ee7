package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Dev-Stive/securadb/internal/config"
	"github.com/Dev-Stive/securadb/internal/logging"
	"github.com/Dev-Stive/securadb/securadb"
)

// cli holds the persistent flags shared by every command.
type cli struct {
	configFile string
	dataDir    string
	format     string
	verbose    bool
	quiet      bool
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	rootCmd := &cobra.Command{
		Use:          "securadb",
		Short:        "SecuraDB operator tool",
		Long:         "Inspect, repair, back up and synchronize a securadb data directory.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch c.format {
			case formatTable, formatJSON, formatYAML:
				return nil
			}
			return fmt.Errorf("unknown output format %q (want table, json or yaml)", c.format)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&c.configFile, "config", "c", "", "config file (default: $"+config.EnvConfigFile+" or securadb.yaml)")
	flags.StringVarP(&c.dataDir, "data-dir", "d", "", "data directory (overrides data_dir)")
	flags.StringVarP(&c.format, "format", "f", formatTable, "output format: table, json, yaml")
	flags.BoolVarP(&c.verbose, "verbose", "v", false, "debug logging")
	flags.BoolVarP(&c.quiet, "quiet", "q", false, "disable console logging")

	rootCmd.AddCommand(
		c.validateCmd(),
		c.repairCmd(),
		c.backupCmd(),
		c.restoreCmd(),
		c.exportCmd(),
		c.statsCmd(),
		c.maintenanceCmd(),
		c.syncCmd(),
		c.cacheCmd(),
		c.listCmd(),
		c.getCmd(),
		c.searchCmd(),
		c.importCmd(),
	)
	return rootCmd
}

// session is an open database plus the logger resources behind it.
type session struct {
	db     *securadb.DB
	cfg    config.Config
	logger *slog.Logger
	logs   io.Closer
}

// open loads the configuration and opens the database. Without
// shutdownBackup, closing the session leaves no backup behind so inspecting
// a directory does not grow it.
func (c *cli) open(cmd *cobra.Command, shutdownBackup bool) (*session, error) {
	overrides := map[string]interface{}{}
	if c.dataDir != "" {
		overrides["data_dir"] = c.dataDir
	}
	if c.verbose {
		overrides["log.level"] = "debug"
	}
	if c.quiet {
		overrides["log.quiet"] = true
	}
	cfg, err := config.Load(config.Options{File: c.configFile, Overrides: overrides})
	if err != nil {
		return nil, err
	}

	logger, logs, err := logging.New(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	if cfg.Source != "" {
		logger.Debug("config loaded", "file", cfg.Source)
	}

	dbCfg := cfg.Config
	// Commands run one-shot: background loops would outlive them.
	dbCfg.Maintenance.Disabled = true
	dbCfg.Sync.Disabled = true
	dbCfg.SkipShutdownBackup = dbCfg.SkipShutdownBackup || !shutdownBackup

	db, err := securadb.Open(cmd.Context(), dbCfg, securadb.WithLogger(logger))
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &session{db: db, cfg: cfg, logger: logger, logs: logs}, nil
}

func (s *session) close(ctx context.Context) error {
	return errors.Join(s.db.Close(context.WithoutCancel(ctx)), s.logs.Close())
}

// run opens a session, hands it to fn and always closes it.
func (c *cli) run(cmd *cobra.Command, shutdownBackup bool, fn func(ctx context.Context, s *session) error) (err error) {
	s, err := c.open(cmd, shutdownBackup)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.close(cmd.Context()); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(cmd.Context(), s)
}
