package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dev-Stive/securadb/securadb"
	"github.com/Dev-Stive/securadb/securadb/cache"
	"github.com/Dev-Stive/securadb/securadb/storage"
	"github.com/Dev-Stive/securadb/securadb/syncer"
	"github.com/Dev-Stive/securadb/types"
)

// errIntegrity makes validate exit non-zero after printing the report.
var errIntegrity = errors.New("dataset integrity check failed")

func printIntegrity(tw *tabwriter.Writer, report storage.IntegrityReport) {
	fmt.Fprintf(tw, "VALID\t%v\n", report.Valid)
	fmt.Fprintf(tw, "CHECKED\t%s\n", formatTime(&report.CheckedAt))
	if len(report.Errors)+len(report.Warnings) == 0 {
		return
	}
	fmt.Fprintln(tw, "\nSEVERITY\tKIND\tCOLLECTION\tID\tFIXABLE\tMESSAGE")
	for _, i := range report.Errors {
		fmt.Fprintf(tw, "error\t%s\t%s\t%s\t%v\t%s\n", i.Kind, i.Collection, i.ID, i.Fixable, i.Message)
	}
	for _, i := range report.Warnings {
		fmt.Fprintf(tw, "warning\t%s\t%s\t%s\t%v\t%s\n", i.Kind, i.Collection, i.ID, i.Fixable, i.Message)
	}
}

func (c *cli) validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the dataset file for structural and checksum problems",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, false, func(ctx context.Context, s *session) error {
				report, err := s.db.Store().ValidateIntegrity(ctx)
				if err != nil {
					return err
				}
				if err := render(cmd.OutOrStdout(), c.format, report, func(tw *tabwriter.Writer) {
					printIntegrity(tw, report)
				}); err != nil {
					return err
				}
				if !report.Valid {
					return errIntegrity
				}
				return nil
			})
		},
	}
}

type repairView struct {
	Before   storage.IntegrityReport `json:"before"`
	Repaired bool                    `json:"repaired"`
	After    storage.IntegrityReport `json:"after"`
}

func (c *cli) repairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Validate the dataset and apply the fixes the report allows",
		Long:  "Runs validate, takes a pre_repair backup and repairs every fixable issue. Unfixable structural errors are left alone.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, false, func(ctx context.Context, s *session) error {
				store := s.db.Store()
				before, err := store.ValidateIntegrity(ctx)
				if err != nil {
					return err
				}
				repaired, err := store.AttemptAutoRepair(ctx, before)
				if err != nil {
					return err
				}
				after := before
				if repaired {
					if after, err = store.ValidateIntegrity(ctx); err != nil {
						return err
					}
				}
				view := repairView{Before: before, Repaired: repaired, After: after}
				return render(cmd.OutOrStdout(), c.format, view, func(tw *tabwriter.Writer) {
					fmt.Fprintf(tw, "ISSUES BEFORE\t%d\n", len(before.Errors)+len(before.Warnings))
					fmt.Fprintf(tw, "REPAIRED\t%v\n", repaired)
					fmt.Fprintf(tw, "ISSUES AFTER\t%d\n", len(after.Errors)+len(after.Warnings))
					fmt.Fprintf(tw, "VALID\t%v\n", after.Valid)
				})
			})
		},
	}
}

func printBackups(tw *tabwriter.Writer, backups []types.BackupInfo) {
	fmt.Fprintln(tw, "CREATED\tTYPE\tREASON\tSIZE\tFILE")
	for _, b := range backups {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", formatTime(&b.CreatedAt), b.Type, b.Reason, formatBytes(b.Size), b.Filename)
	}
}

func (c *cli) backupCmd() *cobra.Command {
	backupCmd := &cobra.Command{
		Use:   "backup",
		Short: "Create and list backups",
	}

	var typ string
	createCmd := &cobra.Command{
		Use:   "create [reason]",
		Short: "Copy the dataset into the backup directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason := "manual"
			if len(args) == 1 {
				reason = args[0]
			}
			backupType := types.BackupType(typ)
			if !validBackupType(backupType) {
				return fmt.Errorf("unknown backup type %q", typ)
			}
			return c.run(cmd, false, func(ctx context.Context, s *session) error {
				info, err := s.db.Store().CreateBackup(ctx, reason, storage.BackupOptions{Type: backupType})
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), c.format, info, func(tw *tabwriter.Writer) {
					printBackups(tw, []types.BackupInfo{info})
				})
			})
		},
	}
	createCmd.Flags().StringVarP(&typ, "type", "t", string(types.BackupManual), "backup type: manual, auto, emergency")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List backups, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, false, func(ctx context.Context, s *session) error {
				backups, err := s.db.Store().ListBackups()
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), c.format, backups, func(tw *tabwriter.Writer) {
					printBackups(tw, backups)
				})
			})
		},
	}

	backupCmd.AddCommand(createCmd, listCmd)
	return backupCmd
}

func validBackupType(t types.BackupType) bool {
	for _, known := range types.BackupTypes {
		if t == known {
			return true
		}
	}
	return false
}

func (c *cli) restoreCmd() *cobra.Command {
	var skipChecksum bool
	cmd := &cobra.Command{
		Use:   "restore [backup-file]",
		Short: "Replace the dataset with a backup",
		Long:  "Verifies the backup checksum, saves a pre_restore backup of the current dataset and writes the backup in its place. Without an argument the newest verifiable backup is used.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			if len(args) == 1 {
				path = args[0]
			}
			return c.run(cmd, false, func(ctx context.Context, s *session) error {
				ds, err := s.db.Store().RestoreFromBackup(ctx, path, storage.RestoreOptions{SkipChecksum: skipChecksum})
				if err != nil {
					return err
				}
				s.db.Cache().ClearAll(ctx)
				view := newStatsView(s.db, ds)
				return render(cmd.OutOrStdout(), c.format, view, func(tw *tabwriter.Writer) {
					fmt.Fprintf(tw, "RESTORED\t%s\n", view.Path)
					printCollections(tw, view.Collections)
				})
			})
		},
	}
	cmd.Flags().BoolVar(&skipChecksum, "skip-checksum", false, "restore even when the backup checksum does not verify")
	return cmd
}

func (c *cli) exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <archive.zip|->",
		Short: "Write a zip archive of the dataset and every backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, false, func(ctx context.Context, s *session) (err error) {
				if args[0] == "-" {
					return s.db.Store().ExportArchive(ctx, cmd.OutOrStdout())
				}
				f, err := os.Create(args[0])
				if err != nil {
					return fmt.Errorf("failed to create archive: %w", err)
				}
				defer func() {
					if cerr := f.Close(); cerr != nil && err == nil {
						err = cerr
					}
				}()
				if err := s.db.Store().ExportArchive(ctx, f); err != nil {
					return err
				}
				s.logger.Info("archive exported", "file", args[0])
				return nil
			})
		},
	}
}

// statsView is the dataset summary printed by stats and restore.
type statsView struct {
	Path           string             `json:"path"`
	Version        string             `json:"version"`
	Collections    map[string]int     `json:"collections"`
	TotalDocuments int                `json:"totalDocuments"`
	LastSaveBytes  int                `json:"lastSaveBytes"`
	UpdatedAt      time.Time          `json:"updatedAt"`
	Sync           syncer.Status      `json:"sync"`
	Cache          cache.Stats        `json:"cache"`
	Maintenance    *types.Maintenance `json:"maintenance,omitempty"`
}

func newStatsView(db *securadb.DB, ds *types.Dataset) statsView {
	view := statsView{
		Path:        db.Store().Path(),
		Collections: map[string]int{},
		Sync:        db.Sync().Status(),
		Cache:       db.Cache().Stats(),
		Maintenance: ds.Maintenance,
	}
	for name, docs := range ds.Collections {
		view.Collections[name] = len(docs)
		view.TotalDocuments += len(docs)
	}
	if ds.Meta != nil {
		view.Version = ds.Meta.Version
		view.LastSaveBytes = ds.Meta.Stats.LastSaveBytes
		view.UpdatedAt = ds.Meta.UpdatedAt
	}
	return view
}

func printCollections(tw *tabwriter.Writer, counts map[string]int) {
	fmt.Fprintln(tw, "\nCOLLECTION\tDOCUMENTS")
	for _, name := range sortedKeys(counts) {
		fmt.Fprintf(tw, "%s\t%d\n", name, counts[name])
	}
}

func (c *cli) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show dataset, sync and maintenance statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, false, func(ctx context.Context, s *session) error {
				ds, err := s.db.Store().Load(ctx, storage.LoadOptions{UseCache: true})
				if err != nil {
					return err
				}
				view := newStatsView(s.db, ds)
				return render(cmd.OutOrStdout(), c.format, view, func(tw *tabwriter.Writer) {
					fmt.Fprintf(tw, "PATH\t%s\n", view.Path)
					fmt.Fprintf(tw, "VERSION\t%s\n", view.Version)
					fmt.Fprintf(tw, "DOCUMENTS\t%d\n", view.TotalDocuments)
					fmt.Fprintf(tw, "SIZE\t%s\n", formatBytes(int64(view.LastSaveBytes)))
					fmt.Fprintf(tw, "UPDATED\t%s\n", formatTime(&view.UpdatedAt))
					fmt.Fprintf(tw, "REMOTE\t%s\n", view.Sync.Remote)
					fmt.Fprintf(tw, "STRATEGY\t%s\n", view.Sync.Strategy)
					fmt.Fprintf(tw, "PENDING SYNCS\t%d\n", view.Sync.Pending)
					if m := view.Maintenance; m != nil {
						fmt.Fprintf(tw, "LAST CLEANUP\t%s\n", formatTime(m.LastCleanup))
						fmt.Fprintf(tw, "LAST VALIDATION\t%s\n", formatTime(m.LastValidation))
						fmt.Fprintf(tw, "ISSUES\t%s\n", joinOrDash(m.Issues))
					}
					printCollections(tw, view.Collections)
				})
			})
		},
	}
}

func (c *cli) maintenanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "maintenance",
		Short: "Run backup retention, integrity validation and the cache health check once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, false, func(ctx context.Context, s *session) error {
				report, err := s.db.RunMaintenance(ctx)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), c.format, report, func(tw *tabwriter.Writer) {
					fmt.Fprintf(tw, "REMOVED BACKUPS\t%d\n", len(report.RemovedBackups))
					if report.Integrity != nil {
						fmt.Fprintf(tw, "INTEGRITY VALID\t%v\n", report.Integrity.Valid)
					}
					if report.Cache != nil {
						fmt.Fprintf(tw, "CACHE\t%s healthy=%v\n", report.Cache.Backend, report.Cache.Healthy)
					}
					fmt.Fprintf(tw, "ERRORS\t%s\n", joinOrDash(report.Errors))
				})
			})
		},
	}
}
