package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Dev-Stive/securadb/types"
)

const (
	backupPrefix     = "secura-backup-"
	backupSuffix     = ".json"
	backupTimeLayout = "2006-01-02_15-04-05"
)

// BackupOptions controls CreateBackup.
type BackupOptions struct {
	// Type selects the backup directory; defaults to manual.
	Type types.BackupType
}

// RestoreOptions controls RestoreFromBackup.
type RestoreOptions struct {
	// SkipChecksum restores a backup whose checksum does not verify.
	SkipChecksum bool
}

var unsafeReason = regexp.MustCompile(`[^A-Za-z0-9_]+`)

func sanitizeReason(reason string) string {
	reason = strings.Trim(unsafeReason.ReplaceAllString(reason, "_"), "_")
	if reason == "" {
		return "manual"
	}
	return reason
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// backupFilename renders secura-backup-<YYYY-MM-DD_HH-mm-ss>-<reason>-<shortId>.json.
func backupFilename(at time.Time, reason, id string) string {
	return backupPrefix + at.UTC().Format(backupTimeLayout) + "-" + sanitizeReason(reason) + "-" + id + backupSuffix
}

// parseBackupFilename extracts creation time and reason from a backup name.
func parseBackupFilename(name string) (created time.Time, reason string, ok bool) {
	if !strings.HasPrefix(name, backupPrefix) || !strings.HasSuffix(name, backupSuffix) {
		return time.Time{}, "", false
	}
	rest := strings.TrimSuffix(strings.TrimPrefix(name, backupPrefix), backupSuffix)
	if len(rest) < len(backupTimeLayout)+2 {
		return time.Time{}, "", false
	}
	created, err := time.Parse(backupTimeLayout, rest[:len(backupTimeLayout)])
	if err != nil {
		return time.Time{}, "", false
	}
	rest = strings.TrimPrefix(rest[len(backupTimeLayout):], "-")
	if i := strings.LastIndex(rest, "-"); i >= 0 {
		rest = rest[:i]
	}
	return created, rest, true
}

// CreateBackup copies the current dataset file into the backup tree.
func (s *Store) CreateBackup(ctx context.Context, reason string, opts BackupOptions) (types.BackupInfo, error) {
	var info types.BackupInfo
	err := s.locks.Execute(WriteOperation, func() error {
		if s.closed {
			return &types.StorageNotInitializedError{Component: "document store"}
		}
		unlock, err := s.acquireFileLock(ctx)
		if err != nil {
			return err
		}
		defer unlock()

		info, err = s.createBackupLocked(reason, opts.Type)
		return err
	})
	return info, err
}

func (s *Store) createBackupLocked(reason string, typ types.BackupType) (types.BackupInfo, error) {
	if typ == "" {
		typ = types.BackupManual
	}
	data, err := s.fs.ReadFile(s.path)
	if err != nil {
		return types.BackupInfo{}, fmt.Errorf("failed to read dataset for backup: %w", err)
	}
	ds, err := parseDataset(data)
	if err != nil {
		return types.BackupInfo{}, &types.ReadError{Path: s.path, Underlying: err}
	}

	now := s.timeFunc()
	name := backupFilename(now, reason, shortID())
	path := filepath.Join(s.backupDir, string(typ), name)
	if err := s.fs.WriteFile(path, data, 0o644); err != nil {
		return types.BackupInfo{}, &types.WriteError{Path: path, Step: "backup", Underlying: err}
	}

	info := types.BackupInfo{
		Filename:  name,
		Path:      path,
		Size:      int64(len(data)),
		Type:      typ,
		Reason:    sanitizeReason(reason),
		CreatedAt: now.UTC().Truncate(time.Second),
	}
	if ds.Meta != nil {
		info.Checksum = ds.Meta.Checksum
	}
	s.logger.Info("backup created", "path", path, "type", typ, "reason", info.Reason, "bytes", info.Size)
	return info, nil
}

// ListBackups returns every backup, newest first.
func (s *Store) ListBackups() ([]types.BackupInfo, error) {
	return s.listBackups()
}

func (s *Store) listBackups() ([]types.BackupInfo, error) {
	var backups []types.BackupInfo
	for _, typ := range types.BackupTypes {
		dir := filepath.Join(s.backupDir, string(typ))
		entries, err := s.fs.ReadDir(dir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read backup directory %s: %w", dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			created, reason, ok := parseBackupFilename(entry.Name())
			if !ok {
				continue
			}
			info := types.BackupInfo{
				Filename:  entry.Name(),
				Path:      filepath.Join(dir, entry.Name()),
				Type:      typ,
				Reason:    reason,
				CreatedAt: created,
			}
			if fi, err := entry.Info(); err == nil {
				info.Size = fi.Size()
			}
			info.Checksum = s.storedChecksum(info.Path)
			backups = append(backups, info)
		}
	}
	sort.SliceStable(backups, func(i, j int) bool {
		if !backups[i].CreatedAt.Equal(backups[j].CreatedAt) {
			return backups[i].CreatedAt.After(backups[j].CreatedAt)
		}
		return backups[i].Filename > backups[j].Filename
	})
	return backups, nil
}

// storedChecksum reads meta.checksum without decoding collections.
func (s *Store) storedChecksum(path string) string {
	data, err := s.fs.ReadFile(path)
	if err != nil {
		return ""
	}
	var head struct {
		Meta struct {
			Checksum string `json:"checksum"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return ""
	}
	return head.Meta.Checksum
}

// readBackup parses a backup and verifies its embedded checksum.
func (s *Store) readBackup(path string, skipChecksum bool) (*types.Dataset, error) {
	data, err := s.fs.ReadFile(path)
	if err != nil {
		return nil, &types.ReadError{Path: path, Underlying: err}
	}
	ds, err := parseDataset(data)
	if err != nil {
		return nil, &types.ReadError{Path: path, Underlying: err}
	}
	if skipChecksum {
		return ds, nil
	}
	expected := ""
	if ds.Meta != nil {
		expected = ds.Meta.Checksum
	}
	actual, err := Checksum(ds)
	if err != nil {
		return nil, err
	}
	if expected != actual {
		return nil, &types.BackupChecksumError{Path: path, Expected: expected, Actual: actual}
	}
	return ds, nil
}

// RestoreFromBackup replaces the dataset with a backup. An empty path
// selects the most recent backup that verifies. The current file is saved
// as a pre_restore backup first.
func (s *Store) RestoreFromBackup(ctx context.Context, path string, opts RestoreOptions) (*types.Dataset, error) {
	var ds *types.Dataset
	if path == "" {
		backups, err := s.listBackups()
		if err != nil {
			return nil, err
		}
		for _, b := range backups {
			candidate, err := s.readBackup(b.Path, opts.SkipChecksum)
			if err != nil {
				s.logger.Warn("skipping backup", "path", b.Path, "error", err)
				continue
			}
			ds, path = candidate, b.Path
			break
		}
		if ds == nil {
			return nil, &types.NotFoundError{Collection: "backups", Criteria: "a verifiable backup"}
		}
	} else {
		var err error
		if ds, err = s.readBackup(path, opts.SkipChecksum); err != nil {
			return nil, err
		}
	}

	if _, err := s.CreateBackup(ctx, "pre_restore", BackupOptions{Type: types.BackupAuto}); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("pre_restore backup failed: %w", err)
	}

	ds, _ = s.MigrateStructure(ds)
	if err := s.Save(ctx, ds, SaveOptions{Reason: "restore", SkipEmergencyCopy: true}); err != nil {
		return nil, err
	}
	s.logger.Info("dataset restored", "from", path)
	return ds.Clone(), nil
}

// CleanupBackups deletes backups older than the retention period across
// every backup type. Age comes from the filename timestamp, or the file
// modification time when the name carries none.
func (s *Store) CleanupBackups(ctx context.Context) ([]string, error) {
	if s.retentionDays <= 0 {
		return nil, nil
	}
	cutoff := s.timeFunc().Add(-time.Duration(s.retentionDays) * 24 * time.Hour)

	var removed []string
	var errs []error
	for _, typ := range types.BackupTypes {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		dir := filepath.Join(s.backupDir, string(typ))
		entries, err := s.fs.ReadDir(dir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), backupSuffix) {
				continue
			}
			created, _, ok := parseBackupFilename(entry.Name())
			if !ok {
				fi, err := entry.Info()
				if err != nil {
					continue
				}
				created = fi.ModTime()
			}
			if !created.Before(cutoff) {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			if err := s.fs.Remove(path); err != nil {
				errs = append(errs, err)
				continue
			}
			removed = append(removed, path)
		}
	}
	if len(removed) > 0 {
		s.logger.Info("old backups removed", "count", len(removed), "retentionDays", s.retentionDays)
	}
	return removed, errors.Join(errs...)
}
