package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/Dev-Stive/securadb/types"
)

// Checksum hashes the canonical (compact, key-sorted) JSON form of ds with
// meta.checksum blanked, so the stored checksum is never part of its own
// input. ds is restored before returning.
func Checksum(ds *types.Dataset) (string, error) {
	if ds.Meta != nil {
		saved := ds.Meta.Checksum
		ds.Meta.Checksum = ""
		defer func() { ds.Meta.Checksum = saved }()
	}
	data, err := json.Marshal(ds)
	if err != nil {
		return "", fmt.Errorf("failed to encode dataset: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// encode stamps meta and returns the indented file content.
func (s *Store) encode(ds *types.Dataset) ([]byte, error) {
	now := s.timeFunc().UTC()
	if ds.Meta == nil {
		ds.Meta = types.NewMeta(now)
	}
	ds.Meta.UpdatedAt = now
	ds.Meta.Stats.LastSaveBytes = s.lastSize
	ds.RefreshStats()

	sum, err := Checksum(ds)
	if err != nil {
		return nil, err
	}
	ds.Meta.Checksum = sum

	data, err := json.MarshalIndent(ds, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// saveLocked runs the atomic write protocol:
//
//  1. write <path>.tmp
//  2. re-read and re-parse the temp file
//  3. copy the current file to <path>.bak and to an emergency backup
//  4. rename temp over the main file
//  5. delete <path>.bak
//
// On failure the rollback copy taken in step 3 is put back before a
// WriteError is returned. Caller holds both locks.
func (s *Store) saveLocked(ds *types.Dataset, opts SaveOptions) error {
	data, err := s.encode(ds)
	if err != nil {
		return &types.WriteError{Path: s.path, Step: "encode", Underlying: err}
	}

	tmp, bak := s.tmpPath(), s.bakPath()
	bakWritten := false
	fail := func(step string, cause error) error {
		werr := &types.WriteError{Path: s.path, Step: step, Underlying: cause}
		if bakWritten {
			if err := copyFile(s.fs, bak, s.path); err != nil {
				s.logger.Error("failed to restore rollback copy", "path", bak, "error", err)
			} else {
				werr.Recovered = true
			}
		}
		if err := s.fs.Remove(tmp); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("failed to remove temp file", "path", tmp, "error", err)
		}
		s.logger.Error("dataset save failed", "path", s.path, "step", step, "reason", opts.Reason, "recovered", werr.Recovered, "error", cause)
		return werr
	}

	if err := s.fs.WriteFile(tmp, data, 0o644); err != nil {
		return fail("write temp", err)
	}

	written, err := s.fs.ReadFile(tmp)
	if err != nil {
		return fail("verify temp", err)
	}
	if _, err := parseDataset(written); err != nil {
		return fail("verify temp", err)
	}

	current, err := s.fs.ReadFile(s.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// first save, nothing to roll back to
	case err != nil:
		return fail("backup", err)
	default:
		if err := s.fs.WriteFile(bak, current, 0o644); err != nil {
			return fail("backup", err)
		}
		bakWritten = true
		if !opts.SkipEmergencyCopy {
			name := backupFilename(s.timeFunc(), "pre_save", shortID())
			dst := filepath.Join(s.backupDir, string(types.BackupEmergency), name)
			if err := s.fs.WriteFile(dst, current, 0o644); err != nil {
				return fail("emergency copy", err)
			}
		}
	}

	if err := s.fs.Rename(tmp, s.path); err != nil {
		return fail("rename", err)
	}

	if bakWritten {
		if err := s.fs.Remove(bak); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("failed to remove rollback copy", "path", bak, "error", err)
		}
	}

	s.lastSize = len(data)
	s.setSnapshot(ds)
	s.logger.Debug("dataset saved", "path", s.path, "reason", opts.Reason, "bytes", len(data), "checksum", ds.Meta.Checksum)
	return nil
}
