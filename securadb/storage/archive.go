package storage

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/Dev-Stive/securadb/types"
)

// ArchiveManifest is written as manifest.json inside an export archive.
type ArchiveManifest struct {
	ExportedAt time.Time          `json:"exportedAt"`
	Dataset    string             `json:"dataset"`
	Checksum   string             `json:"checksum"`
	Backups    []types.BackupInfo `json:"backups"`
}

// ExportArchive writes a zip holding the current dataset, every backup
// and a manifest to w.
func (s *Store) ExportArchive(ctx context.Context, w io.Writer) error {
	var data []byte
	err := s.locks.Execute(ReadOperation, func() error {
		if s.closed {
			return &types.StorageNotInitializedError{Component: "document store"}
		}
		unlock, err := s.acquireFileLock(ctx)
		if err != nil {
			return err
		}
		defer unlock()

		data, err = s.fs.ReadFile(s.path)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to read dataset: %w", err)
	}

	backups, err := s.listBackups()
	if err != nil {
		return err
	}

	now := s.timeFunc().UTC()
	manifest := ArchiveManifest{
		ExportedAt: now,
		Dataset:    "dataset.json",
		Checksum:   s.storedChecksum(s.path),
		Backups:    backups,
	}

	zipWriter := zip.NewWriter(w)
	if err := addToZip(zipWriter, manifest.Dataset, now, data); err != nil {
		return err
	}
	for i := range backups {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		content, err := s.fs.ReadFile(backups[i].Path)
		if err != nil {
			s.logger.Warn("backup vanished during export", "path", backups[i].Path, "error", err)
			continue
		}
		name := path.Join("backups", string(backups[i].Type), backups[i].Filename)
		if err := addToZip(zipWriter, name, backups[i].CreatedAt, content); err != nil {
			return err
		}
		// Paths inside the archive are relative.
		backups[i].Path = name
	}

	manifestData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := addToZip(zipWriter, "manifest.json", now, manifestData); err != nil {
		return err
	}
	return zipWriter.Close()
}

func addToZip(zipWriter *zip.Writer, name string, modified time.Time, content []byte) error {
	header := &zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: modified,
	}
	writer, err := zipWriter.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("failed to create %s in zip: %w", name, err)
	}
	if _, err := writer.Write(content); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}
