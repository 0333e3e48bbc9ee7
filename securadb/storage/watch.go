package storage

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch invalidates the snapshot when the dataset file is changed by
// something other than this store. It blocks until ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	// Watch the directory: renames replace the file's inode on every save.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(s.path), err)
	}
	target := filepath.Clean(s.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			s.invalidateIfChanged()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("dataset watcher error", "error", err)
		}
	}
}

// invalidateIfChanged drops the snapshot when the file's checksum no
// longer matches it. Our own saves leave them equal.
func (s *Store) invalidateIfChanged() {
	onDisk := s.storedChecksum(s.path)
	_ = s.locks.Execute(WriteOperation, func() error {
		if s.snapshot == nil || s.snapshot.Meta == nil {
			return nil
		}
		if onDisk != s.snapshot.Meta.Checksum {
			s.logger.Info("dataset changed externally, snapshot dropped", "path", s.path)
			s.snapshot = nil
		}
		return nil
	})
}
