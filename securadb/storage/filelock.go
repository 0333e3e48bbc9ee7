package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/flock"
)

// FileLock is a cross-process advisory lock on the dataset file.
type FileLock interface {
	// TryLockContext attempts to acquire an exclusive lock with retries
	TryLockContext(ctx context.Context, retryInterval time.Duration) (bool, error)
	Unlock() error
}

// FileLockFactory creates FileLock instances
type FileLockFactory interface {
	New(path string) FileLock
}

// FlockFactory is the default factory, backed by github.com/gofrs/flock.
type FlockFactory struct{}

// New implements FileLockFactory.New
func (FlockFactory) New(path string) FileLock {
	return flock.New(path)
}

const (
	lockMaxRetries = 3
	lockRetryDelay = 100 * time.Millisecond
)

// acquireFileLock takes the cross-process lock, giving up after
// lockMaxRetries rounds or when ctx ends. The flock handle is shared by
// every operation of the store, including concurrent readers, so holders
// also queue on fileHeld: one goroutine owns the handle at a time.
func (s *Store) acquireFileLock(ctx context.Context) (func(), error) {
	ctx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	select {
	case s.fileHeld <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("failed to acquire file lock: %w", ctx.Err())
	}

	for i := 0; i < lockMaxRetries; i++ {
		locked, err := s.fileLock.TryLockContext(ctx, lockRetryDelay)
		if err != nil {
			<-s.fileHeld
			return nil, fmt.Errorf("failed to acquire file lock: %w", err)
		}
		if locked {
			return func() {
				if err := s.fileLock.Unlock(); err != nil {
					s.logger.Warn("failed to release file lock", "path", s.path, "error", err)
				}
				<-s.fileHeld
			}, nil
		}

		select {
		case <-ctx.Done():
			<-s.fileHeld
			return nil, ctx.Err()
		case <-time.After(lockRetryDelay):
		}
	}
	<-s.fileHeld
	return nil, fmt.Errorf("failed to acquire file lock after %d attempts", lockMaxRetries)
}
