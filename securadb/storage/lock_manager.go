package storage

import "sync"

// OperationType selects shared or exclusive access in LockManager.
type OperationType int

const (
	// ReadOperation may run concurrently with other reads.
	ReadOperation OperationType = iota
	// WriteOperation excludes every other operation.
	WriteOperation
)

// LockManager serializes in-process access to the store's snapshot and
// file. The file lock only guards against other processes: a single
// flock handle is re-entrant across goroutines.
type LockManager struct {
	mu sync.RWMutex
}

// NewLockManager creates a new lock manager instance.
func NewLockManager() *LockManager {
	return &LockManager{}
}

// Execute runs fn while holding the lock matching opType.
//
//	err := lm.Execute(ReadOperation, func() error {
//	    // safe to read the snapshot here
//	    return nil
//	})
func (lm *LockManager) Execute(opType OperationType, fn func() error) error {
	switch opType {
	case ReadOperation:
		lm.mu.RLock()
		defer lm.mu.RUnlock()
	case WriteOperation:
		lm.mu.Lock()
		defer lm.mu.Unlock()
	}
	return fn()
}
