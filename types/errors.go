package types

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel values for errors.Is checks against the typed errors below.
var (
	ErrValidation            = errors.New("validation failed")
	ErrNotFound              = errors.New("not found")
	ErrLockTimeout           = errors.New("lock acquisition timeout")
	ErrTransactionTimeout    = errors.New("transaction timeout")
	ErrWrite                 = errors.New("write failed")
	ErrRead                  = errors.New("read failed")
	ErrSyncUnavailable       = errors.New("remote store unavailable")
	ErrBackupChecksum        = errors.New("backup checksum mismatch")
	ErrStorageNotInitialized = errors.New("storage not initialized")
)

// ValidationError reports a bad document shape or a unique-constraint violation.
type ValidationError struct {
	Collection string
	Field      string
	Value      interface{}
	Message    string
	Underlying error
}

func (e *ValidationError) Error() string {
	msg := "validation failed"
	if e.Collection != "" {
		msg += " in " + e.Collection
	}
	if e.Field != "" {
		msg += fmt.Sprintf(" (field %q)", e.Field)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Underlying != nil {
		msg += ": " + e.Underlying.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return e.Underlying }

// Is makes errors.Is(err, ErrValidation) work.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NewUniqueViolation builds the error raised for a duplicate unique value.
func NewUniqueViolation(collection, field string, value interface{}) *ValidationError {
	return &ValidationError{
		Collection: collection,
		Field:      field,
		Value:      value,
		Message:    fmt.Sprintf("value %v already exists", value),
	}
}

// NotFoundError reports a missing id or an empty match for criteria.
type NotFoundError struct {
	Collection string
	ID         string
	Criteria   string
}

func (e *NotFoundError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("document %q not found in %s", e.ID, e.Collection)
	}
	if e.Criteria != "" {
		return fmt.Sprintf("no document in %s matches %s", e.Collection, e.Criteria)
	}
	return fmt.Sprintf("not found in %s", e.Collection)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// LockTimeoutError is returned when a lock key stays held past the timeout.
type LockTimeoutError struct {
	Key     string
	Timeout time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for lock %q", e.Timeout, e.Key)
}

func (e *LockTimeoutError) Is(target error) bool { return target == ErrLockTimeout }

// TransactionTimeoutError is returned when a transaction body outlives its timer.
type TransactionTimeoutError struct {
	TransactionID string
	Timeout       time.Duration
}

func (e *TransactionTimeoutError) Error() string {
	return fmt.Sprintf("transaction %s exceeded %s", e.TransactionID, e.Timeout)
}

func (e *TransactionTimeoutError) Is(target error) bool { return target == ErrTransactionTimeout }

// WriteError reports a failed atomic write. Recovered is true when the
// previous file content was put back from the .bak copy.
type WriteError struct {
	Path       string
	Step       string
	Recovered  bool
	Underlying error
}

func (e *WriteError) Error() string {
	msg := fmt.Sprintf("write %s failed at %s", e.Path, e.Step)
	if e.Recovered {
		msg += " (previous content restored)"
	}
	if e.Underlying != nil {
		msg += ": " + e.Underlying.Error()
	}
	return msg
}

func (e *WriteError) Unwrap() error        { return e.Underlying }
func (e *WriteError) Is(target error) bool { return target == ErrWrite }

// ReadError reports a dataset file that could not be read or parsed.
type ReadError struct {
	Path       string
	Underlying error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read %s failed: %v", e.Path, e.Underlying)
}

func (e *ReadError) Unwrap() error        { return e.Underlying }
func (e *ReadError) Is(target error) bool { return target == ErrRead }

// SyncUnavailableError is returned when the remote store cannot be used.
type SyncUnavailableError struct {
	Underlying error
}

func (e *SyncUnavailableError) Error() string {
	if e.Underlying == nil {
		return "remote store not initialized"
	}
	return "remote store unavailable: " + e.Underlying.Error()
}

func (e *SyncUnavailableError) Unwrap() error        { return e.Underlying }
func (e *SyncUnavailableError) Is(target error) bool { return target == ErrSyncUnavailable }

// BackupChecksumError reports a backup whose content does not match its checksum.
type BackupChecksumError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *BackupChecksumError) Error() string {
	return fmt.Sprintf("backup %s checksum mismatch: expected %s, got %s", e.Path, e.Expected, e.Actual)
}

func (e *BackupChecksumError) Is(target error) bool { return target == ErrBackupChecksum }

// StorageNotInitializedError is returned by components used before Open or after Close.
type StorageNotInitializedError struct {
	Component string
}

func (e *StorageNotInitializedError) Error() string {
	return e.Component + " is not initialized"
}

func (e *StorageNotInitializedError) Is(target error) bool { return target == ErrStorageNotInitialized }
