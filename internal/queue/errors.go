package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrStorageOpen matches any failure to open or create the store.
	ErrStorageOpen = errors.New("queue: storage unavailable")

	// ErrEntryNotFound is returned when an operation names an id that is not stored.
	ErrEntryNotFound = errors.New("queue: entry not found")

	// ErrInvalidPayload is returned by Enqueue for payloads that are not JSON.
	ErrInvalidPayload = errors.New("queue: payload is not valid JSON")
)

// OpenError reports that the database file or its schema could not be set up.
// It is fatal for the store: no operation can proceed until it is resolved.
type OpenError struct {
	Path string
	Err  error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("queue: open %s: %v", e.Path, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

func (e *OpenError) Is(target error) bool { return target == ErrStorageOpen }

// StorageError is a failed read or write on an open store. The failing
// operation's transaction is rolled back; other entries are unaffected.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("queue: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func opErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}
