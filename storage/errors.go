package storage

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrValidation matches any *ValidationError via errors.Is.
	ErrValidation = errors.New("invalid price record")
	// ErrEmptyBatch is returned when InsertBatch is called with no records.
	ErrEmptyBatch = errors.New("empty batch")
	// ErrDuplicateBatch is returned when a batch with the same collection
	// timestamp already exists.
	ErrDuplicateBatch = errors.New("batch already stored for this collection time")
)

// ValidationError identifies the first invalid record of a batch. The whole
// batch is rejected.
type ValidationError struct {
	Index  int
	Field  string
	Value  any
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("record %d: field %s (%v): %s", e.Index, e.Field, e.Value, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// UnavailableError wraps failures of the underlying database: it could not be
// opened, read or written.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return "storage unavailable: " + e.Op + ": " + e.Err.Error()
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// IsUnavailable reports whether err was caused by the storage backend.
func IsUnavailable(err error) bool {
	var u *UnavailableError
	return errors.As(err, &u)
}

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &UnavailableError{Op: op, Err: err}
}
