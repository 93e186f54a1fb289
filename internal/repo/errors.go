package repo

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates the addressed entity does not exist for the user.
// Tombstones are not ErrNotFound; they come back as records with DeletedAtMs set.
var ErrNotFound = errors.New("entity not found")

// VersionMismatchError indicates optimistic locking failure.
type VersionMismatchError struct {
	Expected int64
	Actual   int64
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("version mismatch: expected %d, actual %d", e.Expected, e.Actual)
}

// InvariantError indicates a structural integrity violation: missing parent,
// parent cycle, cross-user reference.
type InvariantError struct {
	Message string
}

func (e *InvariantError) Error() string {
	return e.Message
}

// IsInvariant reports whether err is an InvariantError.
func IsInvariant(err error) bool {
	var ie *InvariantError
	return errors.As(err, &ie)
}

// IsVersionMismatch reports whether err is a VersionMismatchError.
func IsVersionMismatch(err error) bool {
	var ve *VersionMismatchError
	return errors.As(err, &ve)
}
