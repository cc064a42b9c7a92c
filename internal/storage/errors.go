// Package storage defines the error contract shared by storage backends.
package storage

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("not found")

// VersionConflictError indicates an optimistic write lost the race: the row
// exists but its version no longer matches the one read at the start of the
// operation. Current carries the committed version for caller-side retry.
type VersionConflictError struct {
	PortfolioID string
	Expected    int64
	Current     int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on portfolio %s: expected %d, current %d",
		e.PortfolioID, e.Expected, e.Current)
}

// IsVersionConflict reports whether err is an optimistic-concurrency conflict.
func IsVersionConflict(err error) bool {
	var conflict *VersionConflictError
	return errors.As(err, &conflict)
}
