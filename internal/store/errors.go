package store

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by module stores when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// DataIntegrityError reports a natural key that matched more rows than its
// uniqueness rule allows. It is fatal for the record's owning scope: callers
// stop processing the device or agent that produced it.
type DataIntegrityError struct {
	Table string
	Key   string
	Count int
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("data integrity: %d rows in %s share key %q", e.Count, e.Table, e.Key)
}

// IsDataIntegrity reports whether err wraps a *DataIntegrityError.
func IsDataIntegrity(err error) bool {
	var die *DataIntegrityError
	return errors.As(err, &die)
}
