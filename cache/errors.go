package cache

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrHandleState is returned when a handle operation requires a located
	// record and none is held. Caller protocol violation, not a store fault.
	ErrHandleState = errors.New("cache: handle is not holding a record")

	// ErrCursorState is returned by Cursor.Remove when the cursor is not
	// positioned on a record, or the positioned record was already removed.
	ErrCursorState = errors.New("cache: cursor is not positioned on a removable record")

	// ErrConflict is returned when an operation repeatedly loses create/delete
	// races against concurrent writers and gives up.
	ErrConflict = errors.New("cache: concurrent modification")
)

// MalformedTupleError reports a tuple from the store that does not match the
// record schema, either in field count or in a field's type.
type MalformedTupleError struct {
	Fields int    // observed field count
	Field  int    // offending field index for type errors, -1 for width errors
	Detail string
}

func (e *MalformedTupleError) Error() string {
	if e.Field < 0 {
		return fmt.Sprintf("cache: malformed tuple: %s (%d fields)", e.Detail, e.Fields)
	}
	return fmt.Sprintf("cache: malformed tuple: field %d: %s", e.Field, e.Detail)
}

// BulkError reports the keys a bulk operation could not complete. The
// remaining keys of the batch were applied.
type BulkError struct {
	Op     string // "put-all", "remove-all", "load-all"
	Failed []string
}

func (e *BulkError) Error() string {
	return fmt.Sprintf("cache: %s failed for %d key(s): %s", e.Op, len(e.Failed), strings.Join(e.Failed, ", "))
}
