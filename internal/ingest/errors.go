package ingest

import (
	"errors"
	"fmt"
)

// ErrPageLimitExceeded is returned when the server keeps signalling more
// pages past the ceiling derived from the authoritative count.
var ErrPageLimitExceeded = errors.New("page limit exceeded")

// RecordCountMismatchError is returned when the combined table does not
// hold exactly the number of records the count endpoint reported.
type RecordCountMismatchError struct {
	Expected int
	Actual   int
	// Err is set when pagination was cut short, e.g. ErrPageLimitExceeded.
	// Actual then only counts the records fetched before the cut.
	Err error
}

func (e *RecordCountMismatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("record count mismatch: expected %d, got at least %d: %v", e.Expected, e.Actual, e.Err)
	}

	return fmt.Sprintf("record count mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *RecordCountMismatchError) Unwrap() error {
	return e.Err
}
