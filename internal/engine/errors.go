package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/bluelines/internal/model"
)

// EditErrorCode categorizes rejected manual edits.
type EditErrorCode string

const (
	// ErrCodeUnknownField indicates no definition exists for the field.
	ErrCodeUnknownField EditErrorCode = "UNKNOWN_FIELD"

	// ErrCodeBlockedField indicates the field holds a fixed system value.
	ErrCodeBlockedField EditErrorCode = "BLOCKED_FIELD"

	// ErrCodeNotManual indicates the field is computed and would be
	// overwritten by the next recalculation.
	ErrCodeNotManual EditErrorCode = "NOT_MANUAL"

	// ErrCodeEmptiedRecord indicates the record was emptied in place.
	ErrCodeEmptiedRecord EditErrorCode = "EMPTIED_RECORD"
)

// EditError reports a rejected ApplyManualEdit call.
type EditError struct {
	Code    EditErrorCode
	FieldID string
	Pair    model.PairKey
	Message string
}

// Error implements the error interface.
func (e *EditError) Error() string {
	return fmt.Sprintf("%s: %s %s: %s", e.Code, e.Pair, e.FieldID, e.Message)
}

// IsEditError returns true if err wraps an EditError.
func IsEditError(err error) bool {
	var ee *EditError
	return errors.As(err, &ee)
}

// IsBlockedField returns true if err rejects an edit of a blocked field.
func IsBlockedField(err error) bool {
	var ee *EditError
	if errors.As(err, &ee) {
		return ee.Code == ErrCodeBlockedField
	}
	return false
}
