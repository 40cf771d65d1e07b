package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/bluelines/internal/model"
)

// ErrRejected is returned (wrapped) by clients when the external system
// refused a payload as invalid.
var ErrRejected = errors.New("payload rejected by external system")

// ErrorKind categorizes sync failures.
type ErrorKind string

const (
	KindTransport      ErrorKind = "transport"
	KindTimeout        ErrorKind = "timeout"
	KindCancelled      ErrorKind = "cancelled"
	KindValidation     ErrorKind = "validation"
	KindWrongDirection ErrorKind = "wrong_direction"
)

// SyncError reports a failed push or pull.
type SyncError struct {
	Kind ErrorKind
	Op   Direction
	Pair model.PairKey
	Err  error
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Pair, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Op, e.Pair, e.Kind)
}

// Unwrap returns the underlying cause.
func (e *SyncError) Unwrap() error {
	return e.Err
}

// IsSyncError returns true if err wraps a SyncError.
func IsSyncError(err error) bool {
	var se *SyncError
	return errors.As(err, &se)
}

// IsTimeout returns true if err is a timed-out sync.
func IsTimeout(err error) bool {
	return kindOf(err) == KindTimeout
}

// IsCancelled returns true if err is a cancelled sync.
func IsCancelled(err error) bool {
	return kindOf(err) == KindCancelled
}

// IsWrongDirection returns true if err refused a sync against the variant's
// direction.
func IsWrongDirection(err error) bool {
	return kindOf(err) == KindWrongDirection
}

func kindOf(err error) ErrorKind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// classify maps a client error to its kind. A deadline hit by the
// coordinator's own timeout is a timeout even if the client reports it as a
// transport error.
func classify(ctx context.Context, err error) ErrorKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled), errors.Is(ctx.Err(), context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrRejected):
		return KindValidation
	default:
		return KindTransport
	}
}
