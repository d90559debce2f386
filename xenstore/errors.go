package xenstore

import (
	"errors"
	"fmt"
)

var (
	// ErrStore matches every store failure.
	ErrStore = errors.New("xenstore error")
	// ErrConflict matches a commit rejected because the store changed under
	// the transaction. The whole transaction must be re-run.
	ErrConflict = errors.New("xenstore transaction conflict")

	ErrOpenFailed      = errors.New("open xenstore")
	ErrClosed          = errors.New("xenstore session closed")
	ErrBroken          = errors.New("xenstore connection broken")
	ErrTransactionDone = errors.New("xenstore transaction already ended")
)

// Error is an opaque store failure: the store reports only a reason token
// (e.g. "ENOENT") or the connection failed underneath.
type Error struct {
	Op     string
	Path   string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	reason := e.Reason
	if e.Err != nil {
		reason = e.Err.Error()
	}
	if e.Path == "" {
		return fmt.Sprintf("xenstore %s: %s", e.Op, reason)
	}
	return fmt.Sprintf("xenstore %s %s: %s", e.Op, e.Path, reason)
}

func (e *Error) Is(target error) bool {
	switch target {
	case ErrStore:
		return true
	case ErrConflict:
		return e.Reason == "EAGAIN"
	}
	return false
}

func (e *Error) Unwrap() error { return e.Err }

// IsConflict reports whether err is a transaction conflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }
