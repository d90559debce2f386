package hypervisor

import (
	"errors"
	"fmt"
	"syscall"
)

// ErrorCode is the hypervisor library's own error classification
// (enum xc_error_code).
type ErrorCode int

const (
	CodeNone          ErrorCode = 0
	CodeInternal      ErrorCode = 1
	CodeInvalidKernel ErrorCode = 2
	CodeInvalidParam  ErrorCode = 3
	CodeOutOfMemory   ErrorCode = 4
)

type codeEntry struct {
	name string
	desc string
}

// codeTable maps each code to its symbolic name and the description
// xc_error_code_to_desc reports for it.
var codeTable = map[ErrorCode]codeEntry{
	CodeNone:          {"XC_ERROR_NONE", "No error details"},
	CodeInternal:      {"XC_INTERNAL_ERROR", "Internal error"},
	CodeInvalidKernel: {"XC_INVALID_KERNEL", "Invalid kernel"},
	CodeInvalidParam:  {"XC_INVALID_PARAM", "Invalid configuration"},
	CodeOutOfMemory:   {"XC_OUT_OF_MEMORY", "Out of memory"},
}

func (c ErrorCode) String() string {
	if e, ok := codeTable[c]; ok {
		return e.name
	}
	return fmt.Sprintf("XC_ERROR(%d)", int(c))
}

// Description is the human-readable text for c, or "Unknown error" for codes
// outside the table.
func (c ErrorCode) Description() string {
	if e, ok := codeTable[c]; ok {
		return e.desc
	}
	return "Unknown error"
}

// Sentinels for errors.Is. ErrNoErrorRecorded matches a primitive that
// signalled failure while neither the hypervisor nor the OS recorded a cause.
var (
	ErrInternal        = &Error{Code: CodeInternal}
	ErrInvalidKernel   = &Error{Code: CodeInvalidKernel}
	ErrInvalidParam    = &Error{Code: CodeInvalidParam}
	ErrOutOfMemory     = &Error{Code: CodeOutOfMemory}
	ErrNoErrorRecorded = &Error{Code: CodeNone}
)

var (
	ErrOpenFailed      = errors.New("open hypervisor interface")
	ErrClosed          = errors.New("hypervisor session closed")
	ErrAlreadyUnmapped = errors.New("foreign mapping already unmapped")
	ErrNoSuchDomain    = errors.New("domain not found")
)

// Error is a failed hypervisor primitive. Exactly one of three shapes:
// a hypervisor-reported Code, an OS Errno with Code == CodeNone, or neither.
type Error struct {
	Code    ErrorCode
	Errno   syscall.Errno
	Details string
}

// Value folds the error into one integer: the positive hypervisor code, the
// negated errno, or 0 when nothing was recorded.
func (e *Error) Value() int {
	if e.Code != CodeNone {
		return int(e.Code)
	}
	return -int(e.Errno)
}

func (e *Error) Error() string {
	v := e.Value()
	var text string
	switch {
	case v == 0:
		text = "Empty error"
	case v > 0:
		text = e.Code.Description()
	default:
		text = e.Errno.Error()
	}
	return fmt.Sprintf("%d: %s (%s)", v, text, e.Details)
}

// Is matches the code sentinels above.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code == CodeNone && t.Errno == 0 {
		return e.Code == CodeNone && e.Errno == 0
	}
	return e.Code == t.Code && (t.Errno == 0 || e.Errno == t.Errno)
}

// Unwrap exposes the errno so errors.Is(err, syscall.ENOMEM) works.
func (e *Error) Unwrap() error {
	if e.Code == CodeNone && e.Errno != 0 {
		return e.Errno
	}
	return nil
}
