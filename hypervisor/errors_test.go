package hypervisor

import (
	"errors"
	"syscall"
	"testing"
)

func TestErrorCode_Description(t *testing.T) {
	for code, want := range map[ErrorCode]string{
		CodeNone:          "No error details",
		CodeInternal:      "Internal error",
		CodeInvalidKernel: "Invalid kernel",
		CodeInvalidParam:  "Invalid configuration",
		CodeOutOfMemory:   "Out of memory",
		ErrorCode(42):     "Unknown error",
	} {
		if got := code.Description(); got != want {
			t.Errorf("%d: expected %q, got %q", code, want, got)
		}
	}
	if got := ErrorCode(42).String(); got != "XC_ERROR(42)" {
		t.Errorf("expected %q, got %q", "XC_ERROR(42)", got)
	}
}

func TestError_Rendering(t *testing.T) {
	for _, tc := range []struct {
		err  *Error
		want string
	}{
		{&Error{Code: CodeInvalidKernel, Details: "load"}, "2: Invalid kernel (load)"},
		{&Error{Errno: syscall.ENOMEM, Details: "map"}, "-12: " + syscall.ENOMEM.Error() + " (map)"},
		{&Error{Details: "pause"}, "0: Empty error (pause)"},
	} {
		if got := tc.err.Error(); got != tc.want {
			t.Errorf("expected %q, got %q", tc.want, got)
		}
		// Rendering is stable across calls.
		if tc.err.Error() != tc.err.Error() {
			t.Errorf("unstable rendering for %+v", tc.err)
		}
	}
}

func TestError_Is(t *testing.T) {
	oom := error(&Error{Code: CodeOutOfMemory, Details: "x"})
	if !errors.Is(oom, ErrOutOfMemory) {
		t.Error("expected ErrOutOfMemory match")
	}
	if errors.Is(oom, ErrInternal) {
		t.Error("unexpected ErrInternal match")
	}
	if errors.Is(oom, ErrNoErrorRecorded) {
		t.Error("unexpected ErrNoErrorRecorded match")
	}

	errno := error(&Error{Errno: syscall.EPERM})
	if !errors.Is(errno, syscall.EPERM) {
		t.Error("expected errno to unwrap")
	}
	if errors.Is(errno, ErrNoErrorRecorded) {
		t.Error("errno error must not match ErrNoErrorRecorded")
	}

	if !errors.Is(&Error{}, ErrNoErrorRecorded) {
		t.Error("expected empty error to match ErrNoErrorRecorded")
	}
	if (&Error{Code: CodeInternal}).Unwrap() != nil {
		t.Error("coded error must not unwrap")
	}
}
