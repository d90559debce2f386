package types

import (
	"fmt"
	"strconv"
	"strings"
)

// ShutdownReason is the reason written to a domain's control/shutdown node.
// Values outside the named set are carried through unchanged and render as
// "(unknown <code>)".
type ShutdownReason int32

const (
	ShutdownPowerOff ShutdownReason = iota
	ShutdownReboot
	ShutdownSuspend
	ShutdownCrash
	ShutdownHalt
	ShutdownS3Suspend
)

var shutdownTokens = map[ShutdownReason]string{
	ShutdownPowerOff:  "poweroff",
	ShutdownReboot:    "reboot",
	ShutdownSuspend:   "suspend",
	ShutdownCrash:     "crash",
	ShutdownHalt:      "halt",
	ShutdownS3Suspend: "s3",
}

// String returns the canonical control-store token.
func (r ShutdownReason) String() string {
	if tok, ok := shutdownTokens[r]; ok {
		return tok
	}
	return fmt.Sprintf("(unknown %d)", int32(r))
}

// Known reports whether r is one of the named reasons.
func (r ShutdownReason) Known() bool {
	_, ok := shutdownTokens[r]
	return ok
}

// ParseShutdownReason is the inverse of String. Bare integers are accepted
// for codes without a name.
func ParseShutdownReason(s string) (ShutdownReason, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for r, tok := range shutdownTokens {
		if tok == s {
			return r, nil
		}
	}
	inner := strings.TrimSuffix(strings.TrimPrefix(s, "(unknown "), ")")
	code, err := strconv.ParseInt(inner, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid shutdown reason %q", s)
	}
	return ShutdownReason(code), nil
}
