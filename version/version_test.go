package version

import (
	"strings"
	"testing"
)

func TestString(t *testing.T) {
	s := String()
	if !strings.HasPrefix(s, NAME+"\n") {
		t.Errorf("expected name first, got %q", s)
	}
	if !strings.Contains(s, "Version:        "+VERSION) {
		t.Errorf("missing version in %q", s)
	}
}
