package version

import (
	"strings"
	"testing"
)

func TestGet(t *testing.T) {
	v := Get()
	if v == "" || strings.ContainsAny(v, " \n") {
		t.Errorf("Expected trimmed non-empty version, got %q", v)
	}
}

func TestString(t *testing.T) {
	Commit = "abc123"
	defer func() { Commit = "" }()

	s := String()
	if !strings.HasPrefix(s, "conductor "+Get()) {
		t.Errorf("Expected version prefix, got %q", s)
	}
	if !strings.Contains(s, "commit abc123") {
		t.Errorf("Expected commit in %q", s)
	}
}
