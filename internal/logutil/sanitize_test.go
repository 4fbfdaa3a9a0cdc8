package logutil

import (
	"strings"
	"testing"
)

func TestSanitizeForLog(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"line1\nline2", "line1 line2"},
		{"a\r\nb", "a  b"},
		{"tab\there", "tab here"},
		{"bell\x07char", "bellchar"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := SanitizeForLog(tt.in); got != tt.want {
			t.Errorf("SanitizeForLog(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestID_Truncates(t *testing.T) {
	long := strings.Repeat("x", 200)
	got := ID(long)
	if len(got) != maxIDLogLength+3 {
		t.Errorf("ID(long) length = %d, want %d", len(got), maxIDLogLength+3)
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("ID(long) = %q, want ... suffix", got)
	}

	if got := ID("short\nid"); got != "short id" {
		t.Errorf("ID(short) = %q", got)
	}
}
