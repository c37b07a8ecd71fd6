package database

import (
	"strings"
	"testing"
)

func TestCompact(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"SELECT 1", "SELECT 1"},
		{"\n\t\tSELECT id\n\t\tFROM quizzes\n\t\tWHERE id = $1  ", "SELECT id FROM quizzes WHERE id = $1"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := compact(tt.in); got != tt.want {
			t.Errorf("compact(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	for _, in := range []string{strings.Repeat("x ", 300), strings.Repeat("x", 300), strings.Repeat("ab  ", 150)} {
		long := compact(in)
		if !strings.HasSuffix(long, "...") || len(long) != maxLoggedSQL+3 {
			t.Errorf("long statement not truncated: %d bytes", len(long))
		}
	}
}
