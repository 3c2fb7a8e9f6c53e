package main

import (
	"testing"
	"unicode/utf8"
)

func TestTruncateRuneBoundaries(t *testing.T) {
	cases := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"short ascii untouched", "hello", 10, "hello"},
		{"long ascii cut", "hello world", 5, "hello…"},
		{"exact length untouched", "hello", 5, "hello"},
		{"multibyte untouched", "alerta área", 11, "alerta área"},
		{"multibyte cut on rune boundary", "alerta área segura", 11, "alerta área…"},
		{"cut inside accented run", "ção", 2, "çã…"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := truncate(tc.in, tc.max)
			if got != tc.want {
				t.Errorf("truncate(%q, %d) = %q, want %q", tc.in, tc.max, got, tc.want)
			}
			if !utf8.ValidString(got) {
				t.Errorf("truncate(%q, %d) produced invalid UTF-8", tc.in, tc.max)
			}
		})
	}
}
