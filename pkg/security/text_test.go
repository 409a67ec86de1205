package security

import (
	"strings"
	"testing"
)

func TestCleanText(t *testing.T) {
	tests := []struct {
		name  string
		input string
		max   int
		want  string
	}{
		{"plain", "Movie night", 50, "Movie night"},
		{"tags", `<script>alert(1)</script>Trailer <b>HD</b>`, 50, "alert(1)Trailer HD"},
		{"whitespace", "  lots \n\t of   space ", 50, "lots of space"},
		{"control", "bell\x07 here", 50, "bell here"},
		{"truncate at word", "the quick brown fox jumps", 18, "the quick brown..."},
		{"truncate runes", "ñññññ", 3, "ñññ..."},
		{"no limit", strings.Repeat("a", 300), 0, strings.Repeat("a", 300)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CleanText(tt.input, tt.max); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}
