package views

import "testing"

func TestClean(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"hello", "hello"},
		{"\U0001F44D\U0001F3FB", "\U0001F44D"},
		{"a\u200db", "ab"},
		{"\u2764\ufe0f", "\u2764"},
		{"line1\nline2", "line1\nline2"},
		{"bell\x07", "bell"},
		{"[red]x", "[red[]x"},
	}
	for _, tt := range tests {
		if got := clean(tt.in); got != tt.want {
			t.Errorf("clean(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := cleanLine("a\nb"); got != "a b" {
		t.Errorf("cleanLine = %q", got)
	}
}
