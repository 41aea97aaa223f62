package views

import (
	"strings"
	"unicode"

	"github.com/rivo/tview"
)

// clean prepares user text for a tview cell: it drops codepoints that make
// tcell miscount cell widths and control characters other than newline, then
// escapes tview color tags.
func clean(s string) string {
	s = strings.Map(func(r rune) rune {
		if dropRune(r) {
			return -1
		}
		return r
	}, s)
	return escape(s)
}

// cleanLine is clean for single-line cells; newlines become spaces.
func cleanLine(s string) string {
	return clean(strings.ReplaceAll(s, "\n", " "))
}

func dropRune(r rune) bool {
	switch {
	// Skin tone modifiers.
	case r >= 0x1F3FB && r <= 0x1F3FF:
		return true
	// Zero Width Joiner.
	case r == 0x200D:
		return true
	// Variation Selectors and their supplement.
	case r >= 0xFE00 && r <= 0xFE0F, r >= 0xE0100 && r <= 0xE01EF:
		return true
	case r == '\n':
		return false
	default:
		return unicode.IsControl(r)
	}
}

func escape(s string) string { return tview.Escape(s) }
