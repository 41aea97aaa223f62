package ui

import (
	"fmt"

	"github.com/gdamore/tcell/v2"
)

// Theme holds color constants for the TUI.
type Theme struct {
	BgColor        tcell.Color
	FgColor        tcell.Color
	BorderColor    tcell.Color
	TableHeaderFg  tcell.Color
	TableCursorFg  tcell.Color
	TableCursorBg  tcell.Color
	TitleColor     tcell.Color
	KeyColor       tcell.Color
	OwnColor       tcell.Color
	OtherColor     tcell.Color
	PendingColor   tcell.Color
	FailedColor    tcell.Color
	UnreadColor    tcell.Color
	FlashInfoColor tcell.Color
	FlashErrColor  tcell.Color
	PromptBorder   tcell.Color
}

// DefaultTheme returns a k9s-inspired dark theme.
func DefaultTheme() *Theme {
	return &Theme{
		BgColor:        tcell.ColorBlack,
		FgColor:        tcell.ColorCadetBlue,
		BorderColor:    tcell.ColorDodgerBlue,
		TableHeaderFg:  tcell.ColorWhite,
		TableCursorFg:  tcell.ColorBlack,
		TableCursorBg:  tcell.ColorAqua,
		TitleColor:     tcell.ColorFuchsia,
		KeyColor:       tcell.ColorDodgerBlue,
		OwnColor:       tcell.ColorLightSkyBlue,
		OtherColor:     tcell.ColorPapayaWhip,
		PendingColor:   tcell.ColorGray,
		FailedColor:    tcell.ColorOrangeRed,
		UnreadColor:    tcell.ColorOrange,
		FlashInfoColor: tcell.ColorNavajoWhite,
		FlashErrColor:  tcell.ColorOrangeRed,
		PromptBorder:   tcell.ColorDodgerBlue,
	}
}

// Tag returns a tview color tag for c, e.g. "[#ff4500]".
func Tag(c tcell.Color) string {
	return fmt.Sprintf("[#%06x]", c.Hex())
}
