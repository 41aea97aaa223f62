package views

import (
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/convo/internal/tui/model"
	"github.com/matheus3301/convo/internal/tui/ui"
	"github.com/rivo/tview"
)

// StatusBar displays the profile, daemon state, key hints and flash.
type StatusBar struct {
	*tview.TextView
	theme   *ui.Theme
	profile string
	who     string
	state   string
	hints   []string
	flash   string
	level   model.FlashLevel
}

// NewStatusBar creates a new status bar.
func NewStatusBar(theme *ui.Theme) *StatusBar {
	tv := tview.NewTextView().
		SetDynamicColors(true)
	tv.SetBackgroundColor(tview.Styles.MoreContrastBackgroundColor)

	return &StatusBar{TextView: tv, theme: theme}
}

// SetProfile updates the profile and identity display.
func (sb *StatusBar) SetProfile(profile, who string) {
	sb.profile, sb.who = profile, who
	sb.render()
}

// SetState updates the daemon state display.
func (sb *StatusBar) SetState(state string) {
	sb.state = state
	sb.render()
}

// SetHints shows key hints for the current page.
func (sb *StatusBar) SetHints(hints []string) {
	sb.hints = hints
	sb.render()
}

// SetFlash sets a temporary message.
func (sb *StatusBar) SetFlash(msg string, level model.FlashLevel) {
	sb.flash, sb.level = msg, level
	sb.render()
}

func (sb *StatusBar) render() {
	sb.Clear()

	state := sb.state
	if state != "READY" && state != "" {
		state = ui.Tag(sb.theme.FailedColor) + state + "[-]"
	}
	line := fmt.Sprintf(" [::b]%s[-:-:-] %s | %s | %s", escape(sb.profile), escape(sb.who), state, time.Now().Format("15:04"))
	if len(sb.hints) > 0 {
		line += " | " + ui.Tag(sb.theme.KeyColor) + escape(strings.Join(sb.hints, " ")) + "[-]"
	}
	if sb.flash != "" {
		color := sb.theme.FlashInfoColor
		if sb.level == model.FlashErr {
			color = sb.theme.FlashErrColor
		}
		line += " | " + ui.Tag(color) + escape(sb.flash) + "[-]"
	}
	_, _ = fmt.Fprint(sb, line)
}
