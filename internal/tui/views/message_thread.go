package views

import (
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/convo/internal/identity"
	"github.com/matheus3301/convo/internal/store"
	"github.com/matheus3301/convo/internal/tui/ui"
	"github.com/rivo/tview"
)

// MessageThread displays one conversation and a composer.
type MessageThread struct {
	*tview.Flex
	theme    *ui.Theme
	messages *tview.TextView
	composer *tview.InputField
	viewer   identity.Identity
	onSend   func(text string)
}

// NewMessageThread creates a new message thread view.
func NewMessageThread(theme *ui.Theme) *MessageThread {
	messages := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWordWrap(true)
	messages.SetBorder(true)
	messages.SetBorderColor(theme.BorderColor)
	messages.SetBackgroundColor(theme.BgColor)
	messages.SetTextColor(theme.FgColor)
	messages.SetTitle(" Messages ")
	messages.SetTitleColor(theme.TitleColor)

	composer := tview.NewInputField().
		SetLabel(" > ").
		SetFieldWidth(0)
	composer.SetBorder(true)
	composer.SetBorderColor(theme.BorderColor)
	composer.SetBackgroundColor(theme.BgColor)
	composer.SetFieldBackgroundColor(theme.BgColor)
	composer.SetFieldTextColor(theme.FgColor)
	composer.SetLabelColor(theme.KeyColor)
	composer.SetTitle(" Compose (i to focus) ")
	composer.SetTitleColor(theme.TitleColor)

	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(messages, 0, 1, true).
		AddItem(composer, 3, 0, false)

	mt := &MessageThread{
		Flex:     flex,
		theme:    theme,
		messages: messages,
		composer: composer,
	}

	composer.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter && mt.onSend != nil {
			if text := strings.TrimSpace(composer.GetText()); text != "" {
				mt.onSend(text)
				composer.SetText("")
			}
		}
	})

	return mt
}

// SetTitle shows the conversation name.
func (mt *MessageThread) SetTitle(name string) {
	mt.messages.SetTitle(fmt.Sprintf(" %s ", escape(name)))
}

// SetViewer sets whose messages render as own.
func (mt *MessageThread) SetViewer(who identity.Identity) { mt.viewer = who }

// SetOnSend sets the callback when a message is sent.
func (mt *MessageThread) SetOnSend(fn func(text string)) { mt.onSend = fn }

// Update redraws the log followed by the pending entries.
func (mt *MessageThread) Update(msgs []store.Message, pending []store.OutboxEntry) {
	mt.messages.Clear()
	var b strings.Builder
	for _, m := range msgs {
		mt.writeMessage(&b, m)
	}
	for _, e := range pending {
		mt.writePending(&b, e)
	}
	_, _ = fmt.Fprint(mt.messages, b.String())
	mt.messages.ScrollToEnd()
}

func (mt *MessageThread) writeMessage(b *strings.Builder, m store.Message) {
	own := m.SenderRole == mt.viewer.Role
	color := mt.theme.OtherColor
	sender := m.SenderName
	if sender == "" {
		sender = m.SenderID
	}
	if own {
		color = mt.theme.OwnColor
		if m.SenderID == mt.viewer.UserID {
			sender = "You"
		}
	}
	receipt := ""
	if own {
		receipt = " ✓"
		if m.Read {
			receipt = " ✓✓"
		}
	}
	fmt.Fprintf(b, "%s[::b]%s[-:-:-] [::d]%s%s[-:-:-]\n", ui.Tag(color), clean(sender), formatTime(m.SentAt), receipt)
	fmt.Fprintf(b, "%s\n\n", body(m.Kind, m.Body, m.Attachment))
}

func (mt *MessageThread) writePending(b *strings.Builder, e store.OutboxEntry) {
	color, label := mt.theme.PendingColor, "sending"
	if e.Status == store.OutboxFailed {
		color, label = mt.theme.FailedColor, "failed, :retry to resend"
	}
	fmt.Fprintf(b, "%s[::b]You[-:-:-] %s[::d]%s[-:-:-]\n", ui.Tag(mt.theme.OwnColor), ui.Tag(color), label)
	fmt.Fprintf(b, "%s%s[-]\n\n", ui.Tag(color), body(e.Kind, e.Body, e.Attachment))
}

func body(kind store.Kind, text string, a *store.Attachment) string {
	if a == nil {
		return clean(text)
	}
	name := a.FileName
	if name == "" {
		name = a.URL
	}
	line := fmt.Sprintf("[%s] %s", kind, name)
	if a.DurationSec > 0 {
		line += fmt.Sprintf(" (%.0fs)", a.DurationSec)
	}
	line = escape(line)
	if text != "" {
		line += "\n" + clean(text)
	}
	return line
}

// Messages returns the messages text view (for focus management).
func (mt *MessageThread) Messages() *tview.TextView { return mt.messages }

// Composer returns the composer input field (for focus management).
func (mt *MessageThread) Composer() *tview.InputField { return mt.composer }
