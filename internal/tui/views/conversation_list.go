package views

import (
	"fmt"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/convo/internal/store"
	"github.com/matheus3301/convo/internal/tui/ui"
	"github.com/rivo/tview"
)

// ConversationList is the main conversation table.
type ConversationList struct {
	*tview.Table
	theme   *ui.Theme
	convs   []store.Conversation
	visible []store.Conversation
	filter  string
}

// NewConversationList creates a new conversation list table.
func NewConversationList(theme *ui.Theme) *ConversationList {
	table := tview.NewTable().
		SetSelectable(true, false).
		SetBorders(false).
		SetFixed(1, 0)
	table.SetBorder(true)
	table.SetBorderColor(theme.BorderColor)
	table.SetBackgroundColor(theme.BgColor)
	table.SetSelectedStyle(tcell.StyleDefault.
		Foreground(theme.TableCursorFg).
		Background(theme.TableCursorBg))
	table.SetTitle(" Conversations ")
	table.SetTitleColor(theme.TitleColor)

	return &ConversationList{Table: table, theme: theme}
}

// Update refreshes the list with new data, keeping the selected row on the
// same conversation when it is still listed.
func (cl *ConversationList) Update(convs []store.Conversation) {
	selected := cl.Selected()
	cl.convs = convs
	cl.render()
	for i, c := range cl.visible {
		if c.ID == selected {
			cl.Select(i+1, 0)
			return
		}
	}
}

// SetFilter sets the active filter text and re-renders.
func (cl *ConversationList) SetFilter(filter string) {
	cl.filter = strings.ToLower(filter)
	cl.render()
}

// Filter returns the active filter.
func (cl *ConversationList) Filter() string { return cl.filter }

func (cl *ConversationList) matches(c store.Conversation) bool {
	if cl.filter == "" {
		return true
	}
	for _, s := range []string{c.ID, c.Initiator.Name(), c.Subject.String()} {
		if strings.Contains(strings.ToLower(s), cl.filter) {
			return true
		}
	}
	return false
}

func (cl *ConversationList) render() {
	cl.Clear()

	headers := []struct {
		text string
		exp  int
	}{
		{" CUSTOMER", 1},
		{" SUBJECT", 1},
		{" UNREAD", 0},
		{" ACTIVE", 0},
	}
	for col, h := range headers {
		cl.SetCell(0, col, tview.NewTableCell(h.text).
			SetSelectable(false).
			SetTextColor(cl.theme.TableHeaderFg).
			SetAttributes(tcell.AttrBold).
			SetExpansion(h.exp))
	}

	cl.visible = cl.visible[:0]
	for _, c := range cl.convs {
		if !cl.matches(c) {
			continue
		}
		cl.visible = append(cl.visible, c)
		row := len(cl.visible)

		fg := cl.theme.FgColor
		if c.Archived {
			fg = cl.theme.PendingColor
		}
		unread := ""
		if c.Unread > 0 {
			unread = fmt.Sprintf("%d", c.Unread)
		}
		subject := c.Subject.String()
		if subject == "" {
			subject = "-"
		}
		cl.SetCell(row, 0, tview.NewTableCell(" "+cleanLine(c.Initiator.Name())).SetExpansion(1).SetTextColor(fg))
		cl.SetCell(row, 1, tview.NewTableCell(" "+cleanLine(subject)).SetExpansion(1).SetTextColor(fg))
		cl.SetCell(row, 2, tview.NewTableCell(unread).SetTextColor(cl.theme.UnreadColor).SetAlign(tview.AlignRight))
		cl.SetCell(row, 3, tview.NewTableCell(formatTime(c.LastActivityAt)).SetTextColor(fg).SetAlign(tview.AlignRight))
	}

	if cl.filter != "" {
		cl.SetTitle(fmt.Sprintf(" Conversations (%d/%d) filter: %s ", len(cl.visible), len(cl.convs), escape(cl.filter)))
	} else {
		cl.SetTitle(fmt.Sprintf(" Conversations (%d) ", len(cl.convs)))
	}
}

// Selected returns the id of the selected conversation.
func (cl *ConversationList) Selected() string {
	row, _ := cl.GetSelection()
	if row < 1 || row > len(cl.visible) {
		return ""
	}
	return cl.visible[row-1].ID
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	t = t.Local()
	now := time.Now()
	if t.Year() == now.Year() && t.YearDay() == now.YearDay() {
		return t.Format("15:04")
	}
	return t.Format("01/02")
}
