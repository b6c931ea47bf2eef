package views

import (
	"fmt"
	"time"

	"github.com/cherrygifts/cherrychat/internal/conversations"
	"github.com/cherrygifts/cherrychat/internal/model"
	"github.com/cherrygifts/cherrychat/internal/tui/ui"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// ConversationList is the main conversation table.
type ConversationList struct {
	*tview.Table
	theme   *ui.Theme
	all     []model.Conversation
	visible []model.Conversation
	filter  string
	hasMore bool
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
	table.SetTitleColor(theme.TitleColor)

	cl := &ConversationList{Table: table, theme: theme}
	cl.render()
	return cl
}

// Update replaces the conversations shown.
func (cl *ConversationList) Update(list []model.Conversation) {
	cl.all = list
	cl.render()
}

// SetHasMore toggles the "more" marker in the title.
func (cl *ConversationList) SetHasMore(more bool) {
	cl.hasMore = more
	cl.render()
}

// SetFilter sets the active filter text and re-renders.
func (cl *ConversationList) SetFilter(filter string) {
	cl.filter = filter
	cl.render()
}

// Filter returns the active filter text.
func (cl *ConversationList) Filter() string { return cl.filter }

func (cl *ConversationList) render() {
	selected := cl.SelectedConversation()
	cl.Clear()

	headers := []struct {
		text string
		exp  int
	}{
		{" CUSTOMER", 1},
		{" LAST MESSAGE", 2},
		{" TIME", 0},
		{" UNREAD", 0},
	}
	for col, h := range headers {
		cl.SetCell(0, col, tview.NewTableCell(h.text).
			SetSelectable(false).
			SetTextColor(cl.theme.TableHeaderFg).
			SetAttributes(tcell.AttrBold).
			SetExpansion(h.exp))
	}

	cl.visible = conversations.Filter(cl.all, cl.filter)
	for i, c := range cl.visible {
		row := i + 1
		fg := cl.theme.FgColor
		unread := ""
		if c.UnreadCount > 0 {
			fg = cl.theme.UnreadColor
			unread = fmt.Sprintf("%d", c.UnreadCount)
		}
		if !c.IsActive {
			fg = cl.theme.MutedColor
		}
		cl.SetCell(row, 0, tview.NewTableCell(" "+sanitizeForTerminal(displayName(c))).SetExpansion(1).SetTextColor(fg))
		cl.SetCell(row, 1, tview.NewTableCell(" "+sanitizeForTerminal(c.LastMessageContent)).SetExpansion(2).SetTextColor(fg).SetMaxWidth(60))
		cl.SetCell(row, 2, tview.NewTableCell(formatTimestamp(c.LastMessageAt)).SetTextColor(fg).SetAlign(tview.AlignRight))
		cl.SetCell(row, 3, tview.NewTableCell(unread).SetTextColor(fg).SetAlign(tview.AlignRight))
		if c.ID == selected {
			cl.Select(row, 0)
		}
	}

	title := fmt.Sprintf(" Conversations (%d) ", len(cl.all))
	if cl.filter != "" {
		title = fmt.Sprintf(" Conversations (%d/%d) filter: %s ", len(cl.visible), len(cl.all), tview.Escape(cl.filter))
	}
	if cl.hasMore {
		title += "[m: more] "
	}
	cl.SetTitle(title)
}

// SelectedConversation returns the id of the highlighted conversation.
func (cl *ConversationList) SelectedConversation() string {
	c, ok := cl.selected()
	if !ok {
		return ""
	}
	return c.ID
}

// SelectedName returns the display name of the highlighted conversation.
func (cl *ConversationList) SelectedName() string {
	c, ok := cl.selected()
	if !ok {
		return ""
	}
	return displayName(c)
}

func (cl *ConversationList) selected() (model.Conversation, bool) {
	row, _ := cl.GetSelection()
	idx := row - 1
	if idx < 0 || idx >= len(cl.visible) {
		return model.Conversation{}, false
	}
	return cl.visible[idx], true
}

func displayName(c model.Conversation) string {
	if c.User == nil {
		return c.UserID
	}
	if c.User.DisplayName != "" {
		return c.User.DisplayName
	}
	if c.User.Username != "" {
		return c.User.Username
	}
	return c.UserID
}

func formatTimestamp(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	local := t.Local()
	now := time.Now()
	if local.Year() == now.Year() && local.YearDay() == now.YearDay() {
		return local.Format("15:04")
	}
	return local.Format("01/02")
}
