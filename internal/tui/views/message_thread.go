package views

import (
	"fmt"
	"strings"

	"github.com/cherrygifts/cherrychat/internal/model"
	"github.com/cherrygifts/cherrychat/internal/tui/ui"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// MessageThread displays the open conversation, who is typing, and a composer.
type MessageThread struct {
	*tview.Flex
	theme    *ui.Theme
	me       string
	messages *tview.TextView
	typing   *tview.TextView
	composer *tview.InputField
	failed   string

	onSend   func(text string)
	onChange func(text string)
}

// NewMessageThread creates a new message thread view. me is the current
// user id, used to tell own messages apart.
func NewMessageThread(theme *ui.Theme, me string) *MessageThread {
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

	typing := tview.NewTextView().SetDynamicColors(true)
	typing.SetBackgroundColor(theme.BgColor)
	typing.SetTextColor(theme.MutedColor)

	composer := tview.NewInputField().
		SetLabel(" > ").
		SetFieldWidth(0)
	composer.SetBorder(true)
	composer.SetBorderColor(theme.BorderColor)
	composer.SetBackgroundColor(theme.BgColor)
	composer.SetFieldBackgroundColor(theme.BgColor)
	composer.SetFieldTextColor(theme.FgColor)
	composer.SetLabelColor(theme.TitleColor)
	composer.SetTitle(" Compose (i to focus) ")
	composer.SetTitleColor(theme.TitleColor)

	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(messages, 0, 1, true).
		AddItem(typing, 1, 0, false).
		AddItem(composer, 3, 0, false)

	mt := &MessageThread{
		Flex:     flex,
		theme:    theme,
		me:       me,
		messages: messages,
		typing:   typing,
		composer: composer,
	}

	composer.SetChangedFunc(func(text string) {
		if mt.onChange != nil {
			mt.onChange(text)
		}
	})
	composer.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter || mt.onSend == nil {
			return
		}
		text := strings.TrimSpace(composer.GetText())
		if text == "" {
			return
		}
		mt.onSend(text)
		composer.SetText("")
	})
	return mt
}

// SetConversationName updates the conversation name shown in the border.
func (mt *MessageThread) SetConversationName(name string) {
	mt.messages.SetTitle(fmt.Sprintf(" %s ", tview.Escape(name)))
}

// SetOnSend sets the callback run when the composer submits text.
func (mt *MessageThread) SetOnSend(fn func(text string)) { mt.onSend = fn }

// SetOnChange sets the callback run on every composer edit.
func (mt *MessageThread) SetOnChange(fn func(text string)) { mt.onChange = fn }

// Update renders msgs, oldest first.
func (mt *MessageThread) Update(msgs []model.Message) {
	mt.messages.Clear()
	mt.failed = ""
	var b strings.Builder
	for _, m := range msgs {
		sender, color := "Them", mt.theme.TheirsColor
		if m.SenderID == mt.me {
			sender, color = "You", mt.theme.MineColor
		} else if m.IsAdmin {
			sender = "Support"
		}
		if m.Status == model.StatusFailed {
			mt.failed = m.ID
		}
		created := m.CreatedAt
		fmt.Fprintf(&b, "%s[::b]%s[-:-:-] [::d]%s %s[-:-:-]\n%s\n\n",
			ui.Tag(color), sender, formatTimestamp(&created), mt.statusMark(m.Status),
			sanitizeForTerminal(m.Content))
	}
	_, _ = fmt.Fprint(mt.messages, b.String())
	mt.messages.ScrollToEnd()
}

func (mt *MessageThread) statusMark(s model.Status) string {
	switch s {
	case model.StatusSending:
		return "(sending)"
	case model.StatusSent:
		return "✓"
	case model.StatusDelivered:
		return "✓✓"
	case model.StatusRead:
		return ui.Tag(mt.theme.OnlineColor) + "✓✓"
	case model.StatusFailed:
		return ui.Tag(mt.theme.FlashErrColor) + "(failed, r to retry)"
	}
	return ""
}

// SetTypers renders the typing line.
func (mt *MessageThread) SetTypers(typers []model.TypingStatus) {
	mt.typing.Clear()
	names := make([]string, 0, len(typers))
	for _, t := range typers {
		if !t.IsTyping {
			continue
		}
		name := t.Username
		if name == "" {
			name = "someone"
		}
		names = append(names, sanitizeForTerminal(name))
	}
	switch len(names) {
	case 0:
		return
	case 1:
		_, _ = fmt.Fprintf(mt.typing, " %s is typing...", names[0])
	default:
		_, _ = fmt.Fprintf(mt.typing, " %s are typing...", strings.Join(names, ", "))
	}
}

// LastFailed returns the id of the newest failed message, if any.
func (mt *MessageThread) LastFailed() string { return mt.failed }

// Messages returns the messages text view (for focus management).
func (mt *MessageThread) Messages() *tview.TextView { return mt.messages }

// TypingLine returns the typing indicator view.
func (mt *MessageThread) TypingLine() *tview.TextView { return mt.typing }

// Composer returns the composer input field (for focus management).
func (mt *MessageThread) Composer() *tview.InputField { return mt.composer }
