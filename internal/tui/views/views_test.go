package views

import (
	"strings"
	"testing"
	"time"

	"github.com/cherrygifts/cherrychat/internal/model"
	"github.com/cherrygifts/cherrychat/internal/status"
	"github.com/cherrygifts/cherrychat/internal/tui/ui"
)

func TestSanitizeForTerminal(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello", "hello"},
		{"skin tone", "\U0001F44D\U0001F3FB", "\U0001F44D"},
		{"zwj", "a\u200Db", "ab"},
		{"control", "a\x07b", "ab"},
		{"newline kept", "a\nb", "a\nb"},
		{"color tag escaped", "[red]x", "[red[]x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizeForTerminal(tt.in); got != tt.want {
				t.Errorf("sanitizeForTerminal(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func conv(id, name, last string) model.Conversation {
	return model.Conversation{ID: id, UserID: id, LastMessageContent: last, User: &model.UserProfile{ID: id, Username: name, DisplayName: name}}
}

func TestConversationListFilterAndSelection(t *testing.T) {
	cl := NewConversationList(ui.DefaultTheme())
	cl.Update([]model.Conversation{conv("c1", "Alice", "order shipped"), conv("c2", "Bob", "refund please")})

	cl.Select(2, 0)
	if got := cl.SelectedConversation(); got != "c2" {
		t.Errorf("SelectedConversation() = %q, want c2", got)
	}

	cl.SetFilter("refund")
	if n := cl.GetRowCount(); n != 2 {
		t.Errorf("rows with filter = %d, want header + 1", n)
	}
	cl.Select(1, 0)
	if got := cl.SelectedConversation(); got != "c2" {
		t.Errorf("filtered SelectedConversation() = %q, want c2", got)
	}
	cl.SetFilter("")
	if n := cl.GetRowCount(); n != 3 {
		t.Errorf("rows without filter = %d, want 3", n)
	}
}

func TestMessageThreadRendersStatus(t *testing.T) {
	mt := NewMessageThread(ui.DefaultTheme(), "me")
	at := time.Date(2024, 5, 1, 9, 30, 0, 0, time.Local)
	mt.Update([]model.Message{
		{ID: "m1", SenderID: "other", Content: "hi", CreatedAt: at, Status: model.StatusRead},
		{ID: "temp-1", SenderID: "me", Content: "hello", CreatedAt: at, Status: model.StatusSending},
		{ID: "temp-2", SenderID: "me", Content: "oops", CreatedAt: at, Status: model.StatusFailed},
	})
	text := mt.Messages().GetText(true)
	for _, want := range []string{"hi", "hello", "oops", "sending", "failed"} {
		if !strings.Contains(text, want) {
			t.Errorf("thread text missing %q:\n%s", want, text)
		}
	}
	if got := mt.LastFailed(); got != "temp-2" {
		t.Errorf("LastFailed() = %q, want temp-2", got)
	}
}

func TestMessageThreadTypingLine(t *testing.T) {
	mt := NewMessageThread(ui.DefaultTheme(), "me")
	mt.SetTypers([]model.TypingStatus{{UserID: "u2", Username: "bob", IsTyping: true}})
	if got := mt.TypingLine().GetText(true); !strings.Contains(got, "bob is typing") {
		t.Errorf("typing line = %q", got)
	}
	mt.SetTypers(nil)
	if got := strings.TrimSpace(mt.TypingLine().GetText(true)); got != "" {
		t.Errorf("typing line after clear = %q, want empty", got)
	}
}

func TestStatusBar(t *testing.T) {
	sb := NewStatusBar(ui.DefaultTheme())
	sb.SetProfile("main")
	sb.SetOnline(false)
	sb.SetRealtime(status.Error)
	sb.SetQueued(2)
	text := sb.GetText(true)
	for _, want := range []string{"main", "offline", "ERROR", "2 queued"} {
		if !strings.Contains(text, want) {
			t.Errorf("status bar missing %q: %q", want, text)
		}
	}
}
