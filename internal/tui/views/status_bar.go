package views

import (
	"fmt"
	"time"

	"github.com/cherrygifts/cherrychat/internal/status"
	"github.com/cherrygifts/cherrychat/internal/tui/ui"
	"github.com/rivo/tview"
)

// StatusBar displays the profile, connectivity, realtime state and queue depth.
type StatusBar struct {
	*tview.TextView
	theme    *ui.Theme
	profile  string
	online   bool
	realtime status.State
	queued   int
	flash    *ui.FlashMessage
}

// NewStatusBar creates a new status bar.
func NewStatusBar(theme *ui.Theme) *StatusBar {
	tv := tview.NewTextView().SetDynamicColors(true)
	tv.SetBackgroundColor(tview.Styles.MoreContrastBackgroundColor)
	return &StatusBar{TextView: tv, theme: theme, realtime: status.Disconnected}
}

// SetProfile updates the profile name display.
func (sb *StatusBar) SetProfile(name string) {
	sb.profile = name
	sb.render()
}

// SetOnline updates the connectivity indicator.
func (sb *StatusBar) SetOnline(online bool) {
	sb.online = online
	sb.render()
}

// SetRealtime updates the realtime channel state.
func (sb *StatusBar) SetRealtime(s status.State) {
	sb.realtime = s
	sb.render()
}

// SetQueued updates the number of messages waiting in the offline queue.
func (sb *StatusBar) SetQueued(n int) {
	sb.queued = n
	sb.render()
}

// SetFlash sets the transient message, nil clears it.
func (sb *StatusBar) SetFlash(m *ui.FlashMessage) {
	sb.flash = m
	sb.render()
}

func (sb *StatusBar) render() {
	sb.Clear()

	net := ui.Tag(sb.theme.OnlineColor) + "online[-]"
	if !sb.online {
		net = ui.Tag(sb.theme.OfflineColor) + "offline[-]"
	}
	line := fmt.Sprintf(" [::b]%s[-:-:-] | %s | %s", tview.Escape(sb.profile), net, sb.realtime)
	if sb.queued > 0 {
		line += fmt.Sprintf(" | %s%d queued[-]", ui.Tag(sb.theme.UnreadColor), sb.queued)
	}
	line += " | " + time.Now().Format("15:04")
	if sb.flash != nil {
		line += fmt.Sprintf(" | [%s]%s[-]", sb.theme.FlashColor(sb.flash.Level), tview.Escape(sb.flash.Text))
	}
	_, _ = fmt.Fprint(sb, line)
}
