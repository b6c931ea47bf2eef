// Package tui is the terminal chat client. Views are redrawn from the client
// components whenever the event bus reports a change.
package tui

import (
	"context"
	"strings"
	"time"

	"github.com/cherrygifts/cherrychat/internal/app"
	"github.com/cherrygifts/cherrychat/internal/bus"
	"github.com/cherrygifts/cherrychat/internal/tui/ui"
	"github.com/cherrygifts/cherrychat/internal/tui/views"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"
)

const (
	pageList   = "conversations"
	pageThread = "thread"
	pageFilter = "filter"

	opTimeout = 10 * time.Second
)

// App is the main TUI application shell.
type App struct {
	app       *tview.Application
	pages     *tview.Pages
	client    *app.Client
	theme     *ui.Theme
	flash     *ui.FlashModel
	list      *views.ConversationList
	thread    *views.MessageThread
	statusBar *views.StatusBar
	filter    *tview.InputField
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewApp creates the TUI for an assembled client.
func NewApp(c *app.Client, profileName string) *App {
	ctx, cancel := context.WithCancel(context.Background())
	theme := ui.DefaultTheme()

	a := &App{
		app:       tview.NewApplication(),
		pages:     tview.NewPages(),
		client:    c,
		theme:     theme,
		flash:     ui.NewFlashModel(nil),
		list:      views.NewConversationList(theme),
		thread:    views.NewMessageThread(theme, c.Me.UserID),
		statusBar: views.NewStatusBar(theme),
		filter:    tview.NewInputField().SetLabel(" / ").SetFieldWidth(0),
		ctx:       ctx,
		cancel:    cancel,
	}
	a.statusBar.SetProfile(profileName)
	a.setupCallbacks()
	a.setupLayout()
	return a
}

func (a *App) setupCallbacks() {
	a.list.SetSelectedFunc(func(int, int) {
		if id := a.list.SelectedConversation(); id != "" {
			a.openConversation(id, a.list.SelectedName())
		}
	})

	a.thread.SetOnSend(func(text string) {
		go func() {
			ctx, cancel := context.WithTimeout(a.ctx, opTimeout)
			defer cancel()
			res := a.client.Send(ctx, text)
			switch {
			case !res.Success:
				a.flash.Err(res.Error)
			case res.Queued:
				a.flash.Warn("Offline: message queued")
			}
			a.app.QueueUpdateDraw(a.refreshStatus)
		}()
	})

	a.thread.SetOnChange(func(text string) {
		typing := strings.TrimSpace(text) != ""
		go func() {
			ctx, cancel := context.WithTimeout(a.ctx, opTimeout)
			defer cancel()
			if err := a.client.Typing.SendTypingStatus(ctx, typing); err != nil {
				a.client.Logger.Debug("typing status not sent", zap.Error(err))
			}
		}()
	})

	a.thread.Composer().SetBlurFunc(func() {
		go func() {
			ctx, cancel := context.WithTimeout(a.ctx, opTimeout)
			defer cancel()
			_ = a.client.Typing.Blur(ctx)
		}()
	})

	a.filter.SetChangedFunc(a.list.SetFilter)
	a.filter.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEscape {
			a.filter.SetText("")
			a.list.SetFilter("")
		}
		a.pages.HidePage(pageFilter)
		a.app.SetFocus(a.list)
	})
}

func (a *App) setupLayout() {
	a.filter.SetBorder(true)
	a.filter.SetBorderColor(a.theme.BorderFocusColor)
	a.filter.SetTitle(" Filter ")
	a.filter.SetFieldBackgroundColor(a.theme.BgColor)

	filterModal := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(nil, 0, 1, false).
		AddItem(a.filter, 3, 0, true)

	a.pages.AddPage(pageList, a.list, true, true)
	a.pages.AddPage(pageThread, a.thread, true, false)
	a.pages.AddPage(pageFilter, filterModal, true, false)

	root := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.pages, 0, 1, true).
		AddItem(a.statusBar, 1, 0, false)
	a.app.SetRoot(root, true)
	a.app.SetInputCapture(a.handleKey)
}

func (a *App) handleKey(event *tcell.EventKey) *tcell.EventKey {
	page, _ := a.pages.GetFrontPage()

	if event.Key() == tcell.KeyEscape && page == pageThread {
		if a.app.GetFocus() == a.thread.Composer() {
			a.app.SetFocus(a.thread.Messages())
			return nil
		}
		a.closeConversation()
		return nil
	}

	// Text inputs get every other key.
	if _, ok := a.app.GetFocus().(*tview.InputField); ok {
		return event
	}
	if event.Key() != tcell.KeyRune {
		return event
	}

	switch event.Rune() {
	case 'q':
		a.Stop()
		return nil
	case '/':
		if page == pageList {
			a.pages.ShowPage(pageFilter)
			a.app.SetFocus(a.filter)
			return nil
		}
	case 'm':
		if page == pageList {
			go a.loadMore()
			return nil
		}
	case 'i':
		if page == pageThread {
			a.app.SetFocus(a.thread.Composer())
			return nil
		}
	case 'r':
		if page == pageThread {
			a.retryFailed()
			return nil
		}
	}
	return event
}

func (a *App) openConversation(id, name string) {
	a.thread.SetConversationName(name)
	a.thread.Update(nil)
	a.thread.SetTypers(nil)
	a.pages.SwitchToPage(pageThread)
	a.app.SetFocus(a.thread.Messages())

	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, opTimeout)
		defer cancel()
		msgs, err := a.client.Open(ctx, id)
		if err != nil {
			a.flash.Err(err)
		} else if err := a.client.MarkRead(ctx); err != nil {
			a.client.Logger.Debug("mark read failed", zap.Error(err))
		}
		a.app.QueueUpdateDraw(func() {
			a.thread.Update(msgs)
			a.refreshStatus()
		})
	}()
}

func (a *App) closeConversation() {
	a.client.CloseConversation()
	a.pages.SwitchToPage(pageList)
	a.app.SetFocus(a.list)
	a.list.Update(a.client.Conversations.Conversations())
}

func (a *App) retryFailed() {
	id := a.thread.LastFailed()
	if id == "" {
		a.flash.Info("Nothing to retry")
		a.refreshStatus()
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, opTimeout)
		defer cancel()
		if _, err := a.client.Engine.Retry(ctx, id); err != nil {
			a.flash.Err(err)
		}
		a.app.QueueUpdateDraw(a.refreshStatus)
	}()
}

func (a *App) loadMore() {
	ctx, cancel := context.WithTimeout(a.ctx, opTimeout)
	defer cancel()
	if !a.client.Conversations.HasMore() {
		a.flash.Info("No more conversations")
	} else if _, err := a.client.Conversations.LoadMore(ctx); err != nil {
		a.flash.Err(err)
	}
	a.app.QueueUpdateDraw(a.refreshList)
}

func (a *App) refreshList() {
	a.list.Update(a.client.Conversations.Conversations())
	a.list.SetHasMore(a.client.Conversations.HasMore())
	a.refreshStatus()
}

func (a *App) refreshStatus() {
	a.statusBar.SetOnline(a.client.Monitor.IsOnline())
	a.statusBar.SetRealtime(a.client.Engine.State())
	a.statusBar.SetQueued(a.client.Queue.Len())
	a.statusBar.SetFlash(a.flash.Current())
}

// follow redraws on bus events until the app stops.
func (a *App) follow() {
	ch, unsub := a.client.Bus.Subscribe("", 64)
	defer unsub()
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case evt := <-ch:
			a.app.QueueUpdateDraw(func() { a.apply(evt) })
		case <-tick.C:
			a.app.QueueUpdateDraw(a.refreshStatus)
		case <-a.ctx.Done():
			return
		}
	}
}

func (a *App) apply(evt bus.Event) {
	switch {
	case evt.Kind == bus.ConversationsChanged:
		a.refreshList()
		return
	case evt.Kind == bus.TypingChanged:
		a.thread.SetTypers(a.client.Typing.Typers())
	case strings.HasPrefix(evt.Kind, "message."), strings.HasPrefix(evt.Kind, "queue."):
		if a.client.Engine.ConversationID() != "" {
			a.thread.Update(a.client.Engine.Messages())
		}
		if evt.Kind == bus.QueueDropped {
			a.flash.Warn("A queued message was dropped after too many retries")
		}
	case evt.Kind == bus.NetOffline:
		a.flash.Warn("Connection lost")
	case evt.Kind == bus.NetOnline:
		a.flash.Info("Back online")
	}
	a.refreshStatus()
}

// Run loads the conversation list and blocks until the user quits.
func (a *App) Run() error {
	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, opTimeout)
		defer cancel()
		if _, err := a.client.Conversations.Load(ctx); err != nil {
			a.flash.Err(err)
		}
		a.app.QueueUpdateDraw(a.refreshList)
	}()
	go a.follow()
	return a.app.Run()
}

// Stop shuts down the TUI.
func (a *App) Stop() {
	a.cancel()
	a.app.Stop()
}
