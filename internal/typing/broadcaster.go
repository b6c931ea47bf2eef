// Package typing sends and receives ephemeral typing signals over a
// conversation's realtime broadcast channel. Nothing is persisted.
package typing

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cherrygifts/cherrychat/internal/bus"
	ds "github.com/cherrygifts/cherrychat/internal/dataservice"
	"github.com/cherrygifts/cherrychat/internal/model"
	"go.uber.org/zap"
)

const (
	// Event is the broadcast event name on the typing channel.
	Event = "typing"

	DefaultAutoHide    = 5 * time.Second
	DefaultIdleTimeout = 3 * time.Second

	// refreshEvery bounds how often a continuing "typing" signal is re-sent so
	// receivers do not auto-hide an active typer.
	refreshEvery = 2 * time.Second
)

// Changed is the payload of typing.changed events.
type Changed struct {
	ConversationID string
	Typers         []model.TypingStatus
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithAutoHide sets how long a received typing signal stays visible without
// a refresh.
func WithAutoHide(d time.Duration) Option {
	return func(b *Broadcaster) {
		if d > 0 {
			b.autoHide = d
		}
	}
}

// WithIdleTimeout sets how long after the last keystroke "not typing" is sent.
func WithIdleTimeout(d time.Duration) Option {
	return func(b *Broadcaster) {
		if d > 0 {
			b.idleTimeout = d
		}
	}
}

type typer struct {
	status model.TypingStatus
	timer  *time.Timer
	token  uint64
}

// Broadcaster is bound to one conversation at a time.
type Broadcaster struct {
	svc      ds.Service
	bus      *bus.Bus
	logger   *zap.Logger
	userID   string
	username string

	autoHide    time.Duration
	idleTimeout time.Duration

	mu       sync.Mutex
	conv     string
	gen      uint64
	sub      ds.Subscription
	typers   map[string]*typer
	seq      uint64
	typing   bool
	lastSent time.Time
	idle     *time.Timer
}

// NewBroadcaster creates a broadcaster for userID, shown to others as username.
func NewBroadcaster(svc ds.Service, b *bus.Bus, logger *zap.Logger, userID, username string, opts ...Option) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Broadcaster{
		svc:         svc,
		bus:         b,
		logger:      logger,
		userID:      userID,
		username:    username,
		autoHide:    DefaultAutoHide,
		idleTimeout: DefaultIdleTimeout,
		typers:      make(map[string]*typer),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Attach joins the typing channel of conversationID, leaving any previous one.
func (t *Broadcaster) Attach(ctx context.Context, conversationID string) error {
	t.Detach()

	t.mu.Lock()
	t.gen++
	gen := t.gen
	t.conv = conversationID
	t.mu.Unlock()

	sub, err := t.svc.Subscribe(ctx, "typing:"+conversationID, nil, []string{Event}, ds.Handler{
		OnBroadcast: func(_ string, payload ds.Row) { t.receive(gen, payload) },
		OnState: func(s ds.ChannelState, err error) {
			if s == ds.StateChannelError || s == ds.StateTimedOut {
				t.logger.Warn("typing channel lost", zap.String("state", string(s)), zap.Error(err))
			}
		},
	})
	if err != nil {
		return model.Classify(model.CodeSubscriptionFailed, "subscribe to typing", err)
	}

	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		_ = sub.Unsubscribe()
		return nil
	}
	t.sub = sub
	t.mu.Unlock()
	return nil
}

// Detach sends "not typing", leaves the channel and forgets every typer.
func (t *Broadcaster) Detach() {
	t.mu.Lock()
	sub, conv := t.sub, t.conv
	t.mu.Unlock()
	if sub != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = t.SendTypingStatus(ctx, false)
		cancel()
	}

	t.mu.Lock()
	t.gen++
	t.sub = nil
	t.conv = ""
	t.typing = false
	if t.idle != nil {
		t.idle.Stop()
		t.idle = nil
	}
	hadTypers := len(t.typers) > 0
	for id, ty := range t.typers {
		ty.timer.Stop()
		delete(t.typers, id)
	}
	t.mu.Unlock()

	if sub != nil {
		_ = sub.Unsubscribe()
	}
	if hadTypers {
		t.bus.Emit(bus.TypingChanged, Changed{ConversationID: conv})
	}
}

// SendTypingStatus broadcasts the local typing state. While typing, a
// "not typing" signal follows automatically after the idle timeout.
func (t *Broadcaster) SendTypingStatus(ctx context.Context, isTyping bool) error {
	t.mu.Lock()
	sub, gen := t.sub, t.gen
	if sub == nil {
		t.mu.Unlock()
		return model.ErrNotAttached
	}
	if t.idle != nil {
		t.idle.Stop()
		t.idle = nil
	}
	now := time.Now()
	skip := isTyping && t.typing && now.Sub(t.lastSent) < refreshEvery
	if isTyping {
		t.idle = time.AfterFunc(t.idleTimeout, func() { t.idleExpired(gen) })
	}
	t.typing = isTyping
	if !skip {
		t.lastSent = now
	}
	t.mu.Unlock()

	if skip {
		return nil
	}
	payload := ds.Row{"user_id": t.userID, "is_typing": isTyping, "username": t.username}
	if err := sub.Broadcast(ctx, Event, payload); err != nil {
		t.logger.Debug("typing broadcast failed", zap.Error(err))
		return model.Classify(model.CodeNetwork, "broadcast typing", err)
	}
	return nil
}

func (t *Broadcaster) idleExpired(gen uint64) {
	t.mu.Lock()
	current := gen == t.gen && t.typing
	t.mu.Unlock()
	if !current {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = t.SendTypingStatus(ctx, false)
}

// Blur is called when the composer loses focus.
func (t *Broadcaster) Blur(ctx context.Context) error {
	return t.SendTypingStatus(ctx, false)
}

// MessageSent is called after the local user sent a message.
func (t *Broadcaster) MessageSent(ctx context.Context) error {
	return t.SendTypingStatus(ctx, false)
}

func (t *Broadcaster) receive(gen uint64, payload ds.Row) {
	userID, _ := payload["user_id"].(string)
	isTyping, _ := payload["is_typing"].(bool)
	username, _ := payload["username"].(string)
	if userID == "" || userID == t.userID {
		return
	}

	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	conv := t.conv
	if old, ok := t.typers[userID]; ok {
		old.timer.Stop()
		delete(t.typers, userID)
	}
	if isTyping {
		t.seq++
		token := t.seq
		t.typers[userID] = &typer{
			status: model.TypingStatus{UserID: userID, IsTyping: true, Username: username},
			token:  token,
			timer:  time.AfterFunc(t.autoHide, func() { t.hide(gen, userID, token) }),
		}
	}
	t.mu.Unlock()
	t.bus.Emit(bus.TypingChanged, Changed{ConversationID: conv, Typers: t.Typers()})
}

func (t *Broadcaster) hide(gen uint64, userID string, token uint64) {
	t.mu.Lock()
	ty, ok := t.typers[userID]
	if gen != t.gen || !ok || ty.token != token {
		t.mu.Unlock()
		return
	}
	delete(t.typers, userID)
	conv := t.conv
	t.mu.Unlock()
	t.bus.Emit(bus.TypingChanged, Changed{ConversationID: conv, Typers: t.Typers()})
}

// Typers returns the users currently typing, ordered by user id.
func (t *Broadcaster) Typers() []model.TypingStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]model.TypingStatus, 0, len(t.typers))
	for _, ty := range t.typers {
		out = append(out, ty.status)
	}
	slices.SortFunc(out, func(a, b model.TypingStatus) int { return strings.Compare(a.UserID, b.UserID) })
	return out
}
