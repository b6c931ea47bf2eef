// Package sync keeps the message list of the open conversation in step with
// the backend: initial load, realtime merge, optimistic sends and receipts.
package sync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	stdsync "sync"
	"time"

	"github.com/cherrygifts/cherrychat/internal/bus"
	"github.com/cherrygifts/cherrychat/internal/cache"
	ds "github.com/cherrygifts/cherrychat/internal/dataservice"
	"github.com/cherrygifts/cherrychat/internal/model"
	"github.com/cherrygifts/cherrychat/internal/outbox"
	"github.com/cherrygifts/cherrychat/internal/status"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrStale is returned by LoadMessages when the conversation changed while
// the fetch was in flight. The result was discarded.
var ErrStale = errors.New("conversation changed during load")

// PendingSource lists queued sends, so restored queue entries show up as
// sending after a restart. outbox.Queue implements it.
type PendingSource interface {
	Pending() []model.QueuedMessage
}

// Upsert is the payload of message.* events.
type Upsert struct {
	ConversationID string
	LocalID        string
	Message        *model.Message
	Err            error
}

// Option configures an Engine.
type Option func(*Engine)

// WithPending merges queued entries into loaded lists.
func WithPending(p PendingSource) Option {
	return func(e *Engine) { e.pending = p }
}

// WithClock overrides the time source used for receipts and optimistic entries.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine owns the message list of one attached conversation at a time.
type Engine struct {
	svc       ds.Service
	messages  *cache.Typed[[]model.Message]
	transport outbox.Transport
	pending   PendingSource
	bus       *bus.Bus
	logger    *zap.Logger
	state     *status.Machine
	me        model.Identity
	now       func() time.Time

	mu      stdsync.Mutex
	conv    string
	gen     uint64
	sub     ds.Subscription
	list    []model.Message
	lastErr error

	cancel context.CancelFunc
}

// NewEngine creates an engine acting as me. cm may be nil to disable caching.
func NewEngine(svc ds.Service, cm *cache.Manager, tr outbox.Transport, b *bus.Bus, logger *zap.Logger, me model.Identity, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if b == nil {
		b = bus.New()
	}
	e := &Engine{
		svc:       svc,
		transport: tr,
		bus:       b,
		logger:    logger,
		state:     status.NewMachine(b, "messages"),
		me:        me,
		now:       time.Now,
	}
	if cm != nil {
		e.messages = cache.Bind(cm, cache.Messages)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start follows queue events for optimistic entries and resubscribes after
// connectivity returns.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	// Queue events are handled inline: a lost queue.sent would leave the
	// optimistic entry next to its realtime echo.
	unsubQueue := e.bus.SubscribeFunc("queue.", e.handleQueueEvent)
	net, unsubNet := e.bus.Subscribe(bus.NetOnline, 4)

	go func() {
		defer unsubQueue()
		defer unsubNet()
		for {
			select {
			case <-net:
				if e.state.Current() == status.Error {
					if err := e.Reconnect(ctx); err != nil {
						e.logger.Warn("resubscribe failed", zap.Error(err))
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop detaches and stops the event loop.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.Detach()
}

// State returns the realtime subscription state.
func (e *Engine) State() status.State {
	return e.state.Current()
}

// ConversationID returns the attached conversation, or "".
func (e *Engine) ConversationID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conv
}

// Messages returns a snapshot of the list ordered by creation time.
func (e *Engine) Messages() []model.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.list)
}

// Err returns the last load or subscription error, nil after a successful
// load or subscription.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// Attach switches to conversationID: any previous subscription is removed
// first, then the list is loaded and the realtime channel subscribed. A load
// failure is returned but the subscription is kept.
func (e *Engine) Attach(ctx context.Context, conversationID string) error {
	e.Detach()

	e.mu.Lock()
	e.gen++
	e.conv = conversationID
	e.list = nil
	e.lastErr = nil
	e.mu.Unlock()

	// A live subscription means the backend is reachable, so catch up on
	// anything that arrived while the conversation was not attached.
	subErr := e.subscribe(ctx)
	_, loadErr := e.load(ctx, subErr == nil)
	if subErr != nil {
		return subErr
	}
	if errors.Is(loadErr, ErrStale) {
		return nil
	}
	return loadErr
}

// Detach unsubscribes and forgets the attached conversation.
func (e *Engine) Detach() {
	e.mu.Lock()
	e.gen++
	sub := e.sub
	e.sub = nil
	e.conv = ""
	e.list = nil
	e.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			e.logger.Warn("unsubscribe failed", zap.Error(err))
		}
	}
	e.state.Reset()
}

// Reconnect drops the current subscription and subscribes again.
func (e *Engine) Reconnect(ctx context.Context) error {
	e.mu.Lock()
	sub := e.sub
	e.sub = nil
	e.gen++
	conv := e.conv
	e.mu.Unlock()
	if conv == "" {
		return model.ErrNotAttached
	}
	if sub != nil {
		_ = sub.Unsubscribe()
	}
	e.state.Reset()
	if err := e.subscribe(ctx); err != nil {
		return err
	}
	_, err := e.load(ctx, true)
	if errors.Is(err, ErrStale) {
		return nil
	}
	return err
}

func (e *Engine) subscribe(ctx context.Context) error {
	e.mu.Lock()
	conv, gen := e.conv, e.gen
	e.mu.Unlock()

	if err := e.state.Transition(status.Connecting); err != nil {
		e.logger.Debug("state", zap.Error(err))
	}
	filters := []ds.ChangeFilter{{
		Collection: model.CollectionMessages,
		Type:       ds.ChangeAll,
		Filters:    []ds.Filter{ds.Eq("conversation_id", conv)},
	}}
	sub, err := e.svc.Subscribe(ctx, "messages:"+conv, filters, nil, ds.Handler{
		OnChange: func(c ds.Change) { e.onChange(gen, c) },
		OnState:  func(s ds.ChannelState, err error) { e.onState(gen, s, err) },
	})
	if err != nil {
		serr := model.Classify(model.CodeSubscriptionFailed, "subscribe to messages", err)
		_ = e.state.Fail(serr)
		e.setErr(gen, serr)
		return serr
	}

	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		_ = sub.Unsubscribe()
		return nil
	}
	e.sub = sub
	e.mu.Unlock()
	return nil
}

func (e *Engine) current(gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return gen == e.gen
}

func (e *Engine) setErr(gen uint64, err error) {
	e.mu.Lock()
	if gen == e.gen {
		e.lastErr = err
	}
	e.mu.Unlock()
}

func (e *Engine) onState(gen uint64, s ds.ChannelState, err error) {
	if !e.current(gen) {
		return
	}
	switch s {
	case ds.StateSubscribed:
		if e.state.Current() == status.Error {
			_ = e.state.Transition(status.Connecting)
		}
		if err := e.state.Transition(status.Connected); err != nil {
			e.logger.Debug("state", zap.Error(err))
		}
		e.setErr(gen, nil)
		e.logger.Info("realtime subscribed", zap.String("conversation_id", e.ConversationID()))
	case ds.StateChannelError, ds.StateTimedOut:
		if err == nil {
			err = errors.New(string(s))
		}
		serr := &model.Error{Code: model.CodeSubscriptionFailed, Message: "realtime channel lost", Details: string(s), Err: err}
		if ferr := e.state.Fail(serr); ferr != nil {
			e.logger.Debug("state", zap.Error(ferr))
		}
		e.setErr(gen, serr)
		e.logger.Warn("realtime subscription failed", zap.String("state", string(s)), zap.Error(err))
	case ds.StateClosed:
		e.state.Reset()
	}
}

// LoadMessages returns the attached conversation's messages, from the cache
// when possible, otherwise from the data service ordered by creation time.
func (e *Engine) LoadMessages(ctx context.Context) ([]model.Message, error) {
	return e.load(ctx, false)
}

// load is LoadMessages. With fresh set the data service is asked first and
// the cache only serves when the query fails.
func (e *Engine) load(ctx context.Context, fresh bool) ([]model.Message, error) {
	e.mu.Lock()
	conv, gen := e.conv, e.gen
	e.mu.Unlock()
	if conv == "" {
		return nil, model.ErrNotAttached
	}

	var (
		fetched   []model.Message
		fromCache bool
	)
	if !fresh {
		fetched, fromCache = e.cached(ctx, conv)
	}
	if !fromCache {
		var err error
		fetched, err = e.query(ctx, conv)
		if err != nil {
			if fresh {
				fetched, fromCache = e.cached(ctx, conv)
			}
			if !fromCache {
				qerr := model.Classify(model.CodeQueryFailed, "load messages", err)
				e.setErr(gen, qerr)
				e.logger.Error("failed to load messages", zap.String("conversation_id", conv), zap.Error(err))
				return nil, qerr
			}
			e.logger.Warn("refresh failed, showing cached messages", zap.String("conversation_id", conv), zap.Error(err))
		}
	}
	model.Annotate(fetched)

	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return nil, ErrStale
	}
	e.list = merge(fetched, append(e.list, e.queued(conv)...))
	out := slices.Clone(e.list)
	e.lastErr = nil
	e.mu.Unlock()

	if !fromCache {
		e.store(conv, out)
	}
	e.deliver(conv, out)
	e.bus.Emit(bus.MessageUpserted, Upsert{ConversationID: conv})
	return out, nil
}

func (e *Engine) query(ctx context.Context, conv string) ([]model.Message, error) {
	rows, err := e.svc.Query(ctx, model.CollectionMessages,
		[]ds.Filter{ds.Eq("conversation_id", conv)},
		[]ds.Order{{Field: "created_at"}},
		nil)
	if err != nil {
		return nil, err
	}
	out := make([]model.Message, 0, len(rows))
	for _, row := range rows {
		out = append(out, model.MessageFromRow(row))
	}
	return out, nil
}

func (e *Engine) cached(ctx context.Context, conv string) ([]model.Message, bool) {
	if e.messages == nil {
		return nil, false
	}
	list, ok := e.messages.Get(ctx, conv)
	if !ok {
		return nil, false
	}
	return slices.Clone(list), true
}

func (e *Engine) store(conv string, list []model.Message) {
	if e.messages == nil {
		return
	}
	e.messages.Set(conv, persistable(list))
}

func (e *Engine) snapshotAndStore(gen uint64) {
	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	conv := e.conv
	out := slices.Clone(e.list)
	e.mu.Unlock()
	e.store(conv, out)
}

// queued turns pending queue entries of conv into sending entries.
// Callers hold e.mu.
func (e *Engine) queued(conv string) []model.Message {
	if e.pending == nil {
		return nil
	}
	var out []model.Message
	for _, q := range e.pending.Pending() {
		if q.ConversationID != conv {
			continue
		}
		out = append(out, e.optimistic(q.ID, conv, q.Content, q.Timestamp))
	}
	return out
}

func (e *Engine) optimistic(id, conv, content string, at time.Time) model.Message {
	return model.Message{
		ID:             id,
		ConversationID: conv,
		SenderID:       e.me.UserID,
		Content:        content,
		MessageType:    model.DetectType(content),
		IsAdmin:        e.me.IsAdmin(),
		CreatedAt:      at,
		Status:         model.StatusSending,
	}
}

func (e *Engine) onChange(gen uint64, c ds.Change) {
	msg := model.MessageFromRow(c.New)

	e.mu.Lock()
	if gen != e.gen || msg.ConversationID != e.conv {
		e.mu.Unlock()
		return
	}
	conv := e.conv
	changed := false
	switch c.Type {
	case ds.ChangeInsert:
		e.list, changed = insert(e.list, msg)
	case ds.ChangeUpdate:
		changed = replace(e.list, msg)
	}
	e.mu.Unlock()

	if !changed {
		return
	}
	e.snapshotAndStore(gen)
	e.bus.Emit(bus.MessageUpserted, Upsert{ConversationID: conv, Message: &msg})
	if c.Type == ds.ChangeInsert {
		e.deliver(conv, []model.Message{msg})
	}
}

// deliver marks messages from other senders that are still only sent as
// delivered, in one batch update, without blocking the caller.
func (e *Engine) deliver(conv string, msgs []model.Message) {
	var ids []string
	for _, m := range msgs {
		if m.SenderID != e.me.UserID && m.Status == model.StatusSent && !isOptimistic(&m) {
			ids = append(ids, m.ID)
		}
	}
	if len(ids) == 0 {
		return
	}
	now := e.now().UnixMilli()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, err := e.svc.Update(ctx, model.CollectionMessages,
			[]ds.Filter{ds.In("id", ids), ds.IsNull("delivered_at")},
			ds.Row{"delivered_at": now})
		if err != nil {
			e.logger.Warn("failed to mark delivered", zap.String("conversation_id", conv), zap.Int("count", len(ids)), zap.Error(err))
		}
	}()
}

// SendMessage sends content on the direct path: an optimistic sending entry
// is shown at once and replaced by the stored message, or marked failed.
func (e *Engine) SendMessage(ctx context.Context, content string) (model.Message, error) {
	if err := model.ValidateContent(content); err != nil {
		return model.Message{}, err
	}
	e.mu.Lock()
	conv, gen := e.conv, e.gen
	if conv == "" {
		e.mu.Unlock()
		return model.Message{}, model.ErrNotAttached
	}
	temp := e.optimistic(TempIDPrefix+uuid.NewString(), conv, content, e.now())
	e.list = append(e.list, temp)
	sortByCreated(e.list)
	e.mu.Unlock()
	e.bus.Emit(bus.MessageUpserted, Upsert{ConversationID: conv, LocalID: temp.ID, Message: &temp})

	msg, err := e.transport.InsertMessage(ctx, conv, content)
	if err != nil {
		serr := model.Classify(model.CodeSendFailed, "send message", err)
		failed := e.fail(gen, temp.ID)
		e.logger.Error("failed to send message", zap.String("conversation_id", conv), zap.Error(err))
		e.bus.Emit(bus.MessageSendFailed, Upsert{ConversationID: conv, LocalID: temp.ID, Message: &failed, Err: serr})
		return failed, serr
	}

	e.mu.Lock()
	if gen == e.gen {
		e.list = confirm(e.list, temp.ID, msg)
	}
	e.mu.Unlock()
	e.snapshotAndStore(gen)
	e.logger.Info("message sent", zap.String("conversation_id", conv), zap.String("message_id", msg.ID))
	e.bus.Emit(bus.MessageSendAck, Upsert{ConversationID: conv, LocalID: temp.ID, Message: &msg})
	return msg, nil
}

// fail marks the local entry id as failed and returns it.
func (e *Engine) fail(gen uint64, id string) model.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.gen {
		return model.Message{ID: id, Status: model.StatusFailed}
	}
	i := indexOf(e.list, id)
	if i < 0 {
		return model.Message{ID: id, Status: model.StatusFailed}
	}
	e.list[i].Status = model.StatusFailed
	return e.list[i]
}

// Retry sends a failed entry again. The failed entry is replaced by a new
// optimistic one.
func (e *Engine) Retry(ctx context.Context, id string) (model.Message, error) {
	e.mu.Lock()
	i := indexOf(e.list, id)
	if i < 0 || e.list[i].Status != model.StatusFailed {
		e.mu.Unlock()
		return model.Message{}, fmt.Errorf("retry %s: no failed message with that id", id)
	}
	content := e.list[i].Content
	e.list = slices.Delete(e.list, i, i+1)
	e.mu.Unlock()
	return e.SendMessage(ctx, content)
}

// MarkAsRead marks every unread message from other senders in the attached
// conversation as read and resets the conversation's unread counter.
func (e *Engine) MarkAsRead(ctx context.Context, currentUserID string) error {
	e.mu.Lock()
	conv, gen := e.conv, e.gen
	if conv == "" {
		e.mu.Unlock()
		return model.ErrNotAttached
	}
	now := e.now()
	for i := range e.list {
		m := &e.list[i]
		if m.SenderID == currentUserID || m.ReadAt != nil || isOptimistic(m) {
			continue
		}
		m.ReadAt = &now
		m.Status = model.ResolveStatus(m)
	}
	e.mu.Unlock()
	e.snapshotAndStore(gen)

	_, err := e.svc.Update(ctx, model.CollectionMessages,
		[]ds.Filter{
			ds.Eq("conversation_id", conv),
			ds.Neq("sender_id", currentUserID),
			ds.IsNull("read_at"),
		},
		ds.Row{"read_at": now.UnixMilli()})
	if err != nil {
		return model.Classify(model.CodeNetwork, "mark messages read", err)
	}
	_, err = e.svc.Update(ctx, model.CollectionConversations,
		[]ds.Filter{ds.Eq("id", conv)},
		ds.Row{"unread_count": int64(0)})
	if err != nil {
		return model.Classify(model.CodeNetwork, "reset unread count", err)
	}
	return nil
}

func (e *Engine) handleQueueEvent(evt bus.Event) {
	qe, ok := evt.Payload.(outbox.Event)
	if !ok {
		return
	}
	e.mu.Lock()
	if qe.ConversationID != e.conv {
		e.mu.Unlock()
		return
	}
	gen := e.gen
	var (
		kind string
		up   = Upsert{ConversationID: qe.ConversationID, LocalID: qe.ID, Err: qe.Err}
	)
	switch evt.Kind {
	case bus.QueueSending, bus.QueueEnqueued:
		entry := e.optimistic(qe.ID, qe.ConversationID, qe.Content, qe.Timestamp)
		e.list, _ = insert(e.list, entry)
		up.Message = &entry
		kind = bus.MessageUpserted
	case bus.QueueSent, bus.QueueSynced:
		if qe.Message == nil {
			e.mu.Unlock()
			return
		}
		e.list = confirm(e.list, qe.ID, *qe.Message)
		up.Message = qe.Message
		kind = bus.MessageSendAck
	case bus.QueueDropped:
		i := indexOf(e.list, qe.ID)
		if i < 0 {
			e.mu.Unlock()
			return
		}
		e.list[i].Status = model.StatusFailed
		failed := e.list[i]
		up.Message = &failed
		kind = bus.MessageSendFailed
	default:
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	if kind == bus.MessageSendAck {
		e.snapshotAndStore(gen)
	}
	e.bus.Emit(kind, up)
}
