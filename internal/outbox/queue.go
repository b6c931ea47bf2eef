// Package outbox holds outgoing messages that the backend has not confirmed
// and replays them when connectivity returns.
package outbox

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cherrygifts/cherrychat/internal/bus"
	"github.com/cherrygifts/cherrychat/internal/model"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultMaxRetries is the number of failed sync attempts after which an
	// entry is dropped.
	DefaultMaxRetries = 3

	// IDPrefix marks client generated queue ids.
	IDPrefix = "offline-"
)

// Transport delivers one message to the backend and returns the stored row.
type Transport interface {
	InsertMessage(ctx context.Context, conversationID, content string) (model.Message, error)
}

// Persister saves the queue so it survives restarts. store.DB and
// redisstore.Store implement it.
type Persister interface {
	LoadQueue(ctx context.Context) ([]model.QueuedMessage, error)
	SaveQueue(ctx context.Context, entries []model.QueuedMessage) error
}

// Connectivity reports whether the backend is reachable.
type Connectivity interface {
	IsOnline() bool
}

// Event is the payload of queue.* bus events.
type Event struct {
	ID             string
	ConversationID string
	Content        string
	Timestamp      time.Time
	RetryCount     int
	Message        *model.Message
	Err            error
}

// SendResult is returned by SendMessage.
type SendResult struct {
	Success   bool
	MessageID string
	Queued    bool
	Error     error
}

// SyncReport summarizes one SyncAll pass.
type SyncReport struct {
	Skipped bool
	Synced  int
	Retried int
	Dropped []model.QueuedMessage
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxRetries overrides DefaultMaxRetries.
func WithMaxRetries(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxRetries = n
		}
	}
}

// WithClock overrides the enqueue timestamp source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// Queue is the persistent FIFO of pending outgoing messages.
type Queue struct {
	mu      sync.Mutex
	entries []model.QueuedMessage
	syncing bool

	transport  Transport
	persister  Persister
	net        Connectivity
	bus        *bus.Bus
	logger     *zap.Logger
	maxRetries int
	now        func() time.Time
	cancel     context.CancelFunc
}

// NewQueue creates an empty queue. Persister may be nil for a memory only queue.
func NewQueue(t Transport, p Persister, net Connectivity, b *bus.Bus, logger *zap.Logger, opts ...Option) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if b == nil {
		b = bus.New()
	}
	q := &Queue{
		transport:  t,
		persister:  p,
		net:        net,
		bus:        b,
		logger:     logger,
		maxRetries: DefaultMaxRetries,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Load replaces the in-memory queue with the persisted one.
func (q *Queue) Load(ctx context.Context) error {
	if q.persister == nil {
		return nil
	}
	entries, err := q.persister.LoadQueue(ctx)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	q.mu.Lock()
	q.entries = entries
	q.mu.Unlock()
	if len(entries) > 0 {
		q.logger.Info("offline queue restored", zap.Int("entries", len(entries)))
	}
	return nil
}

// Start syncs the queue on every offline to online transition until ctx is
// done or Stop is called. A non-empty queue is synced right away when online.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	ch, unsub := q.bus.Subscribe("net.", 16)
	go func() {
		defer unsub()
		if q.online() && q.Len() > 0 {
			q.SyncAll(ctx)
		}
		for {
			select {
			case evt := <-ch:
				if evt.Kind == bus.NetOnline {
					q.SyncAll(ctx)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the connectivity loop.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
}

func (q *Queue) online() bool {
	return q.net == nil || q.net.IsOnline()
}

// Enqueue appends a message with RetryCount 0 and persists the queue.
func (q *Queue) Enqueue(ctx context.Context, conversationID, content string) (string, error) {
	if err := model.ValidateContent(content); err != nil {
		return "", err
	}
	id := IDPrefix + uuid.NewString()
	return id, q.enqueue(ctx, model.QueuedMessage{ID: id, ConversationID: conversationID, Content: content, Timestamp: q.now()})
}

func (q *Queue) enqueue(ctx context.Context, entry model.QueuedMessage) error {
	q.mu.Lock()
	q.entries = append(q.entries, entry)
	q.mu.Unlock()
	q.logger.Info("message queued", zap.String("queue_id", entry.ID), zap.String("conversation_id", entry.ConversationID))
	return q.persist(ctx)
}

// Dequeue removes an entry. Removing an unknown id is not an error.
func (q *Queue) Dequeue(ctx context.Context, id string) error {
	q.mu.Lock()
	q.entries = slices.DeleteFunc(q.entries, func(e model.QueuedMessage) bool { return e.ID == id })
	q.mu.Unlock()
	return q.persist(ctx)
}

// Pending returns a snapshot of the queue in FIFO order.
func (q *Queue) Pending() []model.QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.entries)
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *Queue) persist(ctx context.Context) error {
	if q.persister == nil {
		return nil
	}
	if err := q.persister.SaveQueue(ctx, q.Pending()); err != nil {
		q.logger.Error("failed to persist offline queue", zap.Error(err))
		return fmt.Errorf("save queue: %w", err)
	}
	return nil
}

// SyncAll attempts every queued entry once, in order. A call made while
// another is running, or while offline, returns a skipped report.
func (q *Queue) SyncAll(ctx context.Context) SyncReport {
	q.mu.Lock()
	if q.syncing || !q.online() {
		q.mu.Unlock()
		return SyncReport{Skipped: true}
	}
	q.syncing = true
	batch := slices.Clone(q.entries)
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.syncing = false
		q.mu.Unlock()
	}()

	var report SyncReport
	for _, entry := range batch {
		if ctx.Err() != nil {
			break
		}
		msg, err := q.transport.InsertMessage(ctx, entry.ConversationID, entry.Content)
		if err == nil {
			_ = q.Dequeue(ctx, entry.ID)
			report.Synced++
			q.logger.Info("queued message synced", zap.String("queue_id", entry.ID), zap.String("message_id", msg.ID))
			q.bus.Emit(bus.QueueSynced, Event{ID: entry.ID, ConversationID: entry.ConversationID, Content: entry.Content, Timestamp: entry.Timestamp, Message: &msg})
			continue
		}

		entry.RetryCount++
		if entry.RetryCount < q.maxRetries {
			q.update(entry)
			_ = q.persist(ctx)
			report.Retried++
			q.logger.Warn("queued message retry failed", zap.String("queue_id", entry.ID), zap.Int("retry_count", entry.RetryCount), zap.Error(err))
			continue
		}

		_ = q.Dequeue(ctx, entry.ID)
		report.Dropped = append(report.Dropped, entry)
		exhausted := &model.Error{
			Code:    model.CodeQueueExhausted,
			Message: "message could not be delivered",
			Details: fmt.Sprintf("gave up after %d attempts", entry.RetryCount),
			Err:     err,
		}
		q.logger.Error("queued message dropped", zap.String("queue_id", entry.ID), zap.Int("retry_count", entry.RetryCount), zap.Error(err))
		q.bus.Emit(bus.QueueDropped, Event{ID: entry.ID, ConversationID: entry.ConversationID, Content: entry.Content, Timestamp: entry.Timestamp, RetryCount: entry.RetryCount, Err: exhausted})
	}
	return report
}

func (q *Queue) update(entry model.QueuedMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.entries {
		if q.entries[i].ID == entry.ID {
			q.entries[i].RetryCount = entry.RetryCount
			return
		}
	}
}

// SendMessage is the single send entry point. Offline, the message is
// queued. Online, it is sent immediately and queued if that fails.
func (q *Queue) SendMessage(ctx context.Context, conversationID, content string) SendResult {
	if err := model.ValidateContent(content); err != nil {
		return SendResult{Error: err}
	}
	entry := model.QueuedMessage{
		ID:             IDPrefix + uuid.NewString(),
		ConversationID: conversationID,
		Content:        content,
		Timestamp:      q.now(),
	}
	q.bus.Emit(bus.QueueSending, Event{ID: entry.ID, ConversationID: conversationID, Content: content, Timestamp: entry.Timestamp})

	if !q.online() {
		return q.fallback(ctx, entry, nil)
	}

	msg, err := q.transport.InsertMessage(ctx, conversationID, content)
	if err != nil {
		q.logger.Warn("send failed, queueing", zap.String("conversation_id", conversationID), zap.Error(err))
		return q.fallback(ctx, entry, model.Classify(model.CodeSendFailed, "send failed, message queued for retry", err))
	}
	q.bus.Emit(bus.QueueSent, Event{ID: entry.ID, ConversationID: conversationID, Content: content, Timestamp: entry.Timestamp, Message: &msg})
	return SendResult{Success: true, MessageID: msg.ID}
}

func (q *Queue) fallback(ctx context.Context, entry model.QueuedMessage, cause error) SendResult {
	if err := q.enqueue(ctx, entry); err != nil {
		// The entry is still held in memory and will be retried.
		q.logger.Warn("queued message not persisted", zap.String("queue_id", entry.ID), zap.Error(err))
	}
	q.bus.Emit(bus.QueueEnqueued, Event{ID: entry.ID, ConversationID: entry.ConversationID, Content: entry.Content, Timestamp: entry.Timestamp, Err: cause})
	return SendResult{Success: true, MessageID: entry.ID, Queued: true, Error: cause}
}
