// Package memory is an in-process implementation of dataservice.Service.
// It stands in for the hosted backend in tests and in cherryd.
package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cherrygifts/cherrychat/internal/bus"
	ds "github.com/cherrygifts/cherrychat/internal/dataservice"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	kindChange    = "change"
	kindBroadcast = "broadcast"
	kindState     = "state"
)

// Trigger runs after a row change has been committed, outside the table lock.
type Trigger func(ctx context.Context, b *Backend, c ds.Change)

// Backend holds collections in memory and fans changes out over a bus.
type Backend struct {
	mu       sync.RWMutex
	tables   map[string][]ds.Row
	triggers map[string][]Trigger

	feed      *bus.Bus
	logger    *zap.Logger
	now       func() time.Time
	available atomic.Bool
	nextSub   atomic.Int64
}

// Option configures a Backend.
type Option func(*Backend)

// WithClock overrides the time source used for created_at defaults.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

// WithTrigger registers fn for changes on collection.
func WithTrigger(collection string, fn Trigger) Option {
	return func(b *Backend) { b.triggers[collection] = append(b.triggers[collection], fn) }
}

// New creates an empty backend.
func New(logger *zap.Logger, opts ...Option) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Backend{
		tables:   make(map[string][]ds.Row),
		triggers: make(map[string][]Trigger),
		feed:     bus.New(),
		logger:   logger,
		now:      time.Now,
	}
	b.available.Store(true)
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetAvailable toggles a simulated outage. While unavailable every call
// returns ds.ErrUnavailable.
func (b *Backend) SetAvailable(ok bool) {
	b.available.Store(ok)
}

func (b *Backend) check() error {
	if !b.available.Load() {
		return ds.ErrUnavailable
	}
	return nil
}

// Query implements ds.Service.
func (b *Backend) Query(ctx context.Context, collection string, filters []ds.Filter, orders []ds.Order, rng *ds.Range) ([]ds.Row, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	var out []ds.Row
	for _, row := range b.tables[collection] {
		if ds.Matches(row, filters) {
			out = append(out, ds.Clone(row))
		}
	}
	b.mu.RUnlock()

	ds.SortRows(out, orders)
	return ds.Window(out, rng), nil
}

// Insert implements ds.Service. A missing id gets a UUID and a missing
// created_at gets the current time.
func (b *Backend) Insert(ctx context.Context, collection string, row ds.Row) (ds.Row, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stored := ds.Clone(row)
	if id, _ := stored["id"].(string); id == "" {
		stored["id"] = uuid.NewString()
	}
	if stored["created_at"] == nil {
		stored["created_at"] = b.now().UnixMilli()
	}

	b.mu.Lock()
	for _, existing := range b.tables[collection] {
		if existing["id"] == stored["id"] {
			b.mu.Unlock()
			return nil, fmt.Errorf("insert %s: duplicate id %v", collection, stored["id"])
		}
	}
	b.tables[collection] = append(b.tables[collection], stored)
	b.mu.Unlock()

	b.commit(ctx, ds.Change{Type: ds.ChangeInsert, Collection: collection, New: ds.Clone(stored)})
	return ds.Clone(stored), nil
}

// Update implements ds.Service.
func (b *Backend) Update(ctx context.Context, collection string, filters []ds.Filter, patch ds.Row) ([]ds.Row, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.Mutate(ctx, collection, filters, func(row ds.Row) {
		for k, v := range patch {
			row[k] = v
		}
	}), nil
}

// Mutate applies fn to every matching row and publishes update changes.
// Triggers use it for read-modify-write updates.
func (b *Backend) Mutate(ctx context.Context, collection string, filters []ds.Filter, fn func(ds.Row)) []ds.Row {
	var changes []ds.Change
	b.mu.Lock()
	for _, row := range b.tables[collection] {
		if !ds.Matches(row, filters) {
			continue
		}
		old := ds.Clone(row)
		fn(row)
		changes = append(changes, ds.Change{Type: ds.ChangeUpdate, Collection: collection, Old: old, New: ds.Clone(row)})
	}
	b.mu.Unlock()

	out := make([]ds.Row, 0, len(changes))
	for _, c := range changes {
		b.commit(ctx, c)
		out = append(out, ds.Clone(c.New))
	}
	return out
}

func (b *Backend) commit(ctx context.Context, c ds.Change) {
	b.feed.Emit(kindChange, c)
	for _, fn := range b.triggers[c.Collection] {
		fn(ctx, b, c)
	}
}

// Broadcast implements ds.Service. Every subscriber of channel receives it.
func (b *Backend) Broadcast(_ context.Context, channel, event string, payload ds.Row) error {
	if err := b.check(); err != nil {
		return err
	}
	b.feed.Emit(kindBroadcast, broadcastMsg{channel: channel, from: -1, event: event, payload: ds.Clone(payload)})
	return nil
}

// FailSubscriptions pushes state (CHANNEL_ERROR or TIMED_OUT) to every live
// subscription, simulating a realtime outage.
func (b *Backend) FailSubscriptions(state ds.ChannelState, err error) {
	b.feed.Emit(kindState, stateMsg{state: state, err: err})
}

// Rows returns a copy of a collection, for inspection in tests.
func (b *Backend) Rows(collection string) []ds.Row {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]ds.Row, 0, len(b.tables[collection]))
	for _, r := range b.tables[collection] {
		out = append(out, ds.Clone(r))
	}
	return out
}

type broadcastMsg struct {
	channel string
	from    int64
	event   string
	payload ds.Row
}

type stateMsg struct {
	state ds.ChannelState
	err   error
}
