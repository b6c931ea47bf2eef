// Package cache is a two tier cache: a bounded in-memory map in front of a
// durable key/value store. Durable failures are logged and never surface to
// callers; the cache degrades to memory only.
package cache

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/elliotchance/orderedmap/v3"
	"go.uber.org/zap"
)

const (
	DefaultMaxMemorySize = 100
	DefaultTTL           = 5 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
	// DefaultVersion is the envelope format written when Options.Version is empty.
	DefaultVersion = "1.0.0"

	// CollectionGeneric holds keys without a known collection prefix.
	CollectionGeneric = "cache"
)

// Collections lists every durable collection the manager writes to.
var Collections = []string{"messages", "conversations", "users", CollectionGeneric}

// Durable is the persistent tier. store.DB and redisstore.Store implement it.
type Durable interface {
	Put(ctx context.Context, collection, key string, value []byte, expiresAt time.Time) error
	Get(ctx context.Context, collection, key string) ([]byte, bool, error)
	Delete(ctx context.Context, collection, key string) error
	Clear(ctx context.Context, collection string) error
	Keys(ctx context.Context, collection string) ([]string, error)
	DeleteExpired(ctx context.Context, collection string, now time.Time) (int, error)
}

// Observer is notified of lookups. Tier is "memory" or "durable".
type Observer interface {
	CacheHit(tier string)
	CacheMiss()
}

// Entry is the envelope stored in the durable tier.
type Entry[T any] struct {
	Data      T         `json:"data"`
	Timestamp time.Time `json:"timestamp"`
	ExpiresAt time.Time `json:"expires_at"`
	Version   string    `json:"version"`
}

type memEntry struct {
	data      any
	timestamp time.Time
	expiresAt time.Time
}

// Options configures a Manager. Zero values take the defaults.
type Options struct {
	MaxMemorySize int
	DefaultTTL    time.Duration
	SweepInterval time.Duration
	// Version is the envelope format this manager writes and accepts.
	// Durable entries stamped with any other version are misses.
	Version string
	// CollectionTTL overrides the schema TTL of typed views per collection.
	CollectionTTL map[string]time.Duration
	Durable       Durable
	Observer      Observer
	Logger        *zap.Logger
	Now           func() time.Time
}

// Stats is a snapshot of cache counters.
type Stats struct {
	MemoryEntries int
	Hits          uint64
	Misses        uint64
	PendingWrites int
}

// SetOption adjusts a single Set.
type SetOption func(*memEntry)

// WithTTL overrides the default time to live.
func WithTTL(ttl time.Duration) SetOption {
	return func(e *memEntry) { e.expiresAt = e.timestamp.Add(ttl) }
}

type writeOp struct {
	fn   func(ctx context.Context)
	done chan struct{}
}

// Manager is the layered cache.
type Manager struct {
	opts   Options
	logger *zap.Logger

	mu     sync.Mutex
	memory *orderedmap.OrderedMap[string, memEntry]
	hits   uint64
	misses uint64

	writes chan writeOp
	quit   chan struct{}
	wg     sync.WaitGroup

	lifeMu    sync.Mutex
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New creates a manager and starts its durable writer.
func New(opts Options) *Manager {
	if opts.MaxMemorySize <= 0 {
		opts.MaxMemorySize = DefaultMaxMemorySize
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Version == "" {
		opts.Version = DefaultVersion
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		opts:   opts,
		logger: logger,
		memory: orderedmap.NewOrderedMap[string, memEntry](),
		writes: make(chan writeOp, 256),
		quit:   make(chan struct{}),
	}
	m.wg.Add(1)
	go m.writer()
	return m
}

// Start runs the periodic sweep until ctx is done or Close is called.
func (m *Manager) Start(ctx context.Context) {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Sweep(ctx)
			case <-ctx.Done():
				return
			case <-m.quit:
				return
			}
		}
	}()
}

// Close stops the sweep, drains pending durable writes and stops the writer.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.Flush()
		m.lifeMu.Lock()
		if m.cancel != nil {
			m.cancel()
		}
		m.lifeMu.Unlock()
		close(m.quit)
		m.wg.Wait()
	})
}

func (m *Manager) writer() {
	defer m.wg.Done()
	for {
		select {
		case op := <-m.writes:
			m.run(op)
		case <-m.quit:
			return
		}
	}
}

func (m *Manager) run(op writeOp) {
	if op.fn != nil && m.opts.Durable != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		op.fn(ctx)
		cancel()
	}
	if op.done != nil {
		close(op.done)
	}
}

// enqueue hands fn to the writer. With wait set it blocks until fn ran.
func (m *Manager) enqueue(fn func(ctx context.Context), wait bool) {
	op := writeOp{fn: fn}
	if wait {
		op.done = make(chan struct{})
	}
	select {
	case m.writes <- op:
	case <-m.quit:
		return
	}
	if wait {
		select {
		case <-op.done:
		case <-m.quit:
		}
	}
}

// Flush blocks until every durable write queued before it has run.
func (m *Manager) Flush() {
	m.enqueue(nil, true)
}

// CollectionOf maps a key to its durable collection by its prefix.
func CollectionOf(key string) string {
	prefix, _, ok := strings.Cut(key, ":")
	if !ok {
		return CollectionGeneric
	}
	switch prefix {
	case "messages", "conversations", "users":
		return prefix
	}
	return CollectionGeneric
}

// Set stores data in memory and mirrors it to the durable tier in the background.
func (m *Manager) Set(key string, data any, opts ...SetOption) {
	now := m.opts.Now()
	e := memEntry{data: data, timestamp: now, expiresAt: now.Add(m.opts.DefaultTTL)}
	for _, opt := range opts {
		opt(&e)
	}

	m.mu.Lock()
	m.memory.Set(key, e)
	for m.memory.Len() > m.opts.MaxMemorySize {
		m.memory.Delete(m.memory.Front().Key)
	}
	m.mu.Unlock()

	if m.opts.Durable == nil {
		return
	}
	raw, err := json.Marshal(Entry[any]{Data: data, Timestamp: e.timestamp, ExpiresAt: e.expiresAt, Version: m.opts.Version})
	if err != nil {
		m.logger.Warn("cache encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	collection := CollectionOf(key)
	m.enqueue(func(ctx context.Context) {
		if err := m.opts.Durable.Put(ctx, collection, key, raw, e.expiresAt); err != nil {
			m.logger.Warn("cache durable put failed", zap.String("key", key), zap.Error(err))
		}
	}, false)
}

// Get returns the cached data for key. Memory is consulted first; a durable
// hit is copied into memory. Data read back from the durable tier is a
// json.RawMessage; Typed decodes it.
func (m *Manager) Get(ctx context.Context, key string) (any, bool) {
	now := m.opts.Now()

	m.mu.Lock()
	e, ok := m.memory.Get(key)
	if ok && now.After(e.expiresAt) {
		m.memory.Delete(key)
		ok = false
		m.mu.Unlock()
		m.deleteDurable(key, false)
	} else {
		m.mu.Unlock()
	}
	if ok {
		m.hit("memory")
		return e.data, true
	}

	data, ok := m.getDurable(ctx, key, now)
	if !ok {
		m.miss()
		return nil, false
	}
	m.hit("durable")
	return data, true
}

func (m *Manager) getDurable(ctx context.Context, key string, now time.Time) (any, bool) {
	if m.opts.Durable == nil {
		return nil, false
	}
	raw, ok, err := m.opts.Durable.Get(ctx, CollectionOf(key), key)
	if err != nil {
		m.logger.Warn("cache durable get failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var entry Entry[json.RawMessage]
	if err := json.Unmarshal(raw, &entry); err != nil {
		m.logger.Warn("cache entry corrupt", zap.String("key", key), zap.Error(err))
		m.deleteDurable(key, false)
		return nil, false
	}
	if now.After(entry.ExpiresAt) || entry.Version != m.opts.Version {
		m.deleteDurable(key, false)
		return nil, false
	}

	m.mu.Lock()
	if _, present := m.memory.Get(key); !present {
		m.memory.Set(key, memEntry{data: entry.Data, timestamp: entry.Timestamp, expiresAt: entry.ExpiresAt})
		for m.memory.Len() > m.opts.MaxMemorySize {
			m.memory.Delete(m.memory.Front().Key)
		}
	}
	m.mu.Unlock()
	return entry.Data, true
}

// Delete removes key from both tiers.
func (m *Manager) Delete(key string) {
	m.mu.Lock()
	m.memory.Delete(key)
	m.mu.Unlock()
	m.deleteDurable(key, true)
}

func (m *Manager) deleteDurable(key string, wait bool) {
	if m.opts.Durable == nil {
		return
	}
	m.enqueue(func(ctx context.Context) {
		if err := m.opts.Durable.Delete(ctx, CollectionOf(key), key); err != nil {
			m.logger.Warn("cache durable delete failed", zap.String("key", key), zap.Error(err))
		}
	}, wait)
}

// InvalidatePattern removes every key containing substr from both tiers.
func (m *Manager) InvalidatePattern(substr string) {
	m.mu.Lock()
	var doomed []string
	for el := m.memory.Front(); el != nil; el = el.Next() {
		if strings.Contains(el.Key, substr) {
			doomed = append(doomed, el.Key)
		}
	}
	for _, k := range doomed {
		m.memory.Delete(k)
	}
	m.mu.Unlock()

	if m.opts.Durable == nil {
		return
	}
	m.enqueue(func(ctx context.Context) {
		for _, c := range Collections {
			keys, err := m.opts.Durable.Keys(ctx, c)
			if err != nil {
				m.logger.Warn("cache durable keys failed", zap.String("collection", c), zap.Error(err))
				continue
			}
			for _, k := range keys {
				if !strings.Contains(k, substr) {
					continue
				}
				if err := m.opts.Durable.Delete(ctx, c, k); err != nil {
					m.logger.Warn("cache durable delete failed", zap.String("key", k), zap.Error(err))
				}
			}
		}
	}, true)
}

// ClearAll empties both tiers.
func (m *Manager) ClearAll() {
	m.mu.Lock()
	m.memory = orderedmap.NewOrderedMap[string, memEntry]()
	m.mu.Unlock()

	if m.opts.Durable == nil {
		return
	}
	m.enqueue(func(ctx context.Context) {
		for _, c := range Collections {
			if err := m.opts.Durable.Clear(ctx, c); err != nil {
				m.logger.Warn("cache durable clear failed", zap.String("collection", c), zap.Error(err))
			}
		}
	}, true)
}

// Sweep drops expired entries from both tiers.
func (m *Manager) Sweep(ctx context.Context) {
	now := m.opts.Now()
	m.mu.Lock()
	var expired []string
	for el := m.memory.Front(); el != nil; el = el.Next() {
		if now.After(el.Value.expiresAt) {
			expired = append(expired, el.Key)
		}
	}
	for _, k := range expired {
		m.memory.Delete(k)
	}
	m.mu.Unlock()

	if m.opts.Durable == nil {
		return
	}
	removed := 0
	for _, c := range Collections {
		n, err := m.opts.Durable.DeleteExpired(ctx, c, now)
		if err != nil {
			m.logger.Warn("cache sweep failed", zap.String("collection", c), zap.Error(err))
			continue
		}
		removed += n
	}
	if len(expired)+removed > 0 {
		m.logger.Debug("cache sweep", zap.Int("memory", len(expired)), zap.Int("durable", removed))
	}
}

// Stats returns the current counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{MemoryEntries: m.memory.Len(), Hits: m.hits, Misses: m.misses, PendingWrites: len(m.writes)}
}

func (m *Manager) hit(tier string) {
	m.mu.Lock()
	m.hits++
	m.mu.Unlock()
	if m.opts.Observer != nil {
		m.opts.Observer.CacheHit(tier)
	}
}

func (m *Manager) miss() {
	m.mu.Lock()
	m.misses++
	m.mu.Unlock()
	if m.opts.Observer != nil {
		m.opts.Observer.CacheMiss()
	}
}
