package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cherrygifts/cherrychat/internal/model"
)

// Schema names a collection and the lifetime of its entries.
type Schema[T any] struct {
	Collection string
	TTL        time.Duration
}

// Predefined schemas.
var (
	Messages      = Schema[[]model.Message]{Collection: "messages", TTL: 10 * time.Minute}
	Conversations = Schema[[]model.Conversation]{Collection: "conversations", TTL: 5 * time.Minute}
	Users         = Schema[model.UserProfile]{Collection: "users", TTL: 30 * time.Minute}
)

// Typed is a Manager view restricted to one schema. Keys are prefixed with
// the schema collection.
type Typed[T any] struct {
	m      *Manager
	schema Schema[T]
}

// Bind returns the typed view of m for schema.
func Bind[T any](m *Manager, schema Schema[T]) *Typed[T] {
	return &Typed[T]{m: m, schema: schema}
}

// Key returns the full cache key for id.
func (t *Typed[T]) Key(id string) string {
	return t.schema.Collection + ":" + id
}

// Get returns the value under id. Entries that do not decode as T are
// treated as missing.
func (t *Typed[T]) Get(ctx context.Context, id string) (T, bool) {
	var zero T
	if t == nil || t.m == nil {
		return zero, false
	}
	data, ok := t.m.Get(ctx, t.Key(id))
	if !ok {
		return zero, false
	}
	switch v := data.(type) {
	case T:
		return v, true
	case json.RawMessage:
		var out T
		if err := json.Unmarshal(v, &out); err != nil {
			return zero, false
		}
		return out, true
	}
	return zero, false
}

// Set stores v under id with the schema TTL, or the manager's override for
// the collection.
func (t *Typed[T]) Set(id string, v T) {
	if t == nil || t.m == nil {
		return
	}
	ttl := t.schema.TTL
	if d := t.m.opts.CollectionTTL[t.schema.Collection]; d > 0 {
		ttl = d
	}
	t.m.Set(t.Key(id), v, WithTTL(ttl))
}

// Delete removes id.
func (t *Typed[T]) Delete(id string) {
	if t == nil || t.m == nil {
		return
	}
	t.m.Delete(t.Key(id))
}
