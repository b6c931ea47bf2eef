// Package dataservice defines the boundary between the sync subsystem and the
// hosted backend: table queries, inserts and updates, realtime change feeds
// and ephemeral broadcast channels.
package dataservice

import (
	"context"
	"errors"
)

// Row is one record of a collection. Values are strings, bools, numbers
// (int64 or float64), nil, []any or nested Rows.
type Row = map[string]any

// Op is a filter operator.
type Op string

const (
	OpEq      Op = "eq"
	OpNeq     Op = "neq"
	OpIn      Op = "in"
	OpIsNull  Op = "is_null"
	OpNotNull Op = "not_null"
	OpGt      Op = "gt"
	OpLt      Op = "lt"
)

// Filter restricts a query, update or change feed to matching rows.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Eq matches rows whose field equals v.
func Eq(field string, v any) Filter { return Filter{Field: field, Op: OpEq, Value: v} }

// Neq matches rows whose field differs from v.
func Neq(field string, v any) Filter { return Filter{Field: field, Op: OpNeq, Value: v} }

// IsNull matches rows whose field is unset.
func IsNull(field string) Filter { return Filter{Field: field, Op: OpIsNull} }

// In matches rows whose field is one of ids.
func In(field string, ids []string) Filter {
	vals := make([]any, len(ids))
	for i, id := range ids {
		vals[i] = id
	}
	return Filter{Field: field, Op: OpIn, Value: vals}
}

// Order sorts query results by one field.
type Order struct {
	Field      string
	Desc       bool
	NullsFirst bool
}

// Range selects a window of the ordered result.
type Range struct {
	Offset int
	Limit  int
}

// ChangeType is the kind of a row change.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeAll    ChangeType = "*"
)

// ChangeFilter selects row changes delivered to a subscription.
type ChangeFilter struct {
	Collection string
	Type       ChangeType
	Filters    []Filter
}

// Change is a row change pushed over a subscription.
type Change struct {
	Type       ChangeType
	Collection string
	New        Row
	Old        Row
}

// ChannelState is the lifecycle state reported for a subscription.
type ChannelState string

const (
	StateSubscribed   ChannelState = "SUBSCRIBED"
	StateChannelError ChannelState = "CHANNEL_ERROR"
	StateTimedOut     ChannelState = "TIMED_OUT"
	StateClosed       ChannelState = "CLOSED"
)

// Handler receives subscription callbacks. Any field may be nil. Callbacks
// for one subscription are delivered sequentially.
type Handler struct {
	OnChange    func(Change)
	OnBroadcast func(event string, payload Row)
	OnState     func(state ChannelState, err error)
}

// Subscription is a live channel attachment.
type Subscription interface {
	// Broadcast sends an ephemeral event to the other subscribers of the
	// channel. The sending subscription does not receive it.
	Broadcast(ctx context.Context, event string, payload Row) error
	// Unsubscribe detaches from the channel. It reports StateClosed once.
	Unsubscribe() error
}

// Service is the data and realtime backend.
type Service interface {
	Query(ctx context.Context, collection string, filters []Filter, orders []Order, rng *Range) ([]Row, error)
	Insert(ctx context.Context, collection string, row Row) (Row, error)
	Update(ctx context.Context, collection string, filters []Filter, patch Row) ([]Row, error)
	Subscribe(ctx context.Context, channel string, changes []ChangeFilter, broadcasts []string, h Handler) (Subscription, error)
	Broadcast(ctx context.Context, channel, event string, payload Row) error
}

// ErrUnavailable reports that the backend cannot be reached. Transports wrap
// it so callers can tell transient failures apart.
var ErrUnavailable = errors.New("data service unavailable")
