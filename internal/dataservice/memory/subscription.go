package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/cherrygifts/cherrychat/internal/bus"
	ds "github.com/cherrygifts/cherrychat/internal/dataservice"
	"go.uber.org/zap"
)

type subscription struct {
	id         int64
	channel    string
	changes    []ds.ChangeFilter
	broadcasts []string
	handler    ds.Handler
	backend    *Backend

	cancel context.CancelFunc
	once   sync.Once
}

// Subscribe implements ds.Service. Callbacks run on a goroutine owned by the
// subscription, one at a time, starting with StateSubscribed.
func (b *Backend) Subscribe(ctx context.Context, channel string, changes []ds.ChangeFilter, broadcasts []string, h ds.Handler) (ds.Subscription, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &subscription{
		id:         b.nextSub.Add(1),
		channel:    channel,
		changes:    changes,
		broadcasts: broadcasts,
		handler:    h,
		backend:    b,
		cancel:     cancel,
	}

	ch, unsub := b.feed.Subscribe("", 256)
	go s.run(ctx, ch, unsub)
	return s, nil
}

func (s *subscription) run(ctx context.Context, ch <-chan bus.Event, unsub func()) {
	defer unsub()
	s.state(ds.StateSubscribed, nil)
	for {
		select {
		case evt := <-ch:
			if done := s.dispatch(evt); done {
				return
			}
		case <-ctx.Done():
			s.state(ds.StateClosed, nil)
			return
		}
	}
}

// dispatch delivers one feed event and reports whether the subscription ended.
func (s *subscription) dispatch(evt bus.Event) bool {
	defer func() {
		if r := recover(); r != nil {
			s.backend.logger.Error("subscription callback panicked", zap.Any("panic", r), zap.String("channel", s.channel))
		}
	}()
	switch p := evt.Payload.(type) {
	case ds.Change:
		if s.handler.OnChange != nil && s.wants(p) {
			s.handler.OnChange(p)
		}
	case broadcastMsg:
		if p.channel != s.channel || p.from == s.id {
			return false
		}
		if s.handler.OnBroadcast != nil && slices.Contains(s.broadcasts, p.event) {
			s.handler.OnBroadcast(p.event, ds.Clone(p.payload))
		}
	case stateMsg:
		s.state(p.state, p.err)
		s.cancel()
		return true
	}
	return false
}

func (s *subscription) wants(c ds.Change) bool {
	for _, f := range s.changes {
		if f.Collection != c.Collection {
			continue
		}
		if f.Type != ds.ChangeAll && f.Type != c.Type {
			continue
		}
		if ds.Matches(c.New, f.Filters) {
			return true
		}
	}
	return false
}

func (s *subscription) state(st ds.ChannelState, err error) {
	if s.handler.OnState != nil {
		s.handler.OnState(st, err)
	}
}

// Broadcast sends to the other subscribers of the channel.
func (s *subscription) Broadcast(_ context.Context, event string, payload ds.Row) error {
	if err := s.backend.check(); err != nil {
		return err
	}
	s.backend.feed.Emit(kindBroadcast, broadcastMsg{channel: s.channel, from: s.id, event: event, payload: ds.Clone(payload)})
	return nil
}

// Unsubscribe stops delivery. It never blocks, so it may be called from a callback.
func (s *subscription) Unsubscribe() error {
	s.once.Do(s.cancel)
	return nil
}
