// Package conversations keeps the paged conversation list of the signed-in
// account in step with the backend.
package conversations

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cherrygifts/cherrychat/internal/bus"
	"github.com/cherrygifts/cherrychat/internal/cache"
	ds "github.com/cherrygifts/cherrychat/internal/dataservice"
	"github.com/cherrygifts/cherrychat/internal/model"
	"github.com/cherrygifts/cherrychat/internal/paging"
	"go.uber.org/zap"
)

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithPageSize overrides paging.DefaultPageSize.
func WithPageSize(n int) Option {
	return func(s *Synchronizer) { s.cursor = paging.New(n) }
}

// Synchronizer holds the loaded conversation pages.
type Synchronizer struct {
	svc    ds.Service
	lists  *cache.Typed[[]model.Conversation]
	users  *cache.Typed[model.UserProfile]
	bus    *bus.Bus
	logger *zap.Logger
	me     model.Identity

	mu     sync.Mutex
	list   []model.Conversation
	cursor paging.Cursor
	gen    uint64
	sub    ds.Subscription
	cancel context.CancelFunc
}

// NewSynchronizer creates a synchronizer for me. cm may be nil.
func NewSynchronizer(svc ds.Service, cm *cache.Manager, b *bus.Bus, logger *zap.Logger, me model.Identity, opts ...Option) *Synchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Synchronizer{
		svc:    svc,
		bus:    b,
		logger: logger,
		me:     me,
		cursor: paging.New(paging.DefaultPageSize),
	}
	if cm != nil {
		s.lists = cache.Bind(cm, cache.Conversations)
		s.users = cache.Bind(cm, cache.Users)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// scope returns the filters selecting the conversations visible to me:
// customers see their own, admins every active one.
func (s *Synchronizer) scope() []ds.Filter {
	if s.me.IsAdmin() {
		return []ds.Filter{ds.Eq("is_active", true)}
	}
	return []ds.Filter{ds.Eq("user_id", s.me.UserID)}
}

// feedScope is the subscription filter. Admins watch every conversation so
// a row leaving the active scope still produces an event; onChange applies
// scope itself.
func (s *Synchronizer) feedScope() []ds.Filter {
	if s.me.IsAdmin() {
		return nil
	}
	return s.scope()
}

func (s *Synchronizer) cacheKey() string {
	return s.me.UserID + ":" + string(s.me.Role)
}

// Start subscribes to conversation changes within scope.
func (s *Synchronizer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	sub, err := s.svc.Subscribe(ctx, "conversations:"+s.me.UserID,
		[]ds.ChangeFilter{{Collection: model.CollectionConversations, Type: ds.ChangeAll, Filters: s.feedScope()}},
		nil,
		ds.Handler{
			OnChange: func(c ds.Change) { s.onChange(ctx, c) },
			OnState: func(st ds.ChannelState, err error) {
				if st == ds.StateChannelError || st == ds.StateTimedOut {
					s.logger.Warn("conversation channel lost", zap.String("state", string(st)), zap.Error(err))
				}
			},
		})
	if err != nil {
		cancel()
		return model.Classify(model.CodeSubscriptionFailed, "subscribe to conversations", err)
	}
	s.mu.Lock()
	s.sub = sub
	s.cancel = cancel
	s.mu.Unlock()
	return nil
}

// Stop removes the subscription.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	sub, cancel := s.sub, s.cancel
	s.sub, s.cancel = nil, nil
	s.mu.Unlock()
	if sub != nil {
		_ = sub.Unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
}

// Conversations returns the loaded list, most recent first.
func (s *Synchronizer) Conversations() []model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.list)
}

// HasMore reports whether LoadMore may return more rows.
func (s *Synchronizer) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor.HasMore
}

// Load fetches the first page, from the cache when possible.
func (s *Synchronizer) Load(ctx context.Context) ([]model.Conversation, error) {
	if s.lists != nil {
		if cached, ok := s.lists.Get(ctx, s.cacheKey()); ok {
			s.mu.Lock()
			s.gen++
			s.list = slices.Clone(cached)
			s.cursor.Reset()
			s.cursor.Advance(len(cached))
			out := slices.Clone(s.list)
			s.mu.Unlock()
			s.emit()
			return out, nil
		}
	}
	return s.refetch(ctx)
}

// refetch reloads the first page from the data service.
func (s *Synchronizer) refetch(ctx context.Context) ([]model.Conversation, error) {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	first := paging.New(s.cursor.PageSize)
	s.mu.Unlock()

	page, err := s.fetch(ctx, first.Range())
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return s.Conversations(), nil
	}
	s.list = page
	first.Advance(len(page))
	s.cursor = first
	out := slices.Clone(s.list)
	s.mu.Unlock()

	s.store(out)
	s.emit()
	return out, nil
}

// LoadMore appends the next page. It is a no-op once a short page was seen.
func (s *Synchronizer) LoadMore(ctx context.Context) ([]model.Conversation, error) {
	s.mu.Lock()
	if !s.cursor.HasMore {
		out := slices.Clone(s.list)
		s.mu.Unlock()
		return out, nil
	}
	gen := s.gen
	rng := s.cursor.Range()
	s.mu.Unlock()

	page, err := s.fetch(ctx, rng)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if gen != s.gen {
		out := slices.Clone(s.list)
		s.mu.Unlock()
		return out, nil
	}
	s.cursor.Advance(len(page))
	for _, c := range page {
		if i := indexOf(s.list, c.ID); i >= 0 {
			s.list[i] = c
			continue
		}
		s.list = append(s.list, c)
	}
	Sort(s.list)
	out := slices.Clone(s.list)
	s.mu.Unlock()

	s.store(out)
	s.emit()
	return out, nil
}

func (s *Synchronizer) fetch(ctx context.Context, rng *ds.Range) ([]model.Conversation, error) {
	rows, err := s.svc.Query(ctx, model.CollectionConversations, s.scope(),
		[]ds.Order{{Field: "last_message_at", Desc: true}, {Field: "created_at", Desc: true}},
		rng)
	if err != nil {
		s.logger.Error("failed to load conversations", zap.Error(err))
		return nil, model.Classify(model.CodeQueryFailed, "load conversations", err)
	}
	page := make([]model.Conversation, 0, len(rows))
	for _, row := range rows {
		page = append(page, model.ConversationFromRow(row))
	}
	s.hydrate(ctx, page)
	return page, nil
}

// hydrate attaches user profiles, reading through the users cache.
func (s *Synchronizer) hydrate(ctx context.Context, page []model.Conversation) {
	var missing []string
	for i := range page {
		if u, ok := s.users.Get(ctx, page[i].UserID); ok {
			page[i].User = &u
			continue
		}
		if !slices.Contains(missing, page[i].UserID) {
			missing = append(missing, page[i].UserID)
		}
	}
	if len(missing) == 0 {
		return
	}
	rows, err := s.svc.Query(ctx, model.CollectionUsers, []ds.Filter{ds.In("id", missing)}, nil, nil)
	if err != nil {
		s.logger.Warn("failed to load user profiles", zap.Int("count", len(missing)), zap.Error(err))
		return
	}
	profiles := make(map[string]model.UserProfile, len(rows))
	for _, row := range rows {
		u := model.UserFromRow(row)
		profiles[u.ID] = u
		s.users.Set(u.ID, u)
	}
	for i := range page {
		if u, ok := profiles[page[i].UserID]; ok {
			page[i].User = &u
		}
	}
}

func (s *Synchronizer) onChange(ctx context.Context, c ds.Change) {
	inScope := ds.Matches(c.New, s.scope())
	switch c.Type {
	case ds.ChangeInsert:
		if inScope {
			s.refetchAsync(ctx)
		}
	case ds.ChangeUpdate:
		upd := model.ConversationFromRow(c.New)
		s.mu.Lock()
		i := indexOf(s.list, upd.ID)
		switch {
		case i < 0:
			s.mu.Unlock()
			// A conversation reopened into scope belongs somewhere in the list.
			if inScope && c.Old != nil && !ds.Matches(c.Old, s.scope()) {
				s.refetchAsync(ctx)
			}
			return
		case !inScope:
			s.list = slices.Delete(s.list, i, i+1)
			if s.cursor.Offset > 0 {
				s.cursor.Offset--
			}
		default:
			cur := &s.list[i]
			cur.LastMessageAt = upd.LastMessageAt
			cur.LastMessageContent = upd.LastMessageContent
			cur.UnreadCount = upd.UnreadCount
			cur.IsActive = upd.IsActive
			Sort(s.list)
		}
		out := slices.Clone(s.list)
		s.mu.Unlock()
		s.store(out)
		s.emit()
	}
}

func (s *Synchronizer) refetchAsync(ctx context.Context) {
	go func() {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if _, err := s.refetch(ctx); err != nil {
			s.logger.Warn("conversation refetch failed", zap.Error(err))
		}
	}()
}

// GetOrCreate returns the active conversation of userID, creating one when
// none exists.
func (s *Synchronizer) GetOrCreate(ctx context.Context, userID string) (model.Conversation, error) {
	rows, err := s.svc.Query(ctx, model.CollectionConversations,
		[]ds.Filter{ds.Eq("user_id", userID), ds.Eq("is_active", true)},
		[]ds.Order{{Field: "created_at", Desc: true}},
		&ds.Range{Limit: 1})
	if err != nil {
		return model.Conversation{}, model.Classify(model.CodeQueryFailed, "find conversation", err)
	}
	if len(rows) > 0 {
		return model.ConversationFromRow(rows[0]), nil
	}
	row, err := s.svc.Insert(ctx, model.CollectionConversations, model.ConversationToRow(&model.Conversation{
		UserID:   userID,
		IsActive: true,
	}))
	if err != nil {
		return model.Conversation{}, model.Classify(model.CodeSendFailed, "create conversation", err)
	}
	conv := model.ConversationFromRow(row)
	s.logger.Info("conversation created", zap.String("conversation_id", conv.ID), zap.String("user_id", userID))
	return conv, nil
}

// Deactivate closes a conversation without deleting it.
func (s *Synchronizer) Deactivate(ctx context.Context, id string) error {
	if _, err := s.svc.Update(ctx, model.CollectionConversations, []ds.Filter{ds.Eq("id", id)}, ds.Row{"is_active": false}); err != nil {
		return model.Classify(model.CodeNetwork, "deactivate conversation", err)
	}
	return nil
}

func (s *Synchronizer) store(list []model.Conversation) {
	s.lists.Set(s.cacheKey(), list)
}

func (s *Synchronizer) emit() {
	s.bus.Emit(bus.ConversationsChanged, s.Conversations())
}

func indexOf(list []model.Conversation, id string) int {
	return slices.IndexFunc(list, func(c model.Conversation) bool { return c.ID == id })
}

// Sort orders list by last message time, most recent first, conversations
// without messages last.
func Sort(list []model.Conversation) {
	slices.SortStableFunc(list, func(a, b model.Conversation) int {
		switch {
		case a.LastMessageAt == nil && b.LastMessageAt == nil:
			return b.CreatedAt.Compare(a.CreatedAt)
		case a.LastMessageAt == nil:
			return 1
		case b.LastMessageAt == nil:
			return -1
		}
		return b.LastMessageAt.Compare(*a.LastMessageAt)
	})
}

// Filter returns the conversations whose customer username, display name or
// last message contains query, ignoring case. An empty query matches all.
func Filter(list []model.Conversation, query string) []model.Conversation {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return slices.Clone(list)
	}
	var out []model.Conversation
	for _, c := range list {
		fields := []string{c.LastMessageContent}
		if c.User != nil {
			fields = append(fields, c.User.Username, c.User.DisplayName)
		}
		for _, f := range fields {
			if strings.Contains(strings.ToLower(f), q) {
				out = append(out, c)
				break
			}
		}
	}
	return out
}
