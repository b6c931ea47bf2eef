package conversations

import (
	"context"
	"testing"
	"time"

	"github.com/cherrygifts/cherrychat/internal/bus"
	"github.com/cherrygifts/cherrychat/internal/cache"
	ds "github.com/cherrygifts/cherrychat/internal/dataservice"
	"github.com/cherrygifts/cherrychat/internal/dataservice/memory"
	"github.com/cherrygifts/cherrychat/internal/model"
)

var (
	agent = model.Identity{UserID: "agent", Role: model.RoleAdmin}
	alice = model.Identity{UserID: "alice", Role: model.RoleUser}
)

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func seedConversations(t *testing.T, b *memory.Backend, rows ...ds.Row) {
	t.Helper()
	for _, r := range rows {
		if _, err := b.Insert(context.Background(), model.CollectionConversations, r); err != nil {
			t.Fatal(err)
		}
	}
}

func ids(list []model.Conversation) []string {
	out := make([]string, len(list))
	for i, c := range list {
		out[i] = c.ID
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestLoadOrdersAndPages(t *testing.T) {
	backend := memory.New(nil)
	seedConversations(t, backend,
		ds.Row{"id": "quiet", "user_id": "u1", "is_active": true, "last_message_at": nil, "created_at": int64(1)},
		ds.Row{"id": "old", "user_id": "u2", "is_active": true, "last_message_at": int64(100), "created_at": int64(2)},
		ds.Row{"id": "new", "user_id": "u3", "is_active": true, "last_message_at": int64(300), "created_at": int64(3)},
		ds.Row{"id": "closed", "user_id": "u4", "is_active": false, "last_message_at": int64(999), "created_at": int64(4)},
	)
	s := NewSynchronizer(backend, nil, nil, nil, agent, WithPageSize(2))
	ctx := context.Background()

	first, err := s.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got := ids(first); !equal(got, []string{"new", "old"}) {
		t.Errorf("first page = %v, want [new old]", got)
	}
	if !s.HasMore() {
		t.Error("HasMore() = false after a full page")
	}

	all, err := s.LoadMore(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got := ids(all); !equal(got, []string{"new", "old", "quiet"}) {
		t.Errorf("after LoadMore = %v, want [new old quiet]", got)
	}
	if s.HasMore() {
		t.Error("HasMore() = true after a short page")
	}
}

func TestCustomerScope(t *testing.T) {
	backend := memory.New(nil)
	seedConversations(t, backend,
		ds.Row{"id": "mine", "user_id": "alice", "is_active": true},
		ds.Row{"id": "theirs", "user_id": "bob", "is_active": true},
	)
	s := NewSynchronizer(backend, nil, nil, nil, alice)
	list, err := s.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := ids(list); !equal(got, []string{"mine"}) {
		t.Errorf("customer sees %v, want [mine]", got)
	}
}

func TestInsertEventRefetches(t *testing.T) {
	backend := memory.New(nil)
	b := bus.New()
	changed, unsub := b.Subscribe(bus.ConversationsChanged, 16)
	defer unsub()
	s := NewSynchronizer(backend, nil, b, nil, agent)
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()
	if _, err := s.Load(ctx); err != nil {
		t.Fatal(err)
	}
	<-changed

	seedConversations(t, backend, ds.Row{"id": "c1", "user_id": "u1", "is_active": true})
	eventually(t, "refetch", func() bool { return len(s.Conversations()) == 1 })
	select {
	case evt := <-changed:
		if list, _ := evt.Payload.([]model.Conversation); len(list) != 1 {
			t.Errorf("event payload = %v, want one conversation", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Error("no conversations.changed event after refetch")
	}
}

func TestUpdateEventPatchesAndResorts(t *testing.T) {
	backend := memory.New(nil, memory.WithTrigger(model.CollectionMessages, memory.TouchConversation))
	seedConversations(t, backend,
		ds.Row{"id": "a", "user_id": "u1", "is_active": true, "last_message_at": int64(200), "unread_count": int64(0)},
		ds.Row{"id": "b", "user_id": "u2", "is_active": true, "last_message_at": int64(100), "unread_count": int64(0)},
	)
	s := NewSynchronizer(backend, nil, nil, nil, agent)
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()
	if _, err := s.Load(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := backend.Insert(ctx, model.CollectionMessages, ds.Row{"conversation_id": "b", "content": "ping", "created_at": int64(500)}); err != nil {
		t.Fatal(err)
	}
	eventually(t, "b moves to the top", func() bool {
		list := s.Conversations()
		return len(list) == 2 && list[0].ID == "b" && list[0].LastMessageContent == "ping" && list[0].UnreadCount == 1
	})
}

func TestDeactivateLeavesAdminList(t *testing.T) {
	backend := memory.New(nil)
	seedConversations(t, backend,
		ds.Row{"id": "a", "user_id": "u1", "is_active": true, "last_message_at": int64(200)},
		ds.Row{"id": "b", "user_id": "u2", "is_active": true, "last_message_at": int64(100)},
	)
	s := NewSynchronizer(backend, nil, nil, nil, agent)
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()
	if _, err := s.Load(ctx); err != nil {
		t.Fatal(err)
	}

	if err := s.Deactivate(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	eventually(t, "a dropped", func() bool { return equal(ids(s.Conversations()), []string{"b"}) })

	if _, err := backend.Update(ctx, model.CollectionConversations, []ds.Filter{ds.Eq("id", "a")}, ds.Row{"is_active": true}); err != nil {
		t.Fatal(err)
	}
	eventually(t, "a reopened", func() bool { return equal(ids(s.Conversations()), []string{"a", "b"}) })
}

func TestUserHydrationUsesCache(t *testing.T) {
	backend := memory.New(nil)
	ctx := context.Background()
	if _, err := backend.Insert(ctx, model.CollectionUsers, ds.Row{"id": "u1", "username": "bob", "display_name": "Bob Stone", "role": "user"}); err != nil {
		t.Fatal(err)
	}
	seedConversations(t, backend, ds.Row{"id": "c1", "user_id": "u1", "is_active": true})
	cm := cache.New(cache.Options{})
	defer cm.Close()

	s := NewSynchronizer(backend, cm, nil, nil, agent)
	list, err := s.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if list[0].User == nil || list[0].User.Username != "bob" {
		t.Fatalf("user = %+v, want bob", list[0].User)
	}
	if u, ok := cache.Bind(cm, cache.Users).Get(ctx, "u1"); !ok || u.DisplayName != "Bob Stone" {
		t.Errorf("cached profile = %+v, %v", u, ok)
	}
}

func TestGetOrCreateAndDeactivate(t *testing.T) {
	backend := memory.New(nil)
	s := NewSynchronizer(backend, nil, nil, nil, alice)
	ctx := context.Background()

	first, err := s.GetOrCreate(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	again, err := s.GetOrCreate(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if first.ID == "" || first.ID != again.ID {
		t.Fatalf("GetOrCreate ids %q and %q, want the same", first.ID, again.ID)
	}

	if err := s.Deactivate(ctx, first.ID); err != nil {
		t.Fatal(err)
	}
	fresh, err := s.GetOrCreate(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if fresh.ID == first.ID {
		t.Error("deactivated conversation reused")
	}
}

func TestFilter(t *testing.T) {
	list := []model.Conversation{
		{ID: "1", LastMessageContent: "Where is my ORDER?", User: &model.UserProfile{Username: "bob"}},
		{ID: "2", LastMessageContent: "thanks", User: &model.UserProfile{Username: "carol", DisplayName: "Carol Order"}},
		{ID: "3", LastMessageContent: "hello"},
	}
	tests := []struct {
		query string
		want  []string
	}{
		{"order", []string{"1", "2"}},
		{"BOB", []string{"1"}},
		{"hello", []string{"3"}},
		{"", []string{"1", "2", "3"}},
		{"nobody", nil},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			if got := ids(Filter(list, tt.query)); !equal(got, tt.want) {
				t.Errorf("Filter(%q) = %v, want %v", tt.query, got, tt.want)
			}
		})
	}
}

func TestSortNullsLast(t *testing.T) {
	at := func(ms int64) *time.Time { tm := time.UnixMilli(ms); return &tm }
	list := []model.Conversation{
		{ID: "none"},
		{ID: "mid", LastMessageAt: at(50)},
		{ID: "top", LastMessageAt: at(90)},
	}
	Sort(list)
	if got := ids(list); !equal(got, []string{"top", "mid", "none"}) {
		t.Errorf("Sort = %v", got)
	}
}
