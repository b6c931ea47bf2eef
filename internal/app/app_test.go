package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cherrygifts/cherrychat/internal/config"
	ds "github.com/cherrygifts/cherrychat/internal/dataservice"
	"github.com/cherrygifts/cherrychat/internal/dataservice/memory"
	"github.com/cherrygifts/cherrychat/internal/lock"
	"github.com/cherrygifts/cherrychat/internal/model"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
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

func testParams(t *testing.T, svc ds.Service) Params {
	t.Helper()
	t.Setenv("CHERRYCHAT_HOME", t.TempDir())
	cfg := config.Default()
	cfg.UserID = "u1"
	cfg.Username = "alice"
	return Params{Profile: "test", Binary: "cherryctl", Config: cfg, Quiet: true, Service: svc}
}

func seedBackend(t *testing.T) *memory.Backend {
	t.Helper()
	b := memory.New(nil, memory.WithTrigger(model.CollectionMessages, memory.TouchConversation))
	ctx := context.Background()
	if _, err := b.Insert(ctx, model.CollectionUsers, ds.Row{"id": "u1", "username": "alice", "display_name": "Alice", "role": "user"}); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Insert(ctx, model.CollectionConversations, ds.Row{"id": "c1", "user_id": "u1", "unread_count": int64(0), "is_active": true}); err != nil {
		t.Fatal(err)
	}
	return b
}

func TestClientSendRoundTrip(t *testing.T) {
	backend := seedBackend(t)
	var c *Client
	app := fxtest.New(t, Module(testParams(t, backend)), fx.Populate(&c))
	app.RequireStart()
	defer app.RequireStop()

	ctx := context.Background()
	if _, err := c.Open(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	res := c.Send(ctx, "hello")
	if !res.Success || res.Queued {
		t.Fatalf("Send() = %+v, want immediate success", res)
	}

	eventually(t, "confirmed message", func() bool {
		msgs := c.Engine.Messages()
		return len(msgs) == 1 && msgs[0].ID == res.MessageID && msgs[0].Status == model.StatusSent
	})

	if got := backend.Rows(model.CollectionMessages); len(got) != 1 || got[0]["sender_id"] != "u1" {
		t.Errorf("backend messages = %v", got)
	}

	convs, err := c.Conversations.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 || convs[0].LastMessageContent != "hello" {
		t.Errorf("conversations = %+v, want c1 with last message hello", convs)
	}
}

func TestSendWithoutConversation(t *testing.T) {
	var c *Client
	app := fxtest.New(t, Module(testParams(t, seedBackend(t))), fx.Populate(&c))
	app.RequireStart()
	defer app.RequireStop()

	if res := c.Send(context.Background(), "hi"); !errors.Is(res.Error, ErrNoConversation) {
		t.Errorf("Send() error = %v, want ErrNoConversation", res.Error)
	}
	if err := c.MarkRead(context.Background()); !errors.Is(err, ErrNoConversation) {
		t.Errorf("MarkRead() error = %v, want ErrNoConversation", err)
	}
}

func TestOfflineSendIsQueuedAndFlushed(t *testing.T) {
	backend := seedBackend(t)
	var c *Client
	app := fxtest.New(t, Module(testParams(t, backend)), fx.Populate(&c))
	app.RequireStart()
	defer app.RequireStop()

	ctx := context.Background()
	if _, err := c.Open(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	c.Monitor.SetOnline(false)
	res := c.Send(ctx, "later")
	if !res.Success || !res.Queued {
		t.Fatalf("Send() offline = %+v, want queued", res)
	}
	if c.Queue.Len() != 1 {
		t.Fatalf("queue length = %d, want 1", c.Queue.Len())
	}

	c.Monitor.SetOnline(true)
	eventually(t, "queue flush", func() bool { return c.Queue.Len() == 0 })
	eventually(t, "backend row", func() bool { return len(backend.Rows(model.CollectionMessages)) == 1 })
}

func TestMissingUserID(t *testing.T) {
	p := testParams(t, seedBackend(t))
	p.Config.UserID = ""
	app := fx.New(Module(p), fx.NopLogger)
	if app.Err() == nil {
		t.Error("expected an error without user_id")
	}
}

func TestSecondClientOnProfileFails(t *testing.T) {
	p := testParams(t, seedBackend(t))
	var c *Client
	first := fxtest.New(t, Module(p), fx.Populate(&c))
	first.RequireStart()
	defer first.RequireStop()

	second := fx.New(Module(p), fx.NopLogger)
	var held *lock.HeldError
	if !errors.As(second.Err(), &held) {
		t.Errorf("second client error = %v, want *lock.HeldError", second.Err())
	}
}
