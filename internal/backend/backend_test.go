package backend

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	ds "github.com/cherrygifts/cherrychat/internal/dataservice"
	"github.com/cherrygifts/cherrychat/internal/dataservice/memory"
	"github.com/cherrygifts/cherrychat/internal/model"
	"github.com/cherrygifts/cherrychat/internal/rpc"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
)

const fixture = `
[[users]]
id = "u1"
username = "alice"
display_name = "Alice"
role = "user"

[[conversations]]
id = "c1"
user_id = "u1"
unread_count = 0
is_active = true
created_at = 2024-05-01T10:00:00Z

[[messages]]
conversation_id = "c1"
sender_id = "u1"
content = "first"
sent_at = 2024-05-01T10:01:00Z
`

func writeSeed(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.toml")
	if err := os.WriteFile(path, []byte(fixture), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadSeed(t *testing.T) {
	b := memory.New(nil, memory.WithTrigger(model.CollectionMessages, memory.TouchConversation))
	n, err := LoadSeed(context.Background(), b, writeSeed(t))
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("inserted %d rows, want 3", n)
	}
	convs := b.Rows(model.CollectionConversations)
	if convs[0]["created_at"] != time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC).UnixMilli() {
		t.Errorf("created_at = %v, want unix millis", convs[0]["created_at"])
	}
	if convs[0]["last_message_content"] != "first" {
		t.Errorf("trigger did not run: %v", convs[0])
	}
}

func TestLoadSeedRejectsUnknownCollection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.toml")
	if err := os.WriteFile(path, []byte("[[orders]]\nid = \"o1\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSeed(context.Background(), memory.New(nil), path); err == nil {
		t.Error("expected error for unknown collection")
	}
}

func TestBackendLifecycle(t *testing.T) {
	dir := t.TempDir()
	var srv *Server
	app := fxtest.New(t,
		Module(Params{
			Profile:  "test",
			Addr:     "127.0.0.1:0",
			SeedPath: writeSeed(t),
			LogPath:  filepath.Join(dir, "cherryd.log"),
		}),
		fx.Populate(&srv),
	)
	app.RequireStart()
	defer app.RequireStop()

	c, err := rpc.Dial(srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rows, err := c.Query(ctx, model.CollectionConversations, []ds.Filter{ds.Eq("user_id", "u1")}, nil, nil)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d conversations, want 1", len(rows))
	}

	if _, err := c.Insert(ctx, model.CollectionMessages, ds.Row{"conversation_id": "c1", "sender_id": "admin", "content": "hello"}); err != nil {
		t.Fatal(err)
	}
	rows, err = c.Query(ctx, model.CollectionConversations, []ds.Filter{ds.Eq("id", "c1")}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	conv := model.ConversationFromRow(rows[0])
	if conv.LastMessageContent != "hello" || conv.UnreadCount != 2 {
		t.Errorf("conversation = %+v, want last message hello and 2 unread", conv)
	}
}
