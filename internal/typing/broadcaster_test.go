package typing

import (
	"context"
	"testing"
	"time"

	"github.com/cherrygifts/cherrychat/internal/bus"
	ds "github.com/cherrygifts/cherrychat/internal/dataservice"
	"github.com/cherrygifts/cherrychat/internal/dataservice/memory"
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

func attached(t *testing.T, svc ds.Service, userID string, opts ...Option) *Broadcaster {
	t.Helper()
	b := NewBroadcaster(svc, bus.New(), nil, userID, userID+"-name", opts...)
	if err := b.Attach(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(b.Detach)
	// Let the subscription goroutine start before broadcasting.
	time.Sleep(10 * time.Millisecond)
	return b
}

func typingUsers(b *Broadcaster) []string {
	var out []string
	for _, s := range b.Typers() {
		out = append(out, s.UserID)
	}
	return out
}

func TestTypingReachesOthersNotSelf(t *testing.T) {
	svc := memory.New(nil)
	alice := attached(t, svc, "alice")
	agent := attached(t, svc, "agent")

	if err := agent.SendTypingStatus(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	eventually(t, "alice sees agent typing", func() bool {
		users := typingUsers(alice)
		return len(users) == 1 && users[0] == "agent"
	})
	if got := alice.Typers()[0].Username; got != "agent-name" {
		t.Errorf("username = %q, want agent-name", got)
	}
	time.Sleep(20 * time.Millisecond)
	if n := len(agent.Typers()); n != 0 {
		t.Errorf("agent sees %d typers, want none (no self echo)", n)
	}
}

func TestTypingAutoHides(t *testing.T) {
	svc := memory.New(nil)
	alice := attached(t, svc, "alice", WithAutoHide(50*time.Millisecond))
	agent := attached(t, svc, "agent", WithIdleTimeout(time.Hour))

	if err := agent.SendTypingStatus(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	eventually(t, "typing shown", func() bool { return len(alice.Typers()) == 1 })
	eventually(t, "typing hidden", func() bool { return len(alice.Typers()) == 0 })
}

func TestBlurClearsTyping(t *testing.T) {
	svc := memory.New(nil)
	alice := attached(t, svc, "alice")
	agent := attached(t, svc, "agent")
	ctx := context.Background()

	_ = agent.SendTypingStatus(ctx, true)
	eventually(t, "typing shown", func() bool { return len(alice.Typers()) == 1 })
	if err := agent.Blur(ctx); err != nil {
		t.Fatal(err)
	}
	eventually(t, "typing cleared", func() bool { return len(alice.Typers()) == 0 })
}

func TestIdleTimeoutSendsStop(t *testing.T) {
	svc := memory.New(nil)
	alice := attached(t, svc, "alice", WithAutoHide(time.Hour))
	agent := attached(t, svc, "agent", WithIdleTimeout(30*time.Millisecond))

	_ = agent.SendTypingStatus(context.Background(), true)
	eventually(t, "typing shown", func() bool { return len(alice.Typers()) == 1 })
	eventually(t, "idle stop received", func() bool { return len(alice.Typers()) == 0 })
}

func TestDetachSendsStop(t *testing.T) {
	svc := memory.New(nil)
	alice := attached(t, svc, "alice", WithAutoHide(time.Hour))
	agent := NewBroadcaster(svc, nil, nil, "agent", "", WithIdleTimeout(time.Hour))
	if err := agent.Attach(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)

	_ = agent.SendTypingStatus(context.Background(), true)
	eventually(t, "typing shown", func() bool { return len(alice.Typers()) == 1 })
	agent.Detach()
	eventually(t, "typing cleared", func() bool { return len(alice.Typers()) == 0 })

	if err := agent.SendTypingStatus(context.Background(), true); err == nil {
		t.Error("SendTypingStatus after Detach should fail")
	}
}

func TestOtherConversationIgnored(t *testing.T) {
	svc := memory.New(nil)
	alice := attached(t, svc, "alice")
	other := NewBroadcaster(svc, nil, nil, "agent", "")
	if err := other.Attach(context.Background(), "c2"); err != nil {
		t.Fatal(err)
	}
	defer other.Detach()
	time.Sleep(10 * time.Millisecond)

	_ = other.SendTypingStatus(context.Background(), true)
	time.Sleep(30 * time.Millisecond)
	if n := len(alice.Typers()); n != 0 {
		t.Errorf("alice sees %d typers from another conversation", n)
	}
}
