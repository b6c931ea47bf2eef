package rpc

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	ds "github.com/cherrygifts/cherrychat/internal/dataservice"
	"github.com/cherrygifts/cherrychat/internal/dataservice/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

func startServer(t *testing.T, svc ds.Service) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(svc, nil)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	c, err := Dial("passthrough:///bufnet",
		WithSubscribeTimeout(500*time.Millisecond),
		WithDialOptions(grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		})))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type recorder struct {
	changes    chan ds.Change
	broadcasts chan ds.Row
	states     chan ds.ChannelState
}

func newRecorder() *recorder {
	return &recorder{
		changes:    make(chan ds.Change, 16),
		broadcasts: make(chan ds.Row, 16),
		states:     make(chan ds.ChannelState, 16),
	}
}

func (r *recorder) handler() ds.Handler {
	return ds.Handler{
		OnChange:    func(c ds.Change) { r.changes <- c },
		OnBroadcast: func(_ string, p ds.Row) { r.broadcasts <- p },
		OnState:     func(s ds.ChannelState, _ error) { r.states <- s },
	}
}

func waitState(t *testing.T, r *recorder, want ds.ChannelState) {
	t.Helper()
	select {
	case got := <-r.states:
		if got != want {
			t.Fatalf("state = %s, want %s", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for state %s", want)
	}
}

func TestQueryInsertUpdate(t *testing.T) {
	c := startServer(t, memory.New(nil))
	ctx := context.Background()

	row, err := c.Insert(ctx, "messages", ds.Row{"conversation_id": "c1", "content": "hi", "created_at": int64(10)})
	if err != nil {
		t.Fatal(err)
	}
	id, _ := row["id"].(string)
	if id == "" {
		t.Fatal("server did not assign an id")
	}
	if _, err := c.Insert(ctx, "messages", ds.Row{"conversation_id": "c2", "content": "other", "created_at": int64(20)}); err != nil {
		t.Fatal(err)
	}

	rows, err := c.Query(ctx, "messages", []ds.Filter{ds.Eq("conversation_id", "c1")}, []ds.Order{{Field: "created_at"}}, &ds.Range{Offset: 0, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0]["content"] != "hi" {
		t.Fatalf("rows = %v, want the c1 message", rows)
	}

	updated, err := c.Update(ctx, "messages", []ds.Filter{ds.In("id", []string{id}), ds.IsNull("read_at")}, ds.Row{"read_at": int64(99)})
	if err != nil {
		t.Fatal(err)
	}
	if len(updated) != 1 || updated[0]["read_at"] != float64(99) {
		t.Errorf("updated = %v, want read_at 99", updated)
	}
}

func TestUnavailableMapsToServiceError(t *testing.T) {
	b := memory.New(nil)
	c := startServer(t, b)
	b.SetAvailable(false)

	_, err := c.Query(context.Background(), "messages", nil, nil, nil)
	if !errors.Is(err, ds.ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestSubscribeDeliversChanges(t *testing.T) {
	b := memory.New(nil)
	c := startServer(t, b)
	ctx := context.Background()
	r := newRecorder()

	sub, err := c.Subscribe(ctx, "messages:c1",
		[]ds.ChangeFilter{{Collection: "messages", Type: ds.ChangeAll, Filters: []ds.Filter{ds.Eq("conversation_id", "c1")}}},
		nil, r.handler())
	if err != nil {
		t.Fatal(err)
	}
	waitState(t, r, ds.StateSubscribed)

	_, _ = b.Insert(ctx, "messages", ds.Row{"id": "skip", "conversation_id": "c2"})
	_, _ = b.Insert(ctx, "messages", ds.Row{"id": "m1", "conversation_id": "c1"})

	select {
	case ch := <-r.changes:
		if ch.Type != ds.ChangeInsert || ch.New["id"] != "m1" {
			t.Errorf("change = %s %v, want INSERT m1", ch.Type, ch.New["id"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no change received")
	}

	_ = sub.Unsubscribe()
	waitState(t, r, ds.StateClosed)
}

func TestBroadcastSkipsSender(t *testing.T) {
	c := startServer(t, memory.New(nil))
	ctx := context.Background()
	alice, bob := newRecorder(), newRecorder()

	subA, err := c.Subscribe(ctx, "typing:c1", nil, []string{"typing"}, alice.handler())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = subA.Unsubscribe() }()
	subB, err := c.Subscribe(ctx, "typing:c1", nil, []string{"typing"}, bob.handler())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = subB.Unsubscribe() }()
	waitState(t, alice, ds.StateSubscribed)
	waitState(t, bob, ds.StateSubscribed)

	if err := subA.Broadcast(ctx, "typing", ds.Row{"user_id": "alice", "is_typing": true}); err != nil {
		t.Fatal(err)
	}
	select {
	case p := <-bob.broadcasts:
		if p["user_id"] != "alice" || p["is_typing"] != true {
			t.Errorf("payload = %v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("bob did not receive the broadcast")
	}
	select {
	case p := <-alice.broadcasts:
		t.Errorf("sender received its own broadcast: %v", p)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscriptionFailureIsForwarded(t *testing.T) {
	b := memory.New(nil)
	c := startServer(t, b)
	r := newRecorder()

	if _, err := c.Subscribe(context.Background(), "messages:c1", nil, nil, r.handler()); err != nil {
		t.Fatal(err)
	}
	waitState(t, r, ds.StateSubscribed)

	b.FailSubscriptions(ds.StateChannelError, errors.New("socket dropped"))
	waitState(t, r, ds.StateChannelError)
}

// silentServer accepts subscribe streams but never confirms them.
type silentServer struct{}

func (silentServer) Query(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return &structpb.Struct{}, nil
}
func (silentServer) Insert(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return &structpb.Struct{}, nil
}
func (silentServer) Update(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return &structpb.Struct{}, nil
}
func (silentServer) Broadcast(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return &structpb.Struct{}, nil
}
func (silentServer) Subscribe(_ *structpb.Struct, stream grpc.ServerStream) error {
	<-stream.Context().Done()
	return nil
}

func TestSubscribeTimesOut(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	srv.RegisterService(&serviceDesc, silentServer{})
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	c, err := Dial("passthrough:///bufnet",
		WithSubscribeTimeout(100*time.Millisecond),
		WithDialOptions(grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		})))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	r := newRecorder()
	if _, err := c.Subscribe(context.Background(), "messages:c1", nil, nil, r.handler()); err != nil {
		t.Fatal(err)
	}
	waitState(t, r, ds.StateTimedOut)
	select {
	case s := <-r.states:
		t.Errorf("unexpected state after timeout: %s", s)
	case <-time.After(100 * time.Millisecond):
	}
}

type onlineRecorder chan bool

func (o onlineRecorder) SetOnline(v bool) { o <- v }

func TestWatchConnectivityReportsReady(t *testing.T) {
	c := startServer(t, memory.New(nil))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mon := make(onlineRecorder, 16)
	go c.WatchConnectivity(ctx, mon)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case v := <-mon:
			if v {
				return
			}
		case <-deadline:
			t.Fatal("never reported online")
		}
	}
}
