package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	ds "github.com/cherrygifts/cherrychat/internal/dataservice"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// DefaultSubscribeTimeout bounds the wait for a subscription to be confirmed.
const DefaultSubscribeTimeout = 10 * time.Second

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithSubscribeTimeout overrides DefaultSubscribeTimeout.
func WithSubscribeTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.subscribeTimeout = d
		}
	}
}

// WithDialOptions appends grpc dial options, for example a custom dialer.
func WithDialOptions(opts ...grpc.DialOption) ClientOption {
	return func(c *Client) { c.dialOpts = append(c.dialOpts, opts...) }
}

// WithLogger sets the client logger.
func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// Client implements ds.Service against a remote Server.
type Client struct {
	conn             *grpc.ClientConn
	logger           *zap.Logger
	subscribeTimeout time.Duration
	dialOpts         []grpc.DialOption
}

// Dial creates a client for target. The connection is established lazily.
func Dial(target string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		logger:           zap.NewNop(),
		subscribeTimeout: DefaultSubscribeTimeout,
		dialOpts:         []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())},
	}
	for _, opt := range opts {
		opt(c)
	}
	conn, err := grpc.NewClient(target, c.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("dial backend: %w", err)
	}
	c.conn = conn
	return c, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req map[string]any) (map[string]any, error) {
	in, err := newStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, in, out); err != nil {
		return nil, fromStatus(err)
	}
	return out.AsMap(), nil
}

// Query implements ds.Service.
func (c *Client) Query(ctx context.Context, collection string, filters []ds.Filter, orders []ds.Order, rng *ds.Range) ([]ds.Row, error) {
	resp, err := c.invoke(ctx, methodQuery, map[string]any{
		"collection": collection,
		"filters":    encodeFilters(filters),
		"orders":     encodeOrders(orders),
		"range":      encodeRange(rng),
	})
	if err != nil {
		return nil, err
	}
	return decodeRows(resp["rows"]), nil
}

// Insert implements ds.Service.
func (c *Client) Insert(ctx context.Context, collection string, row ds.Row) (ds.Row, error) {
	resp, err := c.invoke(ctx, methodInsert, map[string]any{"collection": collection, "row": map[string]any(row)})
	if err != nil {
		return nil, err
	}
	return decodeRow(resp["row"]), nil
}

// Update implements ds.Service.
func (c *Client) Update(ctx context.Context, collection string, filters []ds.Filter, patch ds.Row) ([]ds.Row, error) {
	resp, err := c.invoke(ctx, methodUpdate, map[string]any{
		"collection": collection,
		"filters":    encodeFilters(filters),
		"patch":      map[string]any(patch),
	})
	if err != nil {
		return nil, err
	}
	return decodeRows(resp["rows"]), nil
}

// Broadcast implements ds.Service.
func (c *Client) Broadcast(ctx context.Context, channel, event string, payload ds.Row) error {
	_, err := c.invoke(ctx, methodBroadcast, map[string]any{"channel": channel, "event": event, "payload": map[string]any(payload)})
	return err
}

// Subscribe implements ds.Service. The stream is opened before returning;
// confirmation arrives later as StateSubscribed, or StateTimedOut when the
// server does not confirm within the subscribe timeout.
func (c *Client) Subscribe(ctx context.Context, channel string, changes []ds.ChangeFilter, broadcasts []string, h ds.Handler) (ds.Subscription, error) {
	s := &clientSub{client: c, id: uuid.NewString(), channel: channel, handler: h}
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	in, err := newStruct(map[string]any{
		"channel":       channel,
		"subscriber_id": s.id,
		"changes":       encodeChangeFilters(changes),
		"broadcasts":    broadcasts,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	stream, err := c.conn.NewStream(streamCtx, &subscribeStream, methodSubscribe)
	if err != nil {
		cancel()
		return nil, fromStatus(err)
	}
	if err := stream.SendMsg(in); err != nil {
		cancel()
		return nil, fromStatus(err)
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return nil, fromStatus(err)
	}

	go s.run(streamCtx, stream)
	return s, nil
}

type clientSub struct {
	client  *Client
	id      string
	channel string
	handler ds.Handler
	cancel  context.CancelFunc
	once    sync.Once
}

func (s *clientSub) run(ctx context.Context, stream grpc.ClientStream) {
	confirmed := make(chan struct{})
	timer := time.AfterFunc(s.client.subscribeTimeout, func() {
		select {
		case <-confirmed:
		default:
			s.state(ds.StateTimedOut, fmt.Errorf("no confirmation within %s", s.client.subscribeTimeout))
			s.cancel()
		}
	})
	defer timer.Stop()

	var confirmOnce sync.Once
	for {
		frame := new(structpb.Struct)
		if err := stream.RecvMsg(frame); err != nil {
			if ctx.Err() != nil {
				if timer.Stop() || isConfirmed(confirmed) {
					s.state(ds.StateClosed, nil)
				}
				return
			}
			s.state(ds.StateChannelError, fromStatus(err))
			s.cancel()
			return
		}
		f := frame.AsMap()
		switch f["kind"] {
		case "state":
			st, _ := f["state"].(string)
			var err error
			if msg, ok := f["error"].(string); ok {
				err = errors.New(msg)
			}
			if ds.ChannelState(st) == ds.StateSubscribed {
				confirmOnce.Do(func() { close(confirmed) })
			}
			s.state(ds.ChannelState(st), err)
			if ds.ChannelState(st) != ds.StateSubscribed {
				s.cancel()
				return
			}
		case "change":
			if s.handler.OnChange == nil {
				continue
			}
			typ, _ := f["type"].(string)
			collection, _ := f["collection"].(string)
			s.handler.OnChange(ds.Change{Type: ds.ChangeType(typ), Collection: collection, New: decodeRow(f["new"]), Old: decodeRow(f["old"])})
		case "broadcast":
			if s.handler.OnBroadcast == nil {
				continue
			}
			event, _ := f["event"].(string)
			s.handler.OnBroadcast(event, decodeRow(f["payload"]))
		}
	}
}

func isConfirmed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func (s *clientSub) state(st ds.ChannelState, err error) {
	if s.handler.OnState != nil {
		s.handler.OnState(st, err)
	}
}

// Broadcast sends through the server side subscription, so this subscriber
// does not receive its own event.
func (s *clientSub) Broadcast(ctx context.Context, event string, payload ds.Row) error {
	_, err := s.client.invoke(ctx, methodBroadcast, map[string]any{
		"channel":       s.channel,
		"event":         event,
		"subscriber_id": s.id,
		"payload":       map[string]any(payload),
	})
	return err
}

// Unsubscribe cancels the stream. It never blocks.
func (s *clientSub) Unsubscribe() error {
	s.once.Do(s.cancel)
	return nil
}

// fromStatus maps gRPC status codes back to service errors.
func fromStatus(err error) error {
	st, ok := grpcstatus.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Unavailable:
		return fmt.Errorf("%w: %s", ds.ErrUnavailable, st.Message())
	case codes.Canceled:
		return fmt.Errorf("%s: %w", st.Message(), context.Canceled)
	case codes.DeadlineExceeded:
		return fmt.Errorf("%s: %w", st.Message(), context.DeadlineExceeded)
	}
	return err
}

// OnlineSetter receives connectivity changes. network.Monitor implements it.
type OnlineSetter interface {
	SetOnline(bool)
}

// WatchConnectivity reports the connection state to mon until ctx is done.
// Ready counts as online; TransientFailure and Shutdown as offline.
func (c *Client) WatchConnectivity(ctx context.Context, mon OnlineSetter) {
	c.conn.Connect()
	for {
		state := c.conn.GetState()
		switch state {
		case connectivity.Ready:
			mon.SetOnline(true)
		case connectivity.TransientFailure, connectivity.Shutdown:
			mon.SetOnline(false)
		case connectivity.Idle:
			c.conn.Connect()
		}
		if state == connectivity.Shutdown {
			return
		}
		c.logger.Debug("backend connection state", zap.String("state", state.String()))
		if !c.conn.WaitForStateChange(ctx, state) {
			return
		}
	}
}
