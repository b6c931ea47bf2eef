package rpc

import (
	"context"
	"errors"
	"net"
	"sync"

	ds "github.com/cherrygifts/cherrychat/internal/dataservice"
	"github.com/cherrygifts/cherrychat/internal/model"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Server exposes a ds.Service over gRPC.
type Server struct {
	grpcServer *grpc.Server
	logger     *zap.Logger
}

// NewServer creates a gRPC server serving svc.
func NewServer(svc ds.Service, logger *zap.Logger, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := grpc.NewServer(opts...)
	srv.RegisterService(&serviceDesc, &handler{svc: svc, logger: logger, subs: make(map[string]ds.Subscription)})
	return &Server{grpcServer: srv, logger: logger}
}

// Serve accepts connections on lis. Blocks until stopped.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC server starting", zap.String("addr", lis.Addr().String()))
	return s.grpcServer.Serve(lis)
}

// Stop performs a graceful shutdown. Open subscribe streams are cancelled.
func (s *Server) Stop() {
	s.logger.Info("gRPC server stopping")
	s.grpcServer.GracefulStop()
}

type handler struct {
	svc    ds.Service
	logger *zap.Logger

	mu   sync.Mutex
	subs map[string]ds.Subscription
}

func (h *handler) Query(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := in.AsMap()
	collection, _ := req["collection"].(string)
	rows, err := h.svc.Query(ctx, collection, decodeFilters(req["filters"]), decodeOrders(req["orders"]), decodeRange(req["range"]))
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{"rows": encodeRows(rows)})
}

func (h *handler) Insert(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := in.AsMap()
	collection, _ := req["collection"].(string)
	row, err := h.svc.Insert(ctx, collection, decodeRow(req["row"]))
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{"row": map[string]any(row)})
}

func (h *handler) Update(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := in.AsMap()
	collection, _ := req["collection"].(string)
	rows, err := h.svc.Update(ctx, collection, decodeFilters(req["filters"]), decodeRow(req["patch"]))
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{"rows": encodeRows(rows)})
}

// Broadcast routes through the sender's subscription when subscriber_id
// names one, so the sender does not receive its own event.
func (h *handler) Broadcast(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := in.AsMap()
	channel, _ := req["channel"].(string)
	event, _ := req["event"].(string)
	subscriberID, _ := req["subscriber_id"].(string)
	payload := decodeRow(req["payload"])

	h.mu.Lock()
	sub := h.subs[subscriberID]
	h.mu.Unlock()

	var err error
	if sub != nil {
		err = sub.Broadcast(ctx, event, payload)
	} else {
		err = h.svc.Broadcast(ctx, channel, event, payload)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{})
}

// Subscribe streams state, change and broadcast frames until the client goes
// away or the subscription ends with a terminal state.
func (h *handler) Subscribe(in *structpb.Struct, stream grpc.ServerStream) error {
	req := in.AsMap()
	channel, _ := req["channel"].(string)
	subscriberID, _ := req["subscriber_id"].(string)
	ctx := stream.Context()

	frames := make(chan map[string]any, 64)
	push := func(f map[string]any) {
		select {
		case frames <- f:
		case <-ctx.Done():
		}
	}

	sub, err := h.svc.Subscribe(ctx, channel, decodeChangeFilters(req["changes"]), decodeStrings(req["broadcasts"]), ds.Handler{
		OnChange: func(c ds.Change) {
			push(map[string]any{"kind": "change", "type": string(c.Type), "collection": c.Collection, "new": map[string]any(c.New), "old": map[string]any(c.Old)})
		},
		OnBroadcast: func(event string, payload ds.Row) {
			push(map[string]any{"kind": "broadcast", "event": event, "payload": map[string]any(payload)})
		},
		OnState: func(s ds.ChannelState, err error) {
			f := map[string]any{"kind": "state", "state": string(s)}
			if err != nil {
				f["error"] = err.Error()
			}
			push(f)
		},
	})
	if err != nil {
		return toStatus(err)
	}
	if subscriberID != "" {
		h.mu.Lock()
		h.subs[subscriberID] = sub
		h.mu.Unlock()
	}
	h.logger.Debug("subscribe stream opened", zap.String("channel", channel), zap.String("subscriber_id", subscriberID))
	defer func() {
		if subscriberID != "" {
			h.mu.Lock()
			delete(h.subs, subscriberID)
			h.mu.Unlock()
		}
		_ = sub.Unsubscribe()
		h.logger.Debug("subscribe stream closed", zap.String("channel", channel))
	}()

	for {
		select {
		case f := <-frames:
			msg, err := newStruct(f)
			if err != nil {
				h.logger.Warn("dropping unencodable frame", zap.String("channel", channel), zap.Error(err))
				continue
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
			if f["kind"] == "state" && f["state"] != string(ds.StateSubscribed) {
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func reply(m map[string]any) (*structpb.Struct, error) {
	s, err := newStruct(m)
	if err != nil {
		return nil, grpcstatus.Error(codes.Internal, err.Error())
	}
	return s, nil
}

// toStatus maps service errors to gRPC status codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, ds.ErrUnavailable):
		return grpcstatus.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.FromContextError(err).Err()
	}
	if model.CodeOf(err) == model.CodeValidation {
		return grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	return grpcstatus.Error(codes.Internal, err.Error())
}
