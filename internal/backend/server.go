package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/cherrygifts/cherrychat/internal/metrics"
	"github.com/cherrygifts/cherrychat/internal/rpc"
	"go.uber.org/zap"
)

// Server owns the listeners: gRPC on Addr and /metrics on MetricsAddr.
type Server struct {
	rpc        *rpc.Server
	listener   net.Listener
	metricsSrv *http.Server
	logger     *zap.Logger
}

// NewServer binds the gRPC listener, so a busy port fails construction.
func NewServer(p Params, rs *rpc.Server, logger *zap.Logger) (*Server, error) {
	lis, err := net.Listen("tcp", p.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", p.Addr, err)
	}
	s := &Server{rpc: rs, listener: lis, logger: logger}
	if p.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		s.metricsSrv = &http.Server{Addr: p.MetricsAddr, Handler: mux}
	}
	return s, nil
}

// Addr returns the bound gRPC address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Start serves in the background.
func (s *Server) Start() error {
	go func() {
		if err := s.rpc.Serve(s.listener); err != nil {
			s.logger.Error("gRPC server error", zap.Error(err))
		}
	}()
	if s.metricsSrv != nil {
		s.logger.Info("metrics server starting", zap.String("addr", s.metricsSrv.Addr))
		go func() {
			if err := s.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("metrics server error", zap.Error(err))
			}
		}()
	}
	return nil
}

// Stop performs a graceful shutdown of both listeners.
func (s *Server) Stop(ctx context.Context) {
	if s.metricsSrv != nil {
		_ = s.metricsSrv.Shutdown(ctx)
	}
	s.rpc.Stop()
}
