// Package backend runs the reference data service: the in-memory backend
// with conversation triggers, served over gRPC with prometheus metrics.
package backend

import (
	"context"

	"github.com/cherrygifts/cherrychat/internal/dataservice/memory"
	"github.com/cherrygifts/cherrychat/internal/logging"
	"github.com/cherrygifts/cherrychat/internal/metrics"
	"github.com/cherrygifts/cherrychat/internal/model"
	"github.com/cherrygifts/cherrychat/internal/profile"
	"github.com/cherrygifts/cherrychat/internal/rpc"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Params holds the daemon configuration passed to the fx module.
type Params struct {
	Profile     string
	Addr        string // gRPC listen address
	MetricsAddr string // empty disables /metrics
	SeedPath    string // optional TOML fixture loaded at start
	LogPath     string // optional override for testing; empty = use default
}

// Module returns the fx module for the backend daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("backend",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBackend,
			provideRPC,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	path := p.LogPath
	if path == "" {
		path = profile.LogPath(p.Profile, "cherryd")
	}
	return logging.New(path, p.Profile)
}

func provideBackend(logger *zap.Logger) *memory.Backend {
	return memory.New(logger.Named("memory"), memory.WithTrigger(model.CollectionMessages, memory.TouchConversation))
}

func provideRPC(b *memory.Backend, logger *zap.Logger) *rpc.Server {
	return rpc.NewServer(b, logger.Named("rpc"),
		grpc.ChainUnaryInterceptor(metrics.UnaryInterceptor),
		grpc.ChainStreamInterceptor(metrics.StreamInterceptor))
}

func registerLifecycle(lc fx.Lifecycle, p Params, srv *Server, b *memory.Backend, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if p.SeedPath != "" {
				n, err := LoadSeed(ctx, b, p.SeedPath)
				if err != nil {
					return err
				}
				logger.Info("seed loaded", zap.String("path", p.SeedPath), zap.Int("rows", n))
			}
			return srv.Start()
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			logger.Info("backend stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
