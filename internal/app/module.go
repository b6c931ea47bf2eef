// Package app wires the client stack: storage, cache, offline queue,
// realtime engines and the backend connection.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cherrygifts/cherrychat/internal/bus"
	"github.com/cherrygifts/cherrychat/internal/cache"
	"github.com/cherrygifts/cherrychat/internal/config"
	"github.com/cherrygifts/cherrychat/internal/conversations"
	ds "github.com/cherrygifts/cherrychat/internal/dataservice"
	"github.com/cherrygifts/cherrychat/internal/lock"
	"github.com/cherrygifts/cherrychat/internal/logging"
	"github.com/cherrygifts/cherrychat/internal/metrics"
	"github.com/cherrygifts/cherrychat/internal/model"
	"github.com/cherrygifts/cherrychat/internal/network"
	"github.com/cherrygifts/cherrychat/internal/outbox"
	"github.com/cherrygifts/cherrychat/internal/profile"
	"github.com/cherrygifts/cherrychat/internal/rpc"
	"github.com/cherrygifts/cherrychat/internal/store"
	"github.com/cherrygifts/cherrychat/internal/store/redisstore"
	intsync "github.com/cherrygifts/cherrychat/internal/sync"
	"github.com/cherrygifts/cherrychat/internal/typing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile string
	Binary  string // log file name, for example "cherryctl"
	Config  *config.Config
	Quiet   bool // keep logs off stderr

	// Service replaces the gRPC client when set. Tests inject a memory backend.
	Service ds.Service
}

// Module returns the fx module for the client, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("client",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideIdentity,
			provideLock,
			provideStore,
			provideStorage,
			provideService,
			provideMonitor,
			provideCache,
			provideTransport,
			provideQueue,
			provideEngine,
			provideTyping,
			provideSynchronizer,
			NewClient,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	var opts []logging.Option
	if p.Quiet {
		opts = append(opts, logging.WithoutStderr())
	}
	return logging.New(profile.LogPath(p.Profile, p.Binary), p.Profile, opts...)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideIdentity(p Params) (model.Identity, error) {
	if p.Config.UserID == "" {
		return model.Identity{}, errors.New("user_id is not set in config.toml")
	}
	return model.Identity{UserID: p.Config.UserID, Role: model.Role(p.Config.Role)}, nil
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	l, err := lock.Acquire(profile.Dir(p.Profile), p.Binary)
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired", zap.String("path", l.Path()))
	return l, nil
}

// provideStore opens the profile database. It takes the lock so the file is
// never opened by two processes.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.Profile)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

// Storage is the durable side of the client: the cache's second tier and
// the offline queue's persistence.
type Storage struct {
	Durable   cache.Durable
	Persister outbox.Persister
	redis     *redisstore.Store
}

func provideStorage(p Params, db *store.DB, logger *zap.Logger) (*Storage, error) {
	switch p.Config.Cache.Durable {
	case "redis":
		rs, err := redisstore.New(context.Background(), p.Config.Cache.RedisURL, p.Profile+":"+p.Config.UserID)
		if err != nil {
			return nil, err
		}
		logger.Info("durable tier on redis")
		return &Storage{Durable: rs, Persister: rs, redis: rs}, nil
	case "none":
		return &Storage{Persister: db}, nil
	default:
		return &Storage{Durable: db, Persister: db}, nil
	}
}

func (s *Storage) close() error {
	if s.redis != nil {
		return s.redis.Close()
	}
	return nil
}

func provideService(p Params, logger *zap.Logger) (ds.Service, *rpc.Client, error) {
	if p.Service != nil {
		return p.Service, nil, nil
	}
	c, err := rpc.Dial(p.Config.BackendAddr,
		rpc.WithLogger(logger),
		rpc.WithSubscribeTimeout(p.Config.Realtime.SubscribeTimeout.Duration))
	if err != nil {
		return nil, nil, err
	}
	return c, c, nil
}

// provideMonitor starts offline when a real connection has to come up first.
func provideMonitor(p Params, b *bus.Bus, logger *zap.Logger) *network.Monitor {
	return network.NewMonitor(b, p.Service != nil, logger)
}

func provideCache(p Params, st *Storage, logger *zap.Logger) *cache.Manager {
	c := p.Config.Cache
	opts := cache.Options{
		MaxMemorySize: c.MaxMemorySize,
		DefaultTTL:    c.DefaultTTL.Duration,
		SweepInterval: c.SweepInterval.Duration,
		CollectionTTL: map[string]time.Duration{
			model.CollectionMessages:      c.MessagesTTL.Duration,
			model.CollectionConversations: c.ConversationsTTL.Duration,
			model.CollectionUsers:         c.UsersTTL.Duration,
		},
		Durable:  st.Durable,
		Observer: metrics.CacheObserver{},
		Logger:   logger.Named("cache"),
	}
	return cache.New(opts)
}

func provideTransport(svc ds.Service, me model.Identity) outbox.Transport {
	return &outbox.ServiceTransport{Service: svc, SenderID: me.UserID, IsAdmin: me.IsAdmin()}
}

func provideQueue(p Params, tr outbox.Transport, st *Storage, mon *network.Monitor, b *bus.Bus, logger *zap.Logger) *outbox.Queue {
	return outbox.NewQueue(tr, st.Persister, mon, b, logger.Named("queue"), outbox.WithMaxRetries(p.Config.Queue.MaxRetries))
}

func provideEngine(svc ds.Service, cm *cache.Manager, tr outbox.Transport, q *outbox.Queue, b *bus.Bus, logger *zap.Logger, me model.Identity) *intsync.Engine {
	return intsync.NewEngine(svc, cm, tr, b, logger.Named("sync"), me, intsync.WithPending(q))
}

func provideTyping(p Params, svc ds.Service, b *bus.Bus, logger *zap.Logger, me model.Identity) *typing.Broadcaster {
	username := p.Config.Username
	if username == "" {
		username = me.UserID
	}
	return typing.NewBroadcaster(svc, b, logger.Named("typing"), me.UserID, username,
		typing.WithAutoHide(p.Config.Typing.AutoHide.Duration),
		typing.WithIdleTimeout(p.Config.Typing.IdleTimeout.Duration))
}

func provideSynchronizer(p Params, svc ds.Service, cm *cache.Manager, b *bus.Bus, logger *zap.Logger, me model.Identity) *conversations.Synchronizer {
	return conversations.NewSynchronizer(svc, cm, b, logger.Named("conversations"), me,
		conversations.WithPageSize(p.Config.Conversations.PageSize))
}

func registerLifecycle(lc fx.Lifecycle, p Params, c *Client, rc *rpc.Client, db *store.DB, st *Storage, lk *lock.Lock) {
	ctx, cancel := context.WithCancel(context.Background())
	var metricsSrv *http.Server

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			c.Cache.Start(ctx)
			if err := c.Queue.Load(startCtx); err != nil {
				return fmt.Errorf("restore offline queue: %w", err)
			}
			go metrics.Watch(ctx, c.Bus, c.Queue)
			if rc != nil {
				go rc.WatchConnectivity(ctx, c.Monitor)
			}
			c.Queue.Start(ctx)
			c.Engine.Start(ctx)
			go c.followNetwork(ctx)

			if err := c.Conversations.Start(ctx); err != nil {
				c.Logger.Warn("conversation feed unavailable", zap.Error(err))
			}

			if addr := p.Config.Metrics.Addr; addr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.Handler())
				metricsSrv = &http.Server{Addr: addr, Handler: mux}
				go func() {
					if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						c.Logger.Error("metrics server error", zap.Error(err))
					}
				}()
			}
			c.Logger.Info("client started", zap.String("user_id", c.Me.UserID), zap.String("role", string(c.Me.Role)))
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			if metricsSrv != nil {
				_ = metricsSrv.Shutdown(stopCtx)
			}
			c.Typing.Detach()
			c.Conversations.Stop()
			c.Engine.Stop()
			c.Queue.Stop()
			cancel()
			c.Cache.Close()
			if rc != nil {
				_ = rc.Close()
			}
			if err := st.close(); err != nil {
				c.Logger.Warn("error closing redis", zap.Error(err))
			}
			if err := db.Close(); err != nil {
				c.Logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				c.Logger.Warn("error releasing lock", zap.Error(err))
			}
			c.Logger.Info("client stopped")
			_ = c.Logger.Sync()
			return nil
		},
	})
}
