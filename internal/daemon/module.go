// Package daemon wires the engine into a long-running per-profile
// process: one lock, one cache database, one remote connection, one
// session gate, and a gRPC control socket.
package daemon

import (
	"context"
	"errors"
	"io/fs"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/ranz98/convo/internal/bus"
	"github.com/ranz98/convo/internal/cache"
	"github.com/ranz98/convo/internal/config"
	"github.com/ranz98/convo/internal/gate"
	"github.com/ranz98/convo/internal/lock"
	"github.com/ranz98/convo/internal/logging"
	"github.com/ranz98/convo/internal/profile"
	"github.com/ranz98/convo/internal/remote"
	"github.com/ranz98/convo/internal/remote/gateway"
	"github.com/ranz98/convo/internal/remote/memstore"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	SocketPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideConfig,
			provideLock,
			provideDB,
			provideCache,
			provideRemote,
			provideGate,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

// provideConfig loads ~/.convo/config.toml. A missing file is not an
// error; it selects offline mode.
func provideConfig(logger *zap.Logger) (*config.Config, error) {
	cfg, err := config.Load(profile.ConfigPath())
	if errors.Is(err, fs.ErrNotExist) {
		logger.Info("no config file, using defaults")
		return &config.Config{}, nil
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideDB(p Params, logger *zap.Logger) (*cache.DB, error) {
	dbPath := profile.DBPath(p.ProfileName)
	db, err := cache.Open(dbPath)
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
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("cache initialized", zap.String("path", dbPath))
	return db, nil
}

func provideCache(db *cache.DB, logger *zap.Logger) *cache.Cache {
	return cache.New(db, logger)
}

// Remotes bundles the store and auth ports with the connection they
// share, so lifecycle teardown can close it once.
type Remotes struct {
	Store remote.Store
	Auth  remote.Auth
	close func() error
}

// provideRemote connects to the configured gateway, or falls back to
// the in-memory store when no gateway URL is set (offline mode: the
// engine runs, serves cached data, and queues sends in the outbox).
func provideRemote(cfg *config.Config, logger *zap.Logger) (*Remotes, error) {
	if cfg.Gateway.URL == "" {
		logger.Info("no gateway configured, running offline")
		return &Remotes{Store: memstore.New(), Auth: memstore.NewAuth()}, nil
	}
	client, err := gateway.Dial(context.Background(), cfg.Gateway.URL, cfg.Gateway.Token, logger)
	if err != nil {
		return nil, err
	}
	return &Remotes{Store: client, Auth: client, close: client.Close}, nil
}

func provideGate(r *Remotes, db *cache.DB, c *cache.Cache, b *bus.Bus, logger *zap.Logger) *gate.Gate {
	return gate.New(r.Store, r.Auth, db, c, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, g *gate.Gate, r *Remotes, db *cache.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			// Watch auth state; a session starts as soon as the remote
			// reports a signed-in user.
			g.Start(context.Background())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			g.Stop()
			srv.Stop(ctx)
			if r.close != nil {
				if err := r.close(); err != nil {
					logger.Warn("error closing gateway connection", zap.Error(err))
				}
			}
			if err := db.Close(); err != nil {
				logger.Warn("error closing cache", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
