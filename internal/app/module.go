package app

import (
	"context"

	"github.com/rafaelmp2/chatlink/internal/bus"
	"github.com/rafaelmp2/chatlink/internal/client"
	"github.com/rafaelmp2/chatlink/internal/config"
	"github.com/rafaelmp2/chatlink/internal/directory"
	"github.com/rafaelmp2/chatlink/internal/dispatch"
	"github.com/rafaelmp2/chatlink/internal/lock"
	"github.com/rafaelmp2/chatlink/internal/logging"
	"github.com/rafaelmp2/chatlink/internal/notify"
	"github.com/rafaelmp2/chatlink/internal/outbox"
	"github.com/rafaelmp2/chatlink/internal/profile"
	"github.com/rafaelmp2/chatlink/internal/status"
	"github.com/rafaelmp2/chatlink/internal/store"
	"github.com/rafaelmp2/chatlink/internal/syncer"
	"github.com/rafaelmp2/chatlink/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
}

// Module returns the fx module for the sync engine, composing all
// providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("chatlink",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideDB,
			provideDirectory,
			provideStore,
			provideSupervisor,
			provideQueue,
			provideSyncer,
			provideDispatcher,
			provideClient,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	return config.Load(profile.ConfigPath())
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
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

func provideDB(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.ProfileName)
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
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideDirectory(cfg *config.Config, logger *zap.Logger) *directory.Client {
	if cfg.Server.DirectoryURL == "" {
		return nil
	}
	return directory.NewClient(cfg.Server.DirectoryURL, logger)
}

func provideStore(cfg *config.Config, db *store.DB, b *bus.Bus, dir *directory.Client, logger *zap.Logger) (*store.Store, error) {
	opts := store.Options{
		Notifier:      notify.NewLogNotifier(logger),
		FlushDebounce: cfg.Store.FlushDebounce.Duration,
		FlushRetry:    cfg.Store.FlushRetry.Duration,
	}
	if dir != nil {
		opts.Directory = dir
	}
	s := store.New(db, cfg.User.ID, b, logger, opts)
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

func provideSupervisor(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *transport.Supervisor {
	return transport.NewSupervisor(transport.Config{
		Endpoint:       cfg.Server.Endpoint,
		ConnectTimeout: cfg.Transport.ConnectTimeout.Duration,
		BackoffBase:    cfg.Transport.BackoffBase.Duration,
		MaxAttempts:    cfg.Transport.MaxAttempts,
		PingInterval:   cfg.Transport.PingInterval.Duration,
	}, b, logger)
}

func provideQueue(db *store.DB, sup *transport.Supervisor, b *bus.Bus, logger *zap.Logger) (*outbox.Queue, error) {
	q := outbox.New(db, sup, b, logger)
	if err := q.Load(); err != nil {
		return nil, err
	}
	return q, nil
}

func provideSyncer(cfg *config.Config, db *store.DB, s *store.Store, sup *transport.Supervisor, b *bus.Bus, logger *zap.Logger) *syncer.Coordinator {
	return syncer.New(syncer.Config{
		UserID:       cfg.User.ID,
		GraceTimeout: cfg.Sync.GraceTimeout.Duration,
	}, db, s, sup, b, logger)
}

func provideDispatcher(s *store.Store, q *outbox.Queue, sy *syncer.Coordinator, b *bus.Bus, logger *zap.Logger) *dispatch.Dispatcher {
	return dispatch.New(s, q, sy, b, logger)
}

func provideClient(cfg *config.Config, b *bus.Bus, m *status.Machine, sup *transport.Supervisor, q *outbox.Queue, s *store.Store, sy *syncer.Coordinator, logger *zap.Logger) *client.Client {
	return client.New(cfg.User.ID, b, m, sup, q, s, sy, logger)
}

func registerLifecycle(lc fx.Lifecycle, cl *client.Client, s *store.Store, sup *transport.Supervisor, q *outbox.Queue, d *dispatch.Dispatcher, db *store.DB, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			sup.SetFrameHandler(d.HandleFrame)
			s.Start(context.Background())
			q.Start(context.Background())
			if err := cl.Start(context.Background()); err != nil {
				return err
			}
			logger.Info("chatlink started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			cl.Stop()
			q.Stop()
			s.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("chatlink stopped")
			return nil
		},
	})
}
