// Package daemon wires the engine together with fx: one provider per
// component, one lifecycle hook that brings the graph up and down.
package daemon

import (
	"context"
	"time"

	"github.com/caiofn/chatsync/internal/backend"
	"github.com/caiofn/chatsync/internal/bus"
	"github.com/caiofn/chatsync/internal/cache"
	"github.com/caiofn/chatsync/internal/config"
	"github.com/caiofn/chatsync/internal/engine"
	"github.com/caiofn/chatsync/internal/lock"
	"github.com/caiofn/chatsync/internal/logging"
	"github.com/caiofn/chatsync/internal/outbox"
	"github.com/caiofn/chatsync/internal/pager"
	"github.com/caiofn/chatsync/internal/poller"
	"github.com/caiofn/chatsync/internal/presence"
	"github.com/caiofn/chatsync/internal/profile"
	"github.com/caiofn/chatsync/internal/realtime"
	"github.com/caiofn/chatsync/internal/reconcile"
	"github.com/caiofn/chatsync/internal/status"
	"github.com/caiofn/chatsync/internal/store"
	"github.com/caiofn/chatsync/internal/typing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile passed to the fx module.
type Params struct {
	ProfileName string
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideCache,
			provideCacheWriter,
			provideAPIClient,
			provideWSClient,
			provideMultiplexer,
			provideReconciler,
			provideOutbox,
			providePager,
			providePresence,
			provideTyping,
			providePoller,
			provideEngine,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideConfig(p Params) (*config.Profile, error) {
	return config.LoadProfile(profile.ProfileConfigPath(p.ProfileName))
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

func provideStore(cfg *config.Profile) *store.Store {
	return store.New(cfg.UserID)
}

func provideCache(p Params, logger *zap.Logger) (*cache.DB, error) {
	dbPath := profile.CachePath(p.ProfileName)
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
		logger.Info("cache migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("cache migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("snapshot cache ready", zap.String("path", dbPath))
	return db, nil
}

func provideCacheWriter(db *cache.DB, logger *zap.Logger) *cache.Writer {
	return cache.NewWriter(db, logger)
}

func provideAPIClient(cfg *config.Profile, logger *zap.Logger) *backend.Client {
	return backend.NewClient(cfg.APIURL, cfg.Token, 15*time.Second, logger)
}

func provideWSClient(cfg *config.Profile, logger *zap.Logger) *realtime.WSClient {
	return realtime.NewWSClient(cfg.RealtimeURL, cfg.Token, logger)
}

func provideMultiplexer(ws *realtime.WSClient, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *realtime.Multiplexer {
	return realtime.NewMultiplexer(ws, b, machine, logger, realtime.MuxConfig{})
}

func provideReconciler(st *store.Store, b *bus.Bus, logger *zap.Logger) *reconcile.Reconciler {
	return reconcile.New(st, b, logger)
}

func provideOutbox(api *backend.Client, st *store.Store, b *bus.Bus, logger *zap.Logger) *outbox.Queue {
	return outbox.New(api, st, b, logger, outbox.Config{})
}

func providePager(api *backend.Client, rec *reconcile.Reconciler, st *store.Store, cfg *config.Profile, logger *zap.Logger) *pager.Pager {
	return pager.New(api, rec, st, logger, cfg.PageSize)
}

func providePresence(ws *realtime.WSClient, st *store.Store, b *bus.Bus, logger *zap.Logger) *presence.Tracker {
	return presence.New(ws, st, b, logger)
}

func provideTyping(ws *realtime.WSClient, st *store.Store, b *bus.Bus, logger *zap.Logger) *typing.Broadcaster {
	return typing.New(ws, st, b, logger, typing.Config{})
}

func providePoller(api *backend.Client, rec *reconcile.Reconciler, b *bus.Bus, machine *status.Machine, cfg *config.Profile, logger *zap.Logger) *poller.Poller {
	return poller.New(api, rec, b, machine, logger, poller.Config{
		Interval: time.Duration(cfg.PollIntervalSeconds) * time.Second,
	})
}

func provideEngine(
	st *store.Store,
	b *bus.Bus,
	machine *status.Machine,
	mux *realtime.Multiplexer,
	q *outbox.Queue,
	rec *reconcile.Reconciler,
	pg *pager.Pager,
	pr *presence.Tracker,
	ty *typing.Broadcaster,
	po *poller.Poller,
	api *backend.Client,
	logger *zap.Logger,
) *engine.Engine {
	return engine.New(engine.Params{
		Store:    st,
		Bus:      b,
		Machine:  machine,
		Mux:      mux,
		Outbox:   q,
		Rec:      rec,
		Pager:    pg,
		Presence: pr,
		Typing:   ty,
		Poller:   po,
		API:      api,
		Logger:   logger,
	})
}

func registerLifecycle(
	lc fx.Lifecycle,
	eng *engine.Engine,
	db *cache.DB,
	w *cache.Writer,
	ws *realtime.WSClient,
	st *store.Store,
	b *bus.Bus,
	lk *lock.Lock,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Seed the store from the last session's snapshot so the UI has
			// something to render before the first poll returns.
			patches, err := db.Load()
			if err != nil {
				logger.Warn("snapshot load failed, starting cold", zap.Error(err))
			} else if len(patches) > 0 {
				st.Apply(patches...)
				logger.Info("snapshot loaded", zap.Int("patches", len(patches)))
			}

			w.Start(context.Background(), b)
			eng.Start(context.Background())
			return nil
		},
		OnStop: func(_ context.Context) error {
			eng.Stop()
			w.Stop()
			ws.Close()
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
