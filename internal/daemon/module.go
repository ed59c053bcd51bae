package daemon

import (
	"context"
	"net/http"
	"path/filepath"

	"github.com/mlago/chatsync/internal/api"
	"github.com/mlago/chatsync/internal/bus"
	"github.com/mlago/chatsync/internal/channel"
	"github.com/mlago/chatsync/internal/config"
	"github.com/mlago/chatsync/internal/engine"
	"github.com/mlago/chatsync/internal/lock"
	"github.com/mlago/chatsync/internal/logging"
	"github.com/mlago/chatsync/internal/notify"
	"github.com/mlago/chatsync/internal/outbox"
	"github.com/mlago/chatsync/internal/presence"
	"github.com/mlago/chatsync/internal/receipt"
	"github.com/mlago/chatsync/internal/remote"
	"github.com/mlago/chatsync/internal/remote/memory"
	"github.com/mlago/chatsync/internal/status"
	"github.com/mlago/chatsync/internal/store"
	intsync "github.com/mlago/chatsync/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved configuration passed to the fx module.
type Params struct {
	Config *config.Config
	Addr   string // optional listen override for testing; empty = use config
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideRemote,
			provideReconciler,
			provideQueue,
			provideReceipts,
			provideRealtime,
			provideNotifier,
			provideEngine,
			provideRouter,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	logPath := filepath.Join(p.Config.Engine.DataDir, "chatsyncd.log")
	return logging.New(logPath, p.Config.Engine.SelfID)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring data dir lock", zap.String("dir", p.Config.Engine.DataDir))
	l, err := lock.Acquire(p.Config.Engine.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := filepath.Join(p.Config.Engine.DataDir, "chatsync.db")
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

// provideRemote supplies the in-process remote store. A server-backed
// implementation slots in here without touching anything downstream.
func provideRemote() remote.Store {
	return memory.New()
}

func provideReconciler(p Params, db *store.DB, rs remote.Store, b *bus.Bus, logger *zap.Logger) *intsync.Reconciler {
	return intsync.NewReconciler(db, rs, b, p.Config.Engine.SelfID, p.Config.Channel.PageSize, logger)
}

func provideQueue(p Params, db *store.DB, rs remote.Store, rec *intsync.Reconciler, b *bus.Bus, logger *zap.Logger) *outbox.Queue {
	return outbox.NewQueue(db, rs, rec, b, p.Config.Retry, logger)
}

func provideReceipts(p Params, db *store.DB, rs remote.Store, rec *intsync.Reconciler, b *bus.Bus, logger *zap.Logger) *receipt.Manager {
	return receipt.NewManager(db, rs, rec, b, p.Config.Engine.SelfID, logger)
}

// provideRealtime builds the channel manager and the presence tracker
// together: the manager routes feed events to the tracker, the tracker's
// heartbeat follows the manager's active chats.
func provideRealtime(p Params, db *store.DB, rs remote.Store, rec *intsync.Reconciler, b *bus.Bus, sm *status.Machine, rm *receipt.Manager, logger *zap.Logger) (*channel.Manager, *presence.Tracker) {
	var cm *channel.Manager
	pt := presence.NewTracker(rs, b, p.Config.Presence, p.Config.Engine.SelfID, func() []string { return cm.ActiveChats() }, logger)
	cm = channel.NewManager(db, rs, rec, b, sm, p.Config.Channel, pt, rm, logger)
	return cm, pt
}

func provideNotifier(b *bus.Bus, logger *zap.Logger) *notify.Notifier {
	return notify.NewNotifier(b, nil, logger)
}

func provideEngine(p Params, db *store.DB, b *bus.Bus, sm *status.Machine, rec *intsync.Reconciler, q *outbox.Queue, cm *channel.Manager, pt *presence.Tracker, rm *receipt.Manager, n *notify.Notifier, logger *zap.Logger) *engine.Engine {
	return engine.New(db, b, sm, rec, q, cm, pt, rm, n, p.Config.Engine.SelfID, logger)
}

func provideRouter(e *engine.Engine, logger *zap.Logger) http.Handler {
	return api.NewRouter(e, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, e *engine.Engine, db *store.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			e.Start(context.Background())

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("http gateway error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			e.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
