// Package daemon composes the client core: one fx module wiring the store,
// gateway, reconciliation engine, outbox and call coordinator for a single
// session, plus the Core facade the UI talks to.
package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/dmaraujo/parley/internal/api"
	"github.com/dmaraujo/parley/internal/bus"
	"github.com/dmaraujo/parley/internal/call"
	"github.com/dmaraujo/parley/internal/config"
	"github.com/dmaraujo/parley/internal/gateway"
	"github.com/dmaraujo/parley/internal/lock"
	"github.com/dmaraujo/parley/internal/logging"
	"github.com/dmaraujo/parley/internal/outbox"
	"github.com/dmaraujo/parley/internal/reconcile"
	"github.com/dmaraujo/parley/internal/session"
	"github.com/dmaraujo/parley/internal/status"
	"github.com/dmaraujo/parley/internal/store"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	ConfigPath  string           // optional override for testing; empty = use default
	Peers       call.PeerFactory // media layer hook; nil means no media handles
}

// Module returns the fx module for the client core, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStatusMachine,
			provideLock,
			provideStore,
			provideIdentity,
			provideAPIClient,
			api.NewPresenceService,
			api.NewMessageService,
			api.NewCallService,
			api.NewKeyService,
			provideKeyring,
			provideGateway,
			providePresenceTracker,
			provideEngine,
			provideSender,
			provideCallMachine,
			provideCoordinator,
			NewCore,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	return config.Load(path)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStatusMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.LockPath(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.CacheDBPath(p.SessionName)
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

func provideIdentity(p Params) (*session.Identity, error) {
	return session.LoadIdentity(p.SessionName)
}

func provideAPIClient(cfg *config.Config, id *session.Identity) *api.Client {
	return api.NewClient(cfg.Server.BaseURL, id.AuthToken)
}

func provideKeyring(id *session.Identity, keys *api.KeyService, db *store.DB) *session.Keyring {
	return session.NewKeyring(id, keys, db)
}

func provideGateway(cfg *config.Config, id *session.Identity, presence *api.PresenceService, b *bus.Bus, logger *zap.Logger) *gateway.Gateway {
	return gateway.New(cfg.Conn, cfg.Server.SocketURL, id, presence, b, logger)
}

func providePresenceTracker() *reconcile.PresenceTracker {
	return reconcile.NewPresenceTracker()
}

func provideEngine(db *store.DB, keys *session.Keyring, msgs *api.MessageService, tracker *reconcile.PresenceTracker, b *bus.Bus, logger *zap.Logger) *reconcile.Engine {
	return reconcile.NewEngine(db, keys, msgs, tracker, b, logger)
}

func provideSender(cfg *config.Config, db *store.DB, engine *reconcile.Engine, msgs *api.MessageService, gw *gateway.Gateway, keys *session.Keyring, id *session.Identity, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, engine, msgs, gw, keys, id.UserID, b, cfg.Conn.SendTimeout(), logger)
}

func provideCallMachine(b *bus.Bus) *call.Machine {
	return call.NewMachine(b)
}

func provideCoordinator(p Params, cfg *config.Config, machine *call.Machine, calls *api.CallService, gw *gateway.Gateway, id *session.Identity, b *bus.Bus, logger *zap.Logger) *call.Coordinator {
	return call.NewCoordinator(machine, calls, gw, p.Peers, id.UserID, cfg.Call.RingTimeout(), b, logger)
}

func registerLifecycle(lc fx.Lifecycle, core *Core, lk *lock.Lock, gw *gateway.Gateway, engine *reconcile.Engine, sender *outbox.Sender, coordinator *call.Coordinator, machine *status.Machine, id *session.Identity, keys *session.Keyring, db *store.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ctx := context.Background()

			// Consumers first, so no early socket event is dropped.
			engine.Start(ctx)
			coordinator.Start(ctx)
			sender.Start(ctx)
			machine.Watch(ctx)

			if id.AuthToken == "" {
				logger.Info("no credentials found, auth required")
				_ = machine.Transition(status.AuthRequired)
				return nil
			}

			_ = machine.Transition(status.Connecting)
			go func() {
				if err := gw.Connect(ctx); err != nil {
					logger.Error("connect failed", zap.Error(err))
					_ = machine.Transition(status.Error)
				}
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			coordinator.Stop()
			sender.Stop()
			engine.Stop()
			gw.Shutdown()
			keys.Wipe()
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
