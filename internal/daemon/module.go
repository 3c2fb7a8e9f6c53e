// Package daemon composes the sync daemon: store, transports, queue,
// reconciliation, and catch-up sync wired through fx with lifecycle hooks.
package daemon

import (
	"context"
	"os"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/vigia-app/vigia/internal/api"
	"github.com/vigia-app/vigia/internal/bus"
	"github.com/vigia-app/vigia/internal/config"
	"github.com/vigia-app/vigia/internal/lock"
	"github.com/vigia-app/vigia/internal/logging"
	"github.com/vigia-app/vigia/internal/profile"
	"github.com/vigia-app/vigia/internal/queue"
	"github.com/vigia-app/vigia/internal/reconcile"
	"github.com/vigia-app/vigia/internal/status"
	"github.com/vigia-app/vigia/internal/store"
	intsync "github.com/vigia-app/vigia/internal/sync"
	"github.com/vigia-app/vigia/internal/transport"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
}

// streams bundles the two server-push connections so lifecycle wiring stays
// readable.
type streams struct {
	fx.Out

	Channels  *transport.Manager `name:"channels"`
	Incidents *transport.SSEClient
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
			provideAPIClient,
			provideStreams,
			provideHub,
			provideQueueController,
			provideSyncEngine,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

// provideConfig loads ~/.vigia/config.toml. A missing file is not an error:
// the daemon comes up offline-capable with platform defaults.
func provideConfig(logger *zap.Logger) (*config.Config, error) {
	cfg, err := config.Load(profile.ConfigPath())
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn("no config file, using defaults", zap.String("path", profile.ConfigPath()))
			return &config.Config{}, nil
		}
		return nil, err
	}
	return cfg, nil
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

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
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

func provideAPIClient(cfg *config.Config, logger *zap.Logger) *api.Client {
	refresh := api.NewTokenRefresher(cfg.Server.BaseURL, cfg.Server.Token)
	return api.NewClient(cfg.Server.BaseURL, cfg.Server.Token, refresh, logger)
}

func provideStreams(cfg *config.Config, b *bus.Bus, logger *zap.Logger) streams {
	channels := transport.NewManager("channels", transport.Options{
		BaseURL:           cfg.Server.BaseURL,
		Path:              "/ws/channels",
		Token:             cfg.Server.Token,
		HeartbeatInterval: cfg.Sync.HeartbeatInterval(),
		BackoffFloor:      cfg.Sync.BackoffFloor(),
		BackoffCeiling:    cfg.Sync.BackoffCeiling(),
	}, nil, b, logger)

	incidents := transport.NewSSEClient("incidents", transport.SSEOptions{
		BaseURL:        cfg.Server.BaseURL,
		Path:           "/sse/incidents",
		Token:          cfg.Server.Token,
		BackoffFloor:   cfg.Sync.BackoffFloor(),
		BackoffCeiling: cfg.Sync.BackoffCeiling(),
	}, nil, b, logger)

	return streams{Channels: channels, Incidents: incidents}
}

func provideHub(db *store.DB, b *bus.Bus, logger *zap.Logger) *reconcile.Hub {
	return reconcile.NewHub(db, b, logger)
}

func provideQueueController(db *store.DB, client *api.Client, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *queue.Controller {
	return queue.NewController(db, client, b, logger,
		cfg.Sync.RetryCeiling(), cfg.Sync.BackoffFloor(), cfg.Sync.BackoffCeiling())
}

func provideSyncEngine(db *store.DB, client *api.Client, hub *reconcile.Hub, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, client, hub, b, logger)
}

type lifecycleIn struct {
	fx.In

	Lock       *lock.Lock
	Channels   *transport.Manager `name:"channels"`
	Incidents  *transport.SSEClient
	Hub        *reconcile.Hub
	Controller *queue.Controller
	Engine     *intsync.Engine
	Machine    *status.Machine
	Bus        *bus.Bus
	Logger     *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, in lifecycleIn) {
	var coord *coordinator
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ctx := context.Background()

			in.Hub.Start(ctx)
			in.Engine.Start(ctx)
			if err := in.Controller.Start(ctx); err != nil {
				return err
			}

			// Inbound routing: channel frames and incident pushes feed the
			// reconciliation hub.
			in.Channels.Dispatcher().Subscribe("message.new", in.Hub.HandleRemoteMessage)
			in.Channels.Dispatcher().Subscribe("message.updated", in.Hub.HandleRemoteMessage)
			in.Incidents.Dispatcher().Subscribe("incident.raised", in.Hub.HandleIncident)

			coord = newCoordinator(in.Bus, in.Machine, in.Controller, in.Logger)
			coord.start(ctx)

			_ = in.Machine.Transition(status.Connecting)
			go func() {
				if err := in.Channels.Connect(); err != nil {
					in.Logger.Warn("initial connect failed, reconnecting", zap.Error(err))
				}
			}()
			go func() {
				if err := in.Incidents.Connect(); err != nil {
					in.Logger.Warn("incident stream connect failed, reconnecting", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			in.Channels.Disconnect()
			in.Incidents.Disconnect()
			in.Controller.Stop()
			in.Engine.Stop()
			in.Hub.Stop()
			if coord != nil {
				coord.stop()
			}
			if err := in.Lock.Release(); err != nil {
				in.Logger.Warn("error releasing lock", zap.Error(err))
			}
			in.Logger.Info("daemon stopped")
			return nil
		},
	})
}
