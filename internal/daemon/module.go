package daemon

import (
	"context"
	"net/http"
	"time"

	"github.com/matheus3301/chatsync/internal/analysis"
	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/listeners"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/netmon"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/priority"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/uistate"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Params holds the resolved profile passed to the fx module.
type Params struct {
	Profile    string
	SocketPath string // optional override for testing; empty = use default
	// Config, when set, is used instead of reading the profile config file.
	Config *config.Config
	Debug  bool
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Options(
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx")}
		}),
		fx.Module("daemon",
			fx.Supply(p),
			fx.Provide(
				provideConfig,
				provideLogger,
				provideBus,
				provideUIState,
				provideStateMachine,
				provideLock,
				provideStore,
				provideRemoteClient,
				provideRemoteStore,
				provideMonitor,
				provideListeners,
				provideCoordinator,
				provideOutbox,
				provideAnalyzer,
				provideRanker,
				provideControl,
				NewServer,
			),
			fx.Invoke(registerLifecycle),
		),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg := p.Config
	if cfg == nil {
		var err error
		if cfg, err = profile.LoadConfig(p.Profile); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(lc fx.Lifecycle, p Params) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if p.Debug {
		level = zapcore.DebugLevel
	}
	logger, closer, err := logging.New(logging.Options{
		Path:    profile.LogPath(p.Profile),
		Profile: p.Profile,
		Level:   level,
	})
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(func() {
		_ = logger.Sync()
		_ = closer.Close()
	}))
	return logger, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideUIState(b *bus.Bus) uistate.Container {
	return uistate.New(b)
}

func provideStateMachine(b *bus.Bus, ui uistate.Container) *status.Machine {
	return status.NewMachine(b, ui)
}

func provideLock(p Params, cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile), cfg.User.ID)
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore depends on the lock so the database is only opened by its
// owner.
func provideStore(lc fx.Lifecycle, p Params, cfg *config.Config, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.Profile)
	db, err := store.Open(dbPath, cfg.User.ID)
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
	lc.Append(fx.StopHook(db.Close))
	return db, nil
}

func provideRemoteClient(cfg *config.Config, logger *zap.Logger) (*remote.Client, error) {
	return remote.NewClient(cfg.Remote.URL, &http.Client{Timeout: 30 * time.Second}, logger.Named("remote"))
}

func provideRemoteStore(c *remote.Client) remote.Store {
	return c
}

func provideMonitor(cfg *config.Config, c *remote.Client, b *bus.Bus, ui uistate.Container, logger *zap.Logger) *netmon.Monitor {
	addr := cfg.Remote.ProbeAddr
	if addr == "" {
		addr = c.Host()
	}
	return netmon.New(b, ui, logger.Named("netmon"), netmon.Options{
		Debounce:      time.Duration(cfg.Network.Debounce),
		ProbeInterval: time.Duration(cfg.Network.ProbeInterval),
		Prober:        netmon.TCPProber{Addr: addr},
	})
}

func provideListeners(logger *zap.Logger) *listeners.Manager {
	return listeners.NewManager(logger.Named("listeners"))
}

func provideCoordinator(cfg *config.Config, db *store.DB, rs remote.Store, lm *listeners.Manager, mon *netmon.Monitor, m *status.Machine, b *bus.Bus, logger *zap.Logger) *intsync.Coordinator {
	return intsync.NewCoordinator(db, rs, lm, m, b, logger.Named("sync"), intsync.Options{
		MinHistory:    cfg.Sync.MinHistory,
		HistoryWindow: cfg.Sync.HistoryWindow,
		Online:        mon.IsOnline,
	})
}

func provideOutbox(cfg *config.Config, db *store.DB, rs remote.Store, mon *netmon.Monitor, b *bus.Bus, ui uistate.Container, logger *zap.Logger) *outbox.Queue {
	return outbox.New(db, outbox.RemoteDeliverer{Store: rs, DB: db}, b, ui, logger.Named("outbox"), outbox.Options{
		MaxRetries:    cfg.Outbox.MaxRetries,
		BackoffCap:    time.Duration(cfg.Outbox.BackoffCap),
		FlushInterval: time.Duration(cfg.Outbox.FlushInterval),
		Workers:       cfg.Outbox.Workers,
		Online:        mon.IsOnline,
	})
}

// provideAnalyzer returns nil when no analysis endpoint is configured, which
// leaves ranking local-only.
func provideAnalyzer(lc fx.Lifecycle, p Params, cfg *config.Config, logger *zap.Logger) (analysis.Analyzer, error) {
	if cfg.Remote.AnalysisURL == "" {
		logger.Info("no analysis endpoint configured, ranking is local-only")
		return nil, nil
	}
	cacheDB, err := analysis.OpenDB(profile.CacheDir(p.Profile), logger.Named("badger"))
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(cacheDB.Close))
	client := analysis.NewHTTPClient(cfg.Remote.AnalysisURL, &http.Client{Timeout: 20 * time.Second})
	return analysis.NewCache(cacheDB, client, time.Duration(cfg.Priority.CacheTTL), logger.Named("analysis")), nil
}

func provideRanker(cfg *config.Config, db *store.DB, a analysis.Analyzer, b *bus.Bus, ui uistate.Container, logger *zap.Logger) *priority.Engine {
	return priority.NewEngine(db, a, b, ui, logger.Named("priority"), priority.Options{
		Throttle:        time.Duration(cfg.Priority.EscalationThrottle),
		Batch:           cfg.Priority.EscalationBatch,
		RefreshInterval: time.Duration(cfg.Priority.RefreshInterval),
	})
}

type controlParams struct {
	fx.In

	Params    Params
	Config    *config.Config
	DB        *store.DB
	Status    *status.Machine
	Network   *netmon.Monitor
	Outbox    *outbox.Queue
	Sync      *intsync.Coordinator
	Priority  *priority.Engine
	Listeners *listeners.Manager
	Bus       *bus.Bus
	Logger    *zap.Logger
}

func provideControl(cp controlParams) *api.Control {
	return api.NewControl(api.Deps{
		Profile:   cp.Params.Profile,
		UserName:  cp.Config.User.DisplayName,
		DB:        cp.DB,
		Status:    cp.Status,
		Network:   cp.Network,
		Outbox:    cp.Outbox,
		Sync:      cp.Sync,
		Priority:  cp.Priority,
		Listeners: cp.Listeners,
		Bus:       cp.Bus,
		Logger:    cp.Logger.Named("api"),
	})
}

type lifecycleParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Server    *Server
	Lock      *lock.Lock
	Monitor   *netmon.Monitor
	Sync      *intsync.Coordinator
	Outbox    *outbox.Queue
	Ranker    *priority.Engine
	Logger    *zap.Logger
}

func registerLifecycle(lp lifecycleParams) {
	runCtx, cancel := context.WithCancel(context.Background())
	logger := lp.Logger
	lp.Lifecycle.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Start gRPC server in background.
			go func() {
				if err := lp.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			lp.Monitor.Start(runCtx)
			if err := lp.Outbox.Start(runCtx); err != nil {
				return err
			}
			lp.Sync.Start(runCtx)
			lp.Ranker.Start(runCtx)

			go func() {
				res, err := lp.Sync.FullSync(runCtx)
				if err != nil {
					if runCtx.Err() == nil {
						logger.Warn("initial full sync failed", zap.Error(err))
					}
					return
				}
				logger.Info("initial full sync done",
					zap.Int("conversations", res.Conversations),
					zap.Int("messages", res.Messages))
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			lp.Ranker.Stop()
			lp.Sync.Stop()
			lp.Outbox.Stop()
			lp.Monitor.Stop()
			lp.Server.Stop(ctx)
			if err := lp.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
