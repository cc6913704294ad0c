package daemon

import (
	"context"
	"io"

	"github.com/benbjohnson/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Jamshidjalolov/chatsync/internal/api"
	"github.com/Jamshidjalolov/chatsync/internal/bus"
	"github.com/Jamshidjalolov/chatsync/internal/chat"
	"github.com/Jamshidjalolov/chatsync/internal/config"
	"github.com/Jamshidjalolov/chatsync/internal/identity"
	"github.com/Jamshidjalolov/chatsync/internal/lock"
	"github.com/Jamshidjalolov/chatsync/internal/logging"
	"github.com/Jamshidjalolov/chatsync/internal/model"
	"github.com/Jamshidjalolov/chatsync/internal/presence"
	"github.com/Jamshidjalolov/chatsync/internal/realtime"
	"github.com/Jamshidjalolov/chatsync/internal/rest"
	"github.com/Jamshidjalolov/chatsync/internal/session"
	"github.com/Jamshidjalolov/chatsync/internal/socket"
	"github.com/Jamshidjalolov/chatsync/internal/store"
	intsync "github.com/Jamshidjalolov/chatsync/internal/sync"
	"github.com/Jamshidjalolov/chatsync/internal/transport"
	"github.com/Jamshidjalolov/chatsync/internal/upload"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	ConfigPath  string // optional override; empty = ~/.chatsync/config.toml
	Channel     string // channel to activate on start, optional
	LogLevel    string
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideClock,
			provideLock,
			provideStore,
			provideIdentity,
			provideRealtime,
			provideREST,
			provideUploader,
			provideSockets,
			provideCoordinator,
			provideSyncEngine,
			provideSessionService,
			provideSyncService,
			provideChatService,
			provideMessageService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(session.EnvPath()); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.NewLevel(session.LogPath(p.SessionName), p.SessionName, logging.ParseLevel(p.LogLevel))
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideClock() clock.Clock {
	return clock.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideStore depends on the lock so the journal is never opened by two daemons.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.JournalPath(p.SessionName)
	db, result, err := store.OpenMigrated(dbPath)
	if err != nil {
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

func provideIdentity(cfg *config.Config, logger *zap.Logger) *identity.Provider {
	p := identity.NewProvider(cfg.Identity.Secret)
	if cfg.Identity.Token == "" {
		logger.Info("no bearer token configured, waiting for chatctl token")
		return p
	}
	if who, err := p.SetToken(cfg.Identity.Token); err != nil {
		logger.Warn("configured token rejected", zap.Error(err))
	} else {
		logger.Info("identity loaded", zap.Int("user_id", who.UserID), zap.String("sender", string(who.Sender())))
	}
	return p
}

func provideRealtime(cfg *config.Config, logger *zap.Logger) realtime.Service {
	if cfg.Realtime.Addr == "" {
		logger.Warn("no redis address configured, primary transport is in-memory")
		return realtime.NewMemory()
	}
	return realtime.NewRedis(realtime.RedisConfig{
		Addr:     cfg.Realtime.Addr,
		Username: cfg.Realtime.Username,
		Password: cfg.Realtime.Password,
		DB:       cfg.Realtime.DB,
		PoolSize: cfg.Realtime.PoolSize,
	}, logger.Named("realtime"))
}

func provideREST(cfg *config.Config, id *identity.Provider, logger *zap.Logger) *rest.Client {
	c := rest.New(rest.Config{BaseURL: cfg.REST.BaseURL, Timeout: cfg.REST.Timeout}, logger.Named("rest"))
	if who, err := id.Current(); err == nil {
		c.SetToken(who.Token)
	}
	return c
}

func provideUploader(cfg *config.Config, logger *zap.Logger) (*upload.MinIO, error) {
	if cfg.Upload.Endpoint == "" {
		return nil, nil
	}
	return upload.NewMinIO(upload.MinIOConfig{
		Endpoint:  cfg.Upload.Endpoint,
		AccessKey: cfg.Upload.AccessKey,
		SecretKey: cfg.Upload.SecretKey,
		Bucket:    cfg.Upload.Bucket,
		UseSSL:    cfg.Upload.UseSSL,
		PublicURL: cfg.Upload.PublicURL,
	}, logger.Named("upload"))
}

func provideSockets(clk clock.Clock, b *bus.Bus, id *identity.Provider, logger *zap.Logger) *socket.Manager {
	m := socket.NewManager(clk, b, logger.Named("socket"))
	if who, err := id.Current(); err == nil {
		m.SetToken(who.Token)
	}
	return m
}

func provideCoordinator(
	cfg *config.Config,
	rt realtime.Service,
	rc *rest.Client,
	up *upload.MinIO,
	sockets *socket.Manager,
	db *store.DB,
	id *identity.Provider,
	clk clock.Clock,
	b *bus.Bus,
	logger *zap.Logger,
) *chat.Coordinator {
	pc := presence.DefaultConfig()
	if cfg.Sync.TypingStale > 0 {
		pc.Stale = cfg.Sync.TypingStale
	}
	d := chat.Deps{
		Realtime: rt,
		REST:     rc,
		Sockets:  sockets,
		Journal:  db,
		Identity: id,
		Clock:    clk,
		Bus:      b,
		Logger:   logger.Named("chat"),
	}
	if up != nil {
		d.Uploader = up
	}
	return chat.NewCoordinator(chat.Config{
		Transport: transport.Config{
			PollInterval:  cfg.Sync.PollInterval,
			PollCooldown:  cfg.Sync.PollCooldown,
			RetryInterval: cfg.Sync.RetryInterval,
			RetryAttempts: cfg.Sync.RetryAttempts,
		},
		Presence: pc,
		Sockets: chat.SocketConfig{
			DirectURL:     cfg.Sockets.DirectURL,
			ThreadsURL:    cfg.Sockets.ThreadsURL,
			AssignmentURL: cfg.Sockets.AssignmentURL,
		},
	}, d)
}

func provideSyncEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, b, logger.Named("sync"))
}

func provideSessionService(p Params, coord *chat.Coordinator, id *identity.Provider, db *store.DB) *api.SessionService {
	return api.NewSessionService(p.SessionName, coord, id, db)
}

func provideSyncService(p Params, engine *intsync.Engine, b *bus.Bus) *api.SyncService {
	return api.NewSyncService(b, engine.Reconciler(), p.SessionName)
}

func provideChatService(coord *chat.Coordinator, db *store.DB) *api.ChatService {
	return api.NewChatService(coord, db)
}

func provideMessageService(coord *chat.Coordinator, db *store.DB) *api.MessageService {
	return api.NewMessageService(coord, db)
}

type lifecycleIn struct {
	fx.In

	Params      Params
	Server      *Server
	Lock        *lock.Lock
	DB          *store.DB
	Engine      *intsync.Engine
	Coordinator *chat.Coordinator
	Identity    *identity.Provider
	REST        *rest.Client
	Sockets     *socket.Manager
	Uploader    *upload.MinIO
	Realtime    realtime.Service
	Logger      *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, in lifecycleIn) {
	logger := in.Logger
	runCtx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// Rows left sending by a previous run can never settle.
			if n, err := in.DB.AbandonOutbox("daemon restarted"); err != nil {
				logger.Warn("failed to abandon stale outbox rows", zap.Error(err))
			} else if n > 0 {
				logger.Info("abandoned stale outbox rows", zap.Int64("count", n))
			}

			in.Identity.Watch(func(who identity.Identity) {
				in.REST.SetToken(who.Token)
				in.Sockets.SetToken(who.Token)
				logger.Info("credential changed", zap.Int("user_id", who.UserID))
			})

			if in.Uploader != nil {
				if err := in.Uploader.EnsureBucket(ctx); err != nil {
					logger.Warn("attachment bucket unavailable", zap.Error(err))
				}
			}

			in.Engine.Start(runCtx)
			in.Coordinator.Start(runCtx)

			go func() {
				if err := in.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if in.Params.Channel != "" {
				ch, err := model.ParseChannelKey(in.Params.Channel)
				if err != nil {
					return err
				}
				go func() {
					if _, err := in.Coordinator.Activate(ch); err != nil {
						logger.Error("initial activation failed", zap.Error(err))
					}
				}()
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			in.Coordinator.Close()
			cancel()
			in.Engine.Stop()
			in.Server.Stop(ctx)
			if c, ok := in.Realtime.(io.Closer); ok {
				if err := c.Close(); err != nil {
					logger.Warn("error closing realtime client", zap.Error(err))
				}
			}
			if err := in.DB.Close(); err != nil {
				logger.Warn("error closing journal", zap.Error(err))
			}
			if err := in.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
