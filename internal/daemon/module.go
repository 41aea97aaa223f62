package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/convo/internal/api"
	"github.com/matheus3301/convo/internal/attachment"
	"github.com/matheus3301/convo/internal/bus"
	"github.com/matheus3301/convo/internal/config"
	"github.com/matheus3301/convo/internal/dispatch"
	"github.com/matheus3301/convo/internal/engine"
	"github.com/matheus3301/convo/internal/identity"
	"github.com/matheus3301/convo/internal/lock"
	"github.com/matheus3301/convo/internal/logging"
	"github.com/matheus3301/convo/internal/notify"
	"github.com/matheus3301/convo/internal/objectstore"
	"github.com/matheus3301/convo/internal/outbox"
	"github.com/matheus3301/convo/internal/profile"
	"github.com/matheus3301/convo/internal/status"
	"github.com/matheus3301/convo/internal/store"
	"github.com/matheus3301/convo/internal/voice"
	"github.com/matheus3301/convo/internal/web"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	SocketPath string // optional override for testing; empty = use default
	// Config overrides loading ~/.convo/config.toml when set.
	Config *config.Config
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideFeed,
			provideLog,
			provideObjectStore,
			providePipeline,
			provideDispatcher,
			provideSender,
			provideEngine,
			provideVerifier,
			provideNotifier,
			provideService,
			provideWeb,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg := p.Config
	if cfg == nil {
		var err error
		if cfg, err = config.LoadOrDefault(profile.ConfigPath()); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile, cfg.Log.Level)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus, cfg *config.Config) *status.Machine {
	m := status.NewMachine(b)
	m.SetDegradeAfter(cfg.Live.DegradeAfter)
	return m
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore depends on the lock so two daemons never migrate one file.
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
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideFeed(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) store.Feed {
	if cfg.Live.Feed != "redis" {
		return store.LocalFeed{}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	// Registered before registerLifecycle, so it stops after the log.
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	logger.Info("using redis change feed",
		zap.String("addr", cfg.Redis.Addr), zap.String("channel", cfg.Redis.Channel))
	return store.NewRedisFeed(client, cfg.Redis.Channel)
}

func provideLog(db *store.DB, feed store.Feed, cfg *config.Config, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *store.Log {
	l := store.NewLog(db, feed, b, logger)
	if d := cfg.Live.ReconnectMaxInterval.Duration; d > 0 {
		l.MaxReconnectInterval = d
	}
	l.SetHealthFunc(machine.FeedHealth)
	return l
}

func provideObjectStore(p Params, cfg *config.Config, logger *zap.Logger) (objectstore.Store, error) {
	if cfg.Attachments.Backend == "s3" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return objectstore.NewS3(ctx, objectstore.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UsePathStyle:    cfg.S3.UsePathStyle,
			PublicBaseURL:   cfg.S3.PublicBaseURL,
			ThumbnailPx:     cfg.Attachments.ThumbnailPx,
		}, logger)
	}
	return objectstore.NewLocal(localDir(p, cfg), cfg.Attachments.PublicBaseURL, cfg.Attachments.ThumbnailPx, logger)
}

func localDir(p Params, cfg *config.Config) string {
	if cfg.Attachments.LocalDir != "" {
		return cfg.Attachments.LocalDir
	}
	return profile.UploadsDir(p.Profile)
}

func providePipeline(objects objectstore.Store, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *attachment.Pipeline {
	return attachment.New(objects, attachment.Options{
		MaxBytes:      cfg.Attachments.MaxBytes,
		Retries:       cfg.Attachments.Retries,
		RetryInterval: cfg.Attachments.RetryInterval.Duration,
	}, b, logger)
}

func provideDispatcher(log *store.Log, cfg *config.Config, logger *zap.Logger) *dispatch.Dispatcher {
	return dispatch.New(log, dispatch.Options{
		ResubscribeRetries:     uint64(cfg.Live.ResubscribeRetries),
		ResubscribeMaxInterval: cfg.Live.ResubscribeMaxInterval.Duration,
	}, logger)
}

func provideSender(db *store.DB, log *store.Log, live *dispatch.Dispatcher, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, log, live, outbox.Options{
		MaxRetries:      uint64(cfg.Send.MaxRetries),
		InitialInterval: cfg.Send.InitialInterval.Duration,
		MaxInterval:     cfg.Send.MaxInterval.Duration,
		Timeout:         cfg.Send.Timeout.Duration,
	}, b, logger)
}

func provideEngine(log *store.Log, live *dispatch.Dispatcher, sender *outbox.Sender, pipeline *attachment.Pipeline,
	cfg *config.Config, b *bus.Bus, logger *zap.Logger) *engine.Engine {
	opts := voice.Options{
		Format:      voice.Format{SampleRate: cfg.Voice.SampleRate, Channels: cfg.Voice.Channels},
		MaxDuration: cfg.Voice.MaxDuration.Duration,
	}
	return engine.New(log, live, sender, pipeline, voice.NewDeviceMicrophone(), opts, b, logger)
}

func provideVerifier(cfg *config.Config) *identity.Verifier {
	return identity.NewVerifier(cfg.HTTP.JWTSecret, cfg.HTTP.JWTIssuer)
}

func provideNotifier(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *notify.Notifier {
	var sink notify.Sink = notify.LogSink{Logger: logger}
	if cfg.Notify.WebhookURL != "" {
		sink = notify.NewWebhook(cfg.Notify.WebhookURL, cfg.Notify.Timeout.Duration, cfg.Notify.Retries)
	}
	return notify.NewNotifier(sink, b, cfg.Notify.Timeout.Duration, logger)
}

func provideService(p Params, cfg *config.Config, e *engine.Engine, log *store.Log, live *dispatch.Dispatcher,
	machine *status.Machine, verifier *identity.Verifier, logger *zap.Logger) *api.Service {
	return api.NewService(p.Profile, e, log, live, machine, verifier, cfg.Identity, logger)
}

// provideWeb returns nil when no listen address is configured.
func provideWeb(p Params, cfg *config.Config, e *engine.Engine, verifier *identity.Verifier, machine *status.Machine, logger *zap.Logger) *web.Server {
	if cfg.HTTP.Listen == "" {
		return nil
	}
	opts := web.Options{Listen: cfg.HTTP.Listen}
	if cfg.Attachments.Backend == "local" && cfg.Attachments.PublicBaseURL == "/files" {
		opts.FilesDir = localDir(p, cfg)
	}
	return web.New(opts, e, verifier, machine, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, httpSrv *web.Server, lk *lock.Lock, db *store.DB, log *store.Log,
	live *dispatch.Dispatcher, sender *outbox.Sender, notifier *notify.Notifier, machine *status.Machine, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// The feed reports READY through the machine once subscribed.
			log.Start(context.Background())

			if err := sender.Start(context.Background()); err != nil {
				return fmt.Errorf("start outbox: %w", err)
			}
			notifier.Start(context.Background())

			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if httpSrv != nil {
				if err := httpSrv.Start(); err != nil {
					return err
				}
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			_ = machine.Transition(status.Stopping)
			if httpSrv != nil {
				if err := httpSrv.Stop(ctx); err != nil {
					logger.Warn("error stopping HTTP server", zap.Error(err))
				}
			}
			// Closing views ends Watch streams so the gRPC stop can drain.
			live.Close()
			srv.Stop(ctx)
			notifier.Stop()
			sender.Stop()
			log.Stop()
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
