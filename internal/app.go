package internal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iaze0088/IazeConnect-sub004/internal/ingest"
	"github.com/iaze0088/IazeConnect-sub004/internal/limiter"
	"github.com/iaze0088/IazeConnect-sub004/internal/reconcile"
	"github.com/iaze0088/IazeConnect-sub004/internal/store"
	"github.com/iaze0088/IazeConnect-sub004/internal/webhook"
	"github.com/iaze0088/IazeConnect-sub004/pkg/auth"
	"github.com/iaze0088/IazeConnect-sub004/pkg/env"
	"github.com/iaze0088/IazeConnect-sub004/pkg/log"
	"github.com/iaze0088/IazeConnect-sub004/pkg/provider"
	"github.com/iaze0088/IazeConnect-sub004/pkg/router"
	"github.com/iaze0088/IazeConnect-sub004/pkg/tenant"
	"github.com/iaze0088/IazeConnect-sub004/pkg/whatsapp"
)

// Config is everything the App reads from the environment.
type Config struct {
	DatastoreType string
	DatastoreURI  string

	ProviderType      string
	ProviderBaseURL   string
	ProviderSecretKey string
	ProviderTimeout   time.Duration
	ProviderProxyURL  string

	JWTSecret     string
	AdminSecret   string
	TenantDomains map[string]string

	PublicBaseURL string
	RouteCacheTTL time.Duration
	StaleAfter    time.Duration

	Engine  reconcile.Config
	Limiter limiter.Config
	Webhook webhook.Config
}

// LoadConfig reads Config from the environment, applying defaults.
func LoadConfig() Config {
	engine := reconcile.DefaultConfig()
	engine.PollInitialInterval = env.GetEnvDurationOrDefault("POLL_INITIAL_INTERVAL", engine.PollInitialInterval)
	engine.PollMaxInterval = env.GetEnvDurationOrDefault("POLL_MAX_INTERVAL", engine.PollMaxInterval)
	engine.PollDeadline = env.GetEnvDurationOrDefault("POLL_DEADLINE", engine.PollDeadline)
	engine.PollRatePerSecond = env.GetEnvFloatOrDefault("POLL_RATE_PER_SECOND", engine.PollRatePerSecond)
	engine.PollBurst = env.GetEnvIntOrDefault("POLL_BURST", engine.PollBurst)
	engine.WebhookGrace = env.GetEnvDurationOrDefault("WEBHOOK_GRACE", engine.WebhookGrace)
	engine.ResumeConcurrency = env.GetEnvIntOrDefault("RESUME_CONCURRENCY", engine.ResumeConcurrency)

	return Config{
		DatastoreType: strings.ToLower(env.GetEnvStringOrDefault("DATASTORE_TYPE", "memory")),
		DatastoreURI:  env.GetEnvStringOrDefault("DATASTORE_URI", ""),

		ProviderType:      strings.ToLower(env.GetEnvStringOrDefault("PROVIDER_TYPE", "mock")),
		ProviderBaseURL:   env.GetEnvStringOrDefault("PROVIDER_BASE_URL", ""),
		ProviderSecretKey: env.GetEnvStringOrDefault("PROVIDER_SECRET_KEY", ""),
		ProviderTimeout:   env.GetEnvDurationOrDefault("PROVIDER_TIMEOUT", 15*time.Second),
		ProviderProxyURL:  env.GetEnvStringOrDefault("PROVIDER_PROXY_URL", ""),

		JWTSecret:     env.MustGetEnvString("JWT_SECRET_KEY"),
		AdminSecret:   env.GetEnvStringOrDefault("ADMIN_SECRET_KEY", ""),
		TenantDomains: env.GetEnvMapOrDefault("TENANT_DOMAINS", nil),

		PublicBaseURL: strings.TrimRight(env.GetEnvStringOrDefault("PUBLIC_BASE_URL", "http://localhost:7001"), "/"),
		RouteCacheTTL: env.GetEnvDurationOrDefault("ROUTE_CACHE_TTL", 5*time.Minute),
		StaleAfter:    env.GetEnvDurationOrDefault("STALE_DISCONNECT_AFTER", 30*time.Minute),

		Engine: engine,
		Limiter: limiter.Config{
			DailySendCap:    env.GetEnvIntOrDefault("LIMITER_DAILY_SEND_CAP", 1000),
			DailyReceiveCap: env.GetEnvIntOrDefault("LIMITER_DAILY_RECEIVE_CAP", 5000),
			BurstPerMinute:  env.GetEnvIntOrDefault("LIMITER_BURST_PER_MINUTE", 30),
			MaxSessionAge:   env.GetEnvDurationOrDefault("LIMITER_MAX_SESSION_AGE", 30*24*time.Hour),
		},
		Webhook: webhook.Config{
			Enabled:      env.GetEnvBoolOrDefault("WEBHOOK_ENABLED", true),
			Workers:      env.GetEnvIntOrDefault("WEBHOOK_WORKERS", 4),
			QueueSize:    env.GetEnvIntOrDefault("WEBHOOK_QUEUE_SIZE", 1000),
			RetryLimit:   env.GetEnvIntOrDefault("WEBHOOK_RETRY_LIMIT", 3),
			RetryBackoff: env.GetEnvDurationOrDefault("WEBHOOK_RETRY_BACKOFF", 2*time.Second),
			Timeout:      env.GetEnvDurationOrDefault("WEBHOOK_TIMEOUT", 10*time.Second),
			AllowPrivate: env.GetEnvBoolOrDefault("WEBHOOK_ALLOW_PRIVATE", false),
			NodeID:       int64(env.GetEnvIntOrDefault("WEBHOOK_NODE_ID", 1)),
		},
	}
}

// ProviderCallbackURL is where the provider posts session events.
func (c Config) ProviderCallbackURL() string {
	return c.PublicBaseURL + router.BaseURL + "/webhooks/provider"
}

// App owns every long-lived component. It is built once in main and handed
// to route registration, startup and routines.
type App struct {
	Config   Config
	Store    store.Store
	Provider provider.Provider
	Engine   *reconcile.Engine
	Limiter  *limiter.Limiter
	Routes   *store.RoutingCache
	Ingestor *ingest.Ingestor
	Webhooks *webhook.Engine
	Auth     *auth.Authenticator
}

// applier lets the ingestor exist before the engine, because an in-process
// provider needs the ingest sink at construction time.
type applier struct {
	engine *reconcile.Engine
}

func (a *applier) Apply(ctx context.Context, scope tenant.Scope, name string, ev reconcile.StatusEvent) (reconcile.ApplyResult, error) {
	if a.engine == nil {
		return reconcile.ApplyResult{}, reconcile.ErrRetryable
	}
	return a.engine.Apply(ctx, scope, name, ev)
}

func NewApp(ctx context.Context, cfg Config) (*App, error) {
	app := &App{Config: cfg}

	authenticator, err := auth.NewAuthenticator(cfg.JWTSecret, cfg.AdminSecret, tenant.NewOriginResolver(cfg.TenantDomains))
	if err != nil {
		return nil, err
	}
	app.Auth = authenticator

	app.Store, err = openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	app.Limiter = limiter.New(app.Store, cfg.Limiter)
	app.Routes = store.NewRoutingCache(app.Store, cfg.RouteCacheTTL)

	deferred := &applier{}
	app.Ingestor = ingest.New(deferred, app.Routes, app.Limiter)

	app.Provider, err = openProvider(ctx, cfg, app.Ingestor.Sink())
	if err != nil {
		_ = app.Store.Close()
		return nil, err
	}
	log.Print(nil).Info("Using " + app.Provider.Name() + " provider with " + cfg.DatastoreType + " datastore")

	app.Engine = reconcile.NewEngine(app.Store, app.Provider, cfg.Engine)
	deferred.engine = app.Engine

	webhookStore, err := openWebhookStore(ctx, app.Store)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Webhooks, err = webhook.NewEngine(webhookStore, cfg.Webhook)
	if err != nil {
		app.Close()
		return nil, err
	}
	if err := app.Engine.OnTransition(app.Webhooks.HandleTransition); err != nil {
		app.Close()
		return nil, err
	}
	for _, forget := range []func(string){app.Limiter.Forget, app.Routes.Forget} {
		if err := app.Engine.OnReplace(forget); err != nil {
			app.Close()
			return nil, err
		}
	}

	return app, nil
}

func openStore(ctx context.Context, cfg Config) (store.Store, error) {
	switch cfg.DatastoreType {
	case "", "memory":
		return store.NewMemory(), nil
	case "bolt", "bbolt":
		path := cfg.DatastoreURI
		if path == "" {
			path = "dbs/iazeconnect.db"
		}
		return store.NewBolt(path)
	case "pgx", "postgres", "postgresql":
		if cfg.DatastoreURI == "" {
			return nil, errors.New("DATASTORE_URI is required for " + cfg.DatastoreType)
		}
		driver := "pgx"
		if cfg.DatastoreType != "pgx" {
			driver = "postgres"
		}
		return store.NewPostgres(ctx, driver, cfg.DatastoreURI)
	}
	return nil, fmt.Errorf("unknown DATASTORE_TYPE %q", cfg.DatastoreType)
}

func openProvider(ctx context.Context, cfg Config, sink provider.EventSink) (provider.Provider, error) {
	switch cfg.ProviderType {
	case "", "mock":
		return provider.NewMock()
	case "http", "wppconnect":
		return provider.NewHTTPProvider(provider.HTTPConfig{
			BaseURL:   cfg.ProviderBaseURL,
			SecretKey: cfg.ProviderSecretKey,
			Timeout:   cfg.ProviderTimeout,
		})
	case "whatsmeow", "whatsapp":
		return whatsapp.New(ctx, whatsapp.Config{
			DatastoreType: cfg.DatastoreType,
			DatastoreURI:  cfg.DatastoreURI,
			ProxyURL:      cfg.ProviderProxyURL,
		}, sink)
	}
	return nil, fmt.Errorf("unknown PROVIDER_TYPE %q", cfg.ProviderType)
}

// openWebhookStore keeps subscriptions next to the instances when the
// datastore is PostgreSQL.
func openWebhookStore(ctx context.Context, s store.Store) (webhook.Store, error) {
	if pg, ok := s.(*store.Postgres); ok {
		return webhook.NewSQLStore(ctx, pg.DB(), 15*time.Second)
	}
	return webhook.NewMemoryStore(), nil
}

// Close stops background work, then releases the provider and the store.
func (a *App) Close() {
	if a.Engine != nil {
		a.Engine.Shutdown()
	}
	if a.Webhooks != nil {
		a.Webhooks.Shutdown(5 * time.Second)
	}
	if wa, ok := a.Provider.(*whatsapp.Provider); ok {
		wa.Shutdown()
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			log.Print(nil).WithError(err).Warn("Unable to close datastore")
		}
	}
}
