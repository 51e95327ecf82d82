// Package main is the entry point for the signet server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"github.com/ulule/limiter/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/signet/internal/agent"
	"github.com/pitabwire/signet/internal/blob"
	"github.com/pitabwire/signet/internal/config"
	"github.com/pitabwire/signet/internal/idempotency"
	"github.com/pitabwire/signet/internal/migrate"
	"github.com/pitabwire/signet/internal/notify"
	"github.com/pitabwire/signet/internal/observability"
	"github.com/pitabwire/signet/internal/pki"
	"github.com/pitabwire/signet/internal/signreq"
	"github.com/pitabwire/signet/internal/transport"
	"github.com/pitabwire/signet/internal/workflow"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "signet", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	registry := prometheus.NewRegistry()
	metrics := observability.InitMetrics(registry)

	// Step 4: Initialize workflow and attempt stores.
	stores, err := buildStores(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}
	defer stores.close()

	// Step 5: Shared Redis clients.
	clients := newRedisClients()
	defer clients.close()

	// Step 6: Document storage and the signing agent.
	blobs := buildBlobStore(cfg.Blob, logger)

	adapter, err := buildAdapter(cfg.PKI, logger)
	if err != nil {
		logger.Error("signing adapter initialization failed", zap.Error(err))
		return 1
	}
	coord := agent.NewCoordinator(stores.attempts, adapter, blobs,
		agent.WithRetryPolicy(agent.RetryPolicy{
			MaxAttempts:    cfg.Agent.MaxAttempts,
			BackoffInitial: cfg.Agent.BackoffInitial,
			BackoffMax:     cfg.Agent.BackoffMax,
		}),
		agent.WithDefaultPayload(agent.Payload{
			Reason:           cfg.PKI.Reason,
			Location:         cfg.PKI.Location,
			RequestTimestamp: cfg.PKI.RequestTimestamp,
		}),
		agent.WithLogger(logger),
		agent.WithMetrics(metrics),
	)

	// Step 7: Notifications.
	notifier, err := buildNotifier(cfg.Notify, clients, logger)
	if err != nil {
		logger.Error("notifier initialization failed", zap.Error(err))
		return 1
	}

	// Step 8: Workflow engine and signature requests.
	minter := signreq.NewMinter(cfg.Signing.DefaultWindow)
	engine := workflow.NewEngine(stores.workflow, minter,
		workflow.WithNotifier(notifier),
		workflow.WithLogger(logger),
		workflow.WithMetrics(metrics),
	)
	issuer := signreq.NewIssuer(engine, minter,
		signreq.WithCertificateSigner(coord),
		signreq.WithLogger(logger),
		signreq.WithMetrics(metrics),
	)

	// Step 9: Idempotency and rate limiting.
	idem, err := buildIdempotency(cfg.Idempotency, clients, logger)
	if err != nil {
		logger.Error("idempotency initialization failed", zap.Error(err))
		return 1
	}

	var lim *limiter.Limiter
	if cfg.RateLimit.Enabled {
		var client *redis.Client
		if cfg.RateLimit.Driver == "redis" {
			if client, err = clients.get(cfg.RateLimit.Redis); err != nil {
				logger.Error("rate limit initialization failed", zap.Error(err))
				return 1
			}
		}
		if lim, err = transport.NewLimiter(cfg.RateLimit, client); err != nil {
			logger.Error("rate limit initialization failed", zap.Error(err))
			return 1
		}
	}

	// Step 10: Authentication.
	keys, err := transport.NewKeySource(cfg.Identity, logger)
	if err != nil {
		logger.Error("identity initialization failed", zap.Error(err))
		return 1
	}

	// Step 11: Build HTTP router.
	readiness := observability.ReadinessChecks{
		"store": observability.CheckFunc(stores.workflow.Ping),
	}
	for name, client := range clients.all() {
		readiness["redis:"+name] = observability.CheckFunc(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Metrics:      metrics,
		Gatherer:     registry,
		Engine:       engine,
		Issuer:       issuer,
		Coordinator:  coord,
		Blobs:        blobs,
		Idempotency:  idem,
		Limiter:      lim,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, keys),
		Readiness:    readiness,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 12: Start the server and background tasks.
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		runExpirySweep(gctx, engine, cfg.Signing.SweepInterval, logger)
		return nil
	})

	g.Go(func() error {
		logger.Info("server started",
			zap.Int("port", cfg.Server.Port),
			zap.String("version", version),
			zap.String("commit", commit),
			zap.String("store", cfg.Store.Driver),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown initiated")

		shutdownTimeout := cfg.Server.ShutdownTimeout
		if shutdownTimeout == 0 {
			shutdownTimeout = 30 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Stop accepting new connections and drain in-flight requests.
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", zap.Error(err))
		}
		// Flush telemetry.
		if err := tracingShutdown(shutdownCtx); err != nil {
			logger.Error("tracing shutdown error", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", zap.Error(err))
		return 1
	}

	logger.Info("shutdown complete")
	return 0
}

type storeSet struct {
	workflow workflow.Store
	attempts agent.AttemptStore
	close    func()
}

// buildStores creates the workflow and attempt stores based on config.
func buildStores(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (storeSet, error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory workflow store")
		return storeSet{
			workflow: workflow.NewMemoryStore(),
			attempts: agent.NewMemoryAttemptStore(),
			close:    func() {},
		}, nil
	case "postgres":
		dsn := cfg.DSN()
		if dsn == "" {
			return storeSet{}, fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
		}

		if cfg.Migrate {
			if err := migrate.Up(ctx, dsn); err != nil {
				return storeSet{}, fmt.Errorf("store: %w", err)
			}
			logger.Info("database migrations applied")
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return storeSet{}, fmt.Errorf("store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = cfg.MaxConns
		poolCfg.MinConns = cfg.MinConns
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return storeSet{}, fmt.Errorf("store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return storeSet{}, fmt.Errorf("store: ping: %w", err)
		}

		return storeSet{
			workflow: workflow.NewPgStore(pool),
			attempts: agent.NewPgAttemptStore(pool),
			close:    pool.Close,
		}, nil
	default:
		return storeSet{}, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

// redisClients shares one client per Redis address across components.
type redisClients struct {
	byAddr map[string]*redis.Client
}

func newRedisClients() *redisClients {
	return &redisClients{byAddr: make(map[string]*redis.Client)}
}

func (c *redisClients) get(cfg config.RedisConfig) (*redis.Client, error) {
	addr := cfg.Addr()
	if addr == "" {
		return nil, fmt.Errorf("redis: %s environment variable not set", cfg.AddrEnv)
	}
	key := fmt.Sprintf("%s/%d", addr, cfg.DB)
	if client, ok := c.byAddr[key]; ok {
		return client, nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
	c.byAddr[key] = client
	return client, nil
}

func (c *redisClients) all() map[string]*redis.Client { return c.byAddr }

func (c *redisClients) close() {
	for _, client := range c.byAddr {
		_ = client.Close()
	}
}

// buildBlobStore keeps documents on disk when a root is configured.
func buildBlobStore(cfg config.BlobConfig, logger *zap.Logger) blob.Store {
	if cfg.Root == "" {
		logger.Warn("blob root not configured, keeping documents in memory")
		return blob.NewMemStore()
	}
	return blob.NewOSStore(cfg.Root)
}

// buildAdapter creates the local signing adapter with an optional key and TSA.
func buildAdapter(cfg config.PKIConfig, logger *zap.Logger) (*pki.LocalAdapter, error) {
	opts := []pki.Option{
		pki.WithStrict(cfg.Strict),
		pki.WithDefaults(cfg.Reason, cfg.Location),
	}

	if cfg.KeyFile != "" {
		signer, err := pki.LoadSigner(afero.NewOsFs(), cfg.KeyFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, pki.WithSigner(signer, cfg.KeyID))
	} else {
		logger.Warn("no signing key configured, certificate attempts will be incomplete")
	}

	if cfg.TSAURL != "" {
		breaker := pki.NewCircuitBreaker(pki.BreakerConfig{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			SuccessThreshold: cfg.Breaker.SuccessThreshold,
			Cooldown:         cfg.Breaker.Cooldown,
		})
		client := &http.Client{Timeout: cfg.TSATimeout}
		opts = append(opts, pki.WithTimestamper(pki.NewTimestampClient(cfg.TSAURL, client, breaker)))
	}

	return pki.NewLocalAdapter(opts...), nil
}

// buildNotifier creates the notification sink based on config. The redis
// driver also logs each notification.
func buildNotifier(cfg config.NotifyConfig, clients *redisClients, logger *zap.Logger) (notify.Notifier, error) {
	logNotifier := notify.NewLogNotifier(logger)
	switch cfg.Driver {
	case "log", "":
		return logNotifier, nil
	case "redis":
		client, err := clients.get(cfg.Redis)
		if err != nil {
			return nil, err
		}
		return notify.Multi{logNotifier, notify.NewRedisNotifier(client, cfg.Channel)}, nil
	default:
		return nil, fmt.Errorf("unsupported notify driver: %q", cfg.Driver)
	}
}

// buildIdempotency creates the idempotency store based on config.
func buildIdempotency(cfg config.IdempotencyConfig, clients *redisClients, logger *zap.Logger) (*transport.Idempotency, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	var store idempotency.Store
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory idempotency store")
		store = idempotency.NewMemoryStore()
	case "redis":
		client, err := clients.get(cfg.Redis)
		if err != nil {
			return nil, err
		}
		store = idempotency.NewRedisStore(client)
	default:
		return nil, fmt.Errorf("unsupported idempotency driver: %q", cfg.Driver)
	}
	return &transport.Idempotency{Store: store, TTL: cfg.TTL}, nil
}

// runExpirySweep periodically expires steps whose signature request lapsed.
func runExpirySweep(ctx context.Context, engine *workflow.Engine, interval time.Duration, logger *zap.Logger) {
	if interval == 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := engine.ExpireStale(ctx, now)
			if err != nil {
				logger.Error("expiry sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("expired stale steps", zap.Int("count", n))
			}
		}
	}
}
