package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"voice-platform/internal/audit"
	"voice-platform/internal/auth"
	"voice-platform/internal/config"
	"voice-platform/internal/health"
	"voice-platform/internal/httpapi"
	"voice-platform/internal/observe"
	"voice-platform/internal/orchestrator"
	"voice-platform/internal/pricing"
	"voice-platform/internal/provider"
	"voice-platform/internal/reporting"
	"voice-platform/internal/resilience"
	"voice-platform/internal/session"
	"voice-platform/internal/signature"
	"voice-platform/internal/store"
	"voice-platform/internal/telephony"
	"voice-platform/internal/tenant"
	"voice-platform/internal/voice"
	"voice-platform/pkg/logger"
	"voice-platform/pkg/utils"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env, cfg.App.LogLevel)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(rootCtx, cfg, log); err != nil {
		log.Error("api exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		return err
	}

	mp, shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voice-platform"})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = shutdownMetrics(flushCtx)
	}()
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		return err
	}

	var (
		st       store.Store
		db       *sql.DB
		checkers []health.Checker
	)
	switch cfg.DB.Driver {
	case "memory":
		log.Warn("using in-memory store; sessions and usage are lost on restart")
		st = store.NewMemoryStore()
	default:
		db, err = utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
		if err != nil {
			return err
		}
		defer db.Close()
		if cfg.DB.AutoMigrate {
			if err := store.Migrate(db); err != nil {
				return err
			}
			log.Info("database migrations applied")
		}
		pg := store.NewPostgresStore(db)
		st = pg
		checkers = append(checkers, health.Checker{Name: "postgres", Check: pg.Ping})
	}

	var rdb *redis.Client
	if cfg.RedisEnabled() {
		rdb, err = utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr()})
		if err != nil {
			return err
		}
		defer rdb.Close()
		checkers = append(checkers, health.Checker{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}

	tenants, err := tenant.Open(cfg.Tenants.File)
	if err != nil {
		return err
	}
	log.Info("tenant directory loaded", "tenants", tenants.Len())

	rates := pricing.DefaultTable()
	orch := orchestrator.New(st, orchestrator.Config{
		TTSAttemptTimeout: cfg.Voice.TTSAttemptTimeout,
		STTAttemptTimeout: cfg.Voice.STTAttemptTimeout,
		Breakers: resilience.NewRegistry(resilience.BreakerConfig{
			MaxFailures:  cfg.Voice.BreakerMaxFailures,
			ResetTimeout: cfg.Voice.BreakerResetTimeout,
			Counts:       orchestrator.CountsAgainstVendor,
			Logger:       log,
		}),
		Metrics: metrics,
		Logger:  log,
	})

	var locker session.Locker = session.NewKeyedMutex()
	if cfg.Sessions.LockBackend == "redis" {
		locker = session.NewRedisLocker(rdb, session.RedisLockerConfig{Logger: log})
	}
	sessions := session.NewManager(st, locker,
		session.WithLogger(log),
		session.WithMetrics(metrics),
		session.WithStaleAfter(cfg.Sessions.StaleAfter),
		session.WithReaperInterval(cfg.Sessions.ReaperInterval),
	)

	var (
		limiter voice.ConcurrencyLimiter = voice.NewLocalLimiter(cfg.Voice.TenantMaxConcurrent)
		clips   voice.ClipStore          = voice.NewMemoryClips(0)
	)
	if rdb != nil {
		if cfg.Voice.TenantMaxConcurrent > 0 {
			limiter = voice.NewRedisLimiter(rdb, cfg.Voice.TenantMaxConcurrent, 0, log)
		}
		clips = voice.NewRedisClips(rdb, 0)
	}

	catalog := provider.NewCatalog(0)
	voiceSvc := voice.New(voice.Deps{
		Bindings:      st,
		Tenants:       tenants,
		Registry:      provider.NewRegistry(&http.Client{}, rates),
		Orchestrator:  orch,
		Sessions:      sessions,
		Catalog:       catalog,
		Limiter:       limiter,
		Clips:         clips,
		MediaBaseURL:  mediaBaseURL(cfg.App.PublicBaseURL),
		MaxAudioBytes: cfg.Voice.MaxAudioBytes,
		Logger:        log,
	})

	var auditRepo audit.Repository = audit.NewMemoryRepo()
	if db != nil {
		auditRepo = audit.NewSQLRepo(db)
	}
	auditor := audit.NewService(auditRepo)

	webhookLimiter := telephony.NewIPRateLimiter(cfg.Webhooks.RateLimitRPS, cfg.Webhooks.RateLimitBurst)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	r.Use(observe.GinMiddleware(metrics))

	registerRoutes(r, routeDeps{
		Auth:   authManager,
		Health: health.New(checkers...),
		Webhooks: telephony.WebhookHandler{
			Verifier:      signature.Verifier{},
			Secrets:       tenants,
			Dispatcher:    voiceSvc,
			PublicBaseURL: cfg.App.PublicBaseURL,
			Auditor:       auditor,
			Metrics:       metrics,
		},
		WebhookLimiter: webhookLimiter.Middleware(log),
		API: httpapi.Handlers{
			Voice:         voiceSvc,
			Sessions:      sessions,
			Reader:        st,
			Stats:         reporting.NewService(st),
			Rates:         rates,
			Auditor:       auditor,
			MaxAudioBytes: cfg.Voice.MaxAudioBytes,
		},
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return sessions.Run(gctx) })
	g.Go(func() error { return webhookLimiter.Run(gctx) })
	g.Go(func() error {
		reloadOnHangup(gctx, log, tenants, catalog)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown failed", "err", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// reloadOnHangup re-reads the tenant file on SIGHUP. A bad file keeps the
// previous snapshot.
func reloadOnHangup(ctx context.Context, log *slog.Logger, tenants *tenant.Directory, catalog *provider.Catalog) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := tenants.Reload(); err != nil {
				log.Error("tenant reload failed; keeping previous directory", "err", err)
				continue
			}
			catalog.Invalidate()
			log.Info("tenant directory reloaded", "tenants", tenants.Len())
		}
	}
}

func mediaBaseURL(publicBaseURL string) string {
	if publicBaseURL == "" {
		return ""
	}
	return publicBaseURL + "/media"
}
