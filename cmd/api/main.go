package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/PortNumber53/linkedin-studio/internal/billing"
	"github.com/PortNumber53/linkedin-studio/internal/config"
	"github.com/PortNumber53/linkedin-studio/internal/generation"
	"github.com/PortNumber53/linkedin-studio/internal/handlers"
	"github.com/PortNumber53/linkedin-studio/internal/linkedin"
	"github.com/PortNumber53/linkedin-studio/internal/logger"
	"github.com/PortNumber53/linkedin-studio/internal/metrics"
	"github.com/PortNumber53/linkedin-studio/internal/middleware"
	"github.com/PortNumber53/linkedin-studio/internal/publishing"
	"github.com/PortNumber53/linkedin-studio/internal/realtime"
	"github.com/PortNumber53/linkedin-studio/internal/store"
	"github.com/PortNumber53/linkedin-studio/internal/usage"
	"github.com/PortNumber53/linkedin-studio/internal/workers"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(defaultDeps()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type deps struct {
	loadEnv        func(...string) error
	getenv         func(string) string
	openDB         func(driverName, dataSourceName string) (*sql.DB, error)
	migrateUp      func(db *sql.DB, source string) error
	listenAndServe func(*http.Server) error
	notify         func(c chan<- os.Signal, sig ...os.Signal)
	stopCh         chan os.Signal
}

func defaultDeps() deps {
	return deps{
		loadEnv:        godotenv.Load,
		getenv:         os.Getenv,
		openDB:         sql.Open,
		migrateUp:      migrateUp,
		listenAndServe: func(s *http.Server) error { return s.ListenAndServe() },
		notify:         signal.Notify,
	}
}

func migrateUp(db *sql.DB, source string) error {
	if db == nil {
		return errors.New("migrate: nil database")
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migrate driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// services is everything the router and the background workers share.
type services struct {
	handler *handlers.Handler
	sweep   *workers.ScheduledPostsWorker
	expiry  *workers.SubscriptionExpiryWorker
}

func buildServices(cfg config.Config, db *sql.DB, rdb *redis.Client, rec metrics.Recorder, log *zap.Logger) services {
	st := store.New(db)
	words := usage.New(st, log, usage.WithMetrics(rec))
	subs := billing.New(st, words, log,
		billing.WithMetrics(rec),
		billing.WithTrial(cfg.TrialDuration, cfg.TrialWordLimit))
	hub := realtime.NewHub(log)

	rules := publishing.DefaultImageRules()
	rules.EnforceDimensions = cfg.EnforceImageDimensions
	li := linkedin.NewClient(cfg.LinkedIn.APIBase, linkedin.RateLimitConfig{
		RequestsPerSecond: cfg.LinkedIn.RPS,
		Burst:             cfg.LinkedIn.Burst,
	})
	posts := publishing.New(st, li, log,
		publishing.WithMetrics(rec),
		publishing.WithNotifier(hub),
		publishing.WithImageValidator(publishing.NewImageProber(rules)))

	var states linkedin.StateStore = linkedin.NewMemoryStateStore()
	if rdb != nil {
		states = linkedin.NewRedisStateStore(rdb)
	}
	connector := &linkedin.Connector{
		OAuth:    linkedin.NewConfig(cfg.LinkedIn.ClientID, cfg.LinkedIn.ClientSecret, cfg.LinkedIn.RedirectURL),
		States:   states,
		Profiles: st,
		APIBase:  cfg.LinkedIn.APIBase,
		StateTTL: cfg.LinkedIn.StateTTL,
	}

	sweep := &workers.ScheduledPostsWorker{
		Store:        st,
		Publisher:    posts,
		Log:          log,
		Metrics:      rec,
		Spec:         cfg.Scheduler.Spec,
		BatchSize:    cfg.Scheduler.BatchSize,
		SweepTimeout: cfg.Scheduler.SweepTimeout,
	}
	if rdb != nil {
		sweep.Lock = workers.NewRedisLock(rdb, "linkedin-studio:scheduled-posts", cfg.Scheduler.SweepTimeout+time.Minute)
	}

	h := handlers.New(handlers.Deps{
		Posts:      posts,
		PostReader: st,
		Usage:      words,
		Billing:    subs,
		Generator:  generation.NewService(generation.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.OpenAIBaseURL), words, log),
		Profiles:   st,
		Users:      st,
		LinkedIn:   connector,
		Sweep:      sweep,
		Hub:        hub,
		Gate:       &middleware.Gate{Secret: cfg.JWTSecret, Subscriptions: subs, Users: st, Log: log},
		Log:        log,

		LemonSqueezySecret: cfg.LemonSqueezyWebhookSecret,
		StripeSecret:       cfg.StripeWebhookSecret,
		InternalWSSecret:   cfg.InternalWSSecret,
		OAuthDoneURL:       cfg.LinkedIn.DoneURL,
	})

	expiry := &workers.SubscriptionExpiryWorker{
		Store:    st,
		Log:      log,
		Metrics:  rec,
		Interval: cfg.Scheduler.ExpiryInterval,
	}
	return services{handler: h, sweep: sweep, expiry: expiry}
}

func buildRouter(h *handlers.Handler, gatherer prometheus.Gatherer) *mux.Router {
	r := mux.NewRouter()
	h.Register(r)
	if gatherer != nil {
		r.Handle("/metrics", metrics.Handler(gatherer)).Methods(http.MethodGet)
	}
	return r
}

func withCORS(origins []string, next http.Handler) http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(next)
}

func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	if strings.TrimSpace(url) == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func run(d deps) error {
	if d.loadEnv != nil {
		_ = d.loadEnv()
	}
	if d.getenv == nil {
		d.getenv = os.Getenv
	}
	cfg, err := config.FromEnv(d.getenv)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	if d.openDB == nil {
		return errors.New("openDB dependency is required")
	}
	db, err := d.openDB("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := db.PingContext(rootCtx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	if cfg.RunMigrations && d.migrateUp != nil {
		if err := d.migrateUp(db, cfg.MigrationsPath); err != nil {
			return err
		}
		log.Info("database is up-to-date")
	}

	rdb, err := connectRedis(rootCtx, cfg.RedisURL)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	} else {
		log.Info("redis not configured: oauth state in memory, sweep unlocked")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	svc := buildServices(cfg, db, rdb, metrics.NewCollector(reg), log)

	srv := &http.Server{
		Handler:           withCORS(cfg.CORSOrigins, buildRouter(svc.handler, reg)),
		Addr:              ":" + cfg.Port,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// publish calls may take up to the upstream timeout
		WriteTimeout: 60 * time.Second,
	}

	stop := d.stopCh
	if stop == nil {
		stop = make(chan os.Signal, 1)
	}
	if d.notify != nil {
		d.notify(stop, os.Interrupt, syscall.SIGTERM)
	}

	g, ctx := errgroup.WithContext(rootCtx)
	if cfg.Scheduler.Enabled {
		g.Go(func() error { return svc.sweep.Start(ctx) })
	} else {
		log.Info("scheduled posts worker disabled")
	}
	if cfg.Scheduler.ExpiryEnabled {
		g.Go(func() error {
			svc.expiry.Start(ctx)
			return nil
		})
	}
	g.Go(func() error {
		select {
		case <-stop:
		case <-ctx.Done():
		}
		log.Info("shutting down server")
		cancel()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		log.Info("server starting", zap.String("port", cfg.Port))
		if err := d.listenAndServe(srv); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("server stopped")
	return nil
}
