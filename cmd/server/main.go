package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/updown-engine/internal/api"
	"github.com/atmx/updown-engine/internal/config"
	"github.com/atmx/updown-engine/internal/events"
	"github.com/atmx/updown-engine/internal/logging"
	"github.com/atmx/updown-engine/internal/metrics"
	"github.com/atmx/updown-engine/internal/oracle"
	"github.com/atmx/updown-engine/internal/pool"
	"github.com/atmx/updown-engine/internal/round"
	"github.com/atmx/updown-engine/internal/settlement"
	"github.com/atmx/updown-engine/internal/stake"
	"github.com/atmx/updown-engine/internal/store"
	"github.com/atmx/updown-engine/internal/store/migrations"
)

func main() {
	_ = godotenv.Load()

	configDir := os.Getenv("UPDOWN_CONFIG_DIR")
	if configDir == "" {
		configDir = "."
	}
	cfg, err := config.Load(configDir)
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	logger, logCloser := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer logCloser.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.Database.URL != "" {
		pgCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
		if err != nil {
			slog.Error("invalid database url", "err", err)
			os.Exit(1)
		}
		if cfg.Database.MaxConns > 0 {
			pgCfg.MaxConns = cfg.Database.MaxConns
		}
		pgPool, err := pgxpool.NewWithConfig(ctx, pgCfg)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pgPool.Close)
		if err := pgPool.Ping(ctx); err != nil {
			slog.Error("database ping failed", "err", err)
			os.Exit(1)
		}
		if cfg.Database.Migrate {
			if err := migrations.Apply(ctx, pgPool); err != nil {
				slog.Error("database migration failed", "err", err)
				os.Exit(1)
			}
		}
		st = store.NewPostgresStore(pgPool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Redis.URL != "" {
			opt, err := redis.ParseURL(cfg.Redis.URL)
			if err != nil {
				slog.Error("invalid redis url", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Redis.TTL)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("database url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Price oracle ---
	var sources []oracle.Oracle
	if cfg.Oracle.StreamURL != "" {
		stream := oracle.NewStream(logger, cfg.Oracle.StreamURL, cfg.Oracle.ChainID, cfg.Oracle.PriceField, cfg.Oracle.StaleAfter)
		go stream.Run(ctx)
		sources = append(sources, stream)
	}
	if fp := cfg.FallbackPrice(); fp.IsPositive() {
		sources = append(sources, oracle.NewStatic(fp))
	}
	if len(sources) == 0 {
		slog.Warn("no price source configured, settlement will wait for one")
	}
	priceOracle := oracle.NewFallback(logger, sources...)

	// --- Event fan-out ---
	wsHub := events.NewWSHub(logger)
	go wsHub.Run(ctx)
	sinks := []events.Sink{wsHub}

	if len(cfg.Kafka.Brokers) > 0 {
		kafkaSink := events.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		cleanup = append(cleanup, func() {
			if err := kafkaSink.Close(); err != nil {
				slog.Error("kafka writer close failed", "err", err)
			}
		})
		sinks = append(sinks, kafkaSink)
		slog.Info("Kafka event sink enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}
	broadcaster, err := events.NewBroadcaster(logger, cfg.Events.Workers, sinks...)
	if err != nil {
		slog.Error("event broadcaster init failed", "err", err)
		os.Exit(1)
	}

	// --- Ledger components ---
	pools := pool.NewAccumulator(st, cfg.Pool.Window)
	stakes := stake.NewController(st, pools, broadcaster, stake.Config{
		DemoCeiling: cfg.DemoCeiling(),
		MaxHorizon:  cfg.Stake.MaxHorizon,
		TxAttempts:  cfg.Settlement.TxAttempts,
	}, logger).WithOracle(priceOracle, cfg.Oracle.ChainID)
	resolver := settlement.NewResolver(st, priceOracle, broadcaster, settlement.Config{
		PayoutMultiplier: cfg.PayoutMultiplier(),
		DemoCeiling:      cfg.DemoCeiling(),
		CapDemoPayouts:   cfg.Demo.CapPayouts,
		ChainID:          cfg.Oracle.ChainID,
		TxAttempts:       cfg.Settlement.TxAttempts,
	}, logger)
	rounds := round.NewTracker(st, cfg.Pool.Window, priceOracle, cfg.Oracle.ChainID, broadcaster, logger)

	scheduler, err := settlement.NewScheduler(st, resolver, settlement.SchedulerConfig{
		Interval:    cfg.Settlement.Interval,
		BatchSize:   cfg.Settlement.BatchSize,
		Workers:     cfg.Settlement.Workers,
		MaxAttempts: cfg.Settlement.MaxAttempts,
		RetryBase:   cfg.Settlement.RetryBase,
		RetryMax:    cfg.Settlement.RetryMax,
	}, logger)
	if err != nil {
		slog.Error("scheduler init failed", "err", err)
		os.Exit(1)
	}
	if cfg.Settlement.SampleRounds {
		scheduler.WithRoundSampler(rounds)
	}
	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		scheduler.Run(ctx)
	}()

	handler := api.NewHandler(api.Deps{
		Store:       st,
		Stakes:      stakes,
		Resolver:    resolver,
		Pools:       pools,
		Rounds:      rounds,
		DeadLetters: scheduler,
		DemoCeiling: cfg.DemoCeiling(),
		Logger:      logger,
	})

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"updown-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Request timeouts don't apply to the long-lived WebSocket route.
		r.Get("/ws", wsHub.HandleWS)
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			handler.Routes(r, nil)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("updown-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down updown-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}

	// Let the current settlement batch finish before closing the store.
	select {
	case <-schedulerDone:
	case <-shutdownCtx.Done():
		slog.Warn("settlement batch still running at shutdown deadline")
	}
	scheduler.Close()
	if err := broadcaster.Close(5 * time.Second); err != nil {
		slog.Error("event broadcaster close failed", "err", err)
	}
	fmt.Println("updown-engine stopped")
}
