package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/facebookgo/clock"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/powerperp/engine/internal/amm"
	"github.com/powerperp/engine/internal/api"
	"github.com/powerperp/engine/internal/config"
	"github.com/powerperp/engine/internal/controller"
	"github.com/powerperp/engine/internal/metrics"
	"github.com/powerperp/engine/internal/model"
	"github.com/powerperp/engine/internal/oracle"
	"github.com/powerperp/engine/internal/store"
	"github.com/powerperp/engine/internal/strategy"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	settings, err := config.LoadEnv()
	if err != nil {
		slog.Error("invalid environment", "err", err)
		os.Exit(1)
	}

	cfg := config.Default()
	if settings.ConfigPath != "" {
		cfg, err = config.LoadAndValidate(settings.ConfigPath)
		if err != nil {
			slog.Error("config load failed", "path", settings.ConfigPath, "err", err)
			os.Exit(1)
		}
		slog.Info("config loaded", "path", settings.ConfigPath)
	} else {
		slog.Warn("CONFIG_PATH not set, using default protocol parameters")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if settings.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, settings.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if settings.RedisURL != "" {
			opt, err := redis.ParseURL(settings.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, settings.RedisTTL)
			slog.Info("Redis cache enabled", "ttl", settings.RedisTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Collaborators ---
	clk := clock.New()
	orc := oracle.NewRecorder(clk)
	orc.RegisterPool(cfg.Controller.Pools.Power, model.AssetPowerPerp, model.AssetETH)
	orc.RegisterPool(cfg.Controller.Pools.EthStable, model.AssetETH, model.AssetStable)
	pools := amm.NewStaticPools()

	// --- Engine ---
	ctl := controller.New(st, orc, pools, clk, cfg.Controller)
	strat := strategy.New(st, ctl, orc, clk, cfg.Strategy)

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run(ctx)

	svc := api.NewService(st, ctl, strat, orc, pools, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
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
		w.Write([]byte(`{"status":"ok","service":"powerperp-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", svc.Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + settings.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("powerperp-engine listening", "port", settings.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down powerperp-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("powerperp-engine stopped")
}
