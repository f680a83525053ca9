package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/pool-engine/internal/address"
	"github.com/atmx/pool-engine/internal/api"
	"github.com/atmx/pool-engine/internal/archive"
	"github.com/atmx/pool-engine/internal/betting"
	"github.com/atmx/pool-engine/internal/config"
	"github.com/atmx/pool-engine/internal/events"
	"github.com/atmx/pool-engine/internal/identity"
	"github.com/atmx/pool-engine/internal/lock"
	"github.com/atmx/pool-engine/internal/metrics"
	"github.com/atmx/pool-engine/internal/store"
)

func main() {
	cfg, err := config.Load(os.Getenv("POOLENGINE_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("pool-engine exited", "err", err)
		os.Exit(1)
	}
	fmt.Println("pool-engine stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Store ---
	var st store.Store
	if cfg.Postgres.DSN != "" {
		pgCfg, err := pgxpool.ParseConfig(cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("parse postgres dsn: %w", err)
		}
		if cfg.Postgres.MaxConns > 0 {
			pgCfg.MaxConns = int32(cfg.Postgres.MaxConns)
		}
		pool, err := pgxpool.NewWithConfig(ctx, pgCfg)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if cfg.Postgres.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("postgres dsn not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Redis: read-through cache and optional distributed locks ---
	var locker lock.Locker = lock.NewLocalLocker()
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })

		st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL.Duration)
		slog.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL.Duration)
		if cfg.Redis.DistributedLocks {
			locker = lock.NewRedisLocker(rdb, cfg.Redis.LockTTL.Duration)
			slog.Info("Redis distributed locks enabled")
		}
	}

	// --- Events ---
	wsHub := events.NewWSHub()
	publishers := events.Multi{wsHub}
	if len(cfg.Kafka.Brokers) > 0 {
		kp := events.NewKafkaPublisher(events.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic), cfg.Kafka.Topic)
		cleanup = append(cleanup, func() {
			if err := kp.Close(); err != nil {
				slog.Error("kafka writer close", "err", err)
			}
		})
		publishers = append(publishers, kp)
		slog.Info("Kafka publishing enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	// --- Engine ---
	programID, err := address.Parse(cfg.Engine.ProgramID)
	if err != nil {
		return fmt.Errorf("program id: %w", err)
	}
	treasury, err := address.Parse(cfg.Engine.Treasury)
	if err != nil {
		return fmt.Errorf("treasury: %w", err)
	}
	fees, err := cfg.FeeSchedule()
	if err != nil {
		return err
	}

	opts := []betting.Option{
		betting.WithFees(fees),
		betting.WithLocker(locker),
		betting.WithLockTimeout(cfg.Engine.LockTimeout.Duration),
		betting.WithPublisher(publishers),
	}
	if cfg.S3.Bucket != "" {
		arch, err := archive.NewS3Archiver(ctx, archive.S3Config{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			Prefix:         cfg.S3.Prefix,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return err
		}
		opts = append(opts, betting.WithArchiver(arch))
		slog.Info("settlement archive enabled", "bucket", cfg.S3.Bucket, "prefix", cfg.S3.Prefix)
	}

	engine := betting.New(st, address.NewDeriver(programID), treasury, opts...)

	svcOpts := []api.Option{api.WithSignatureWindow(cfg.Server.SignatureWindow.Duration)}
	if cfg.Engine.Funder != "" {
		funder, err := address.Parse(cfg.Engine.Funder)
		if err != nil {
			return fmt.Errorf("funder: %w", err)
		}
		svcOpts = append(svcOpts, api.WithFunder(funder))
		slog.Info("deposits enabled", "funder", cfg.Engine.Funder)
	}
	svc := api.NewService(engine, identity.Ed25519Verifier{}, svcOpts...)

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
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+api.HeaderIdentity+", "+api.HeaderSignature+", "+api.HeaderTimestamp+", "+api.HeaderNonce)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"pool-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Event stream; exempt from the request timeout.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.Server.RequestTimeout.Duration))
			svc.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return wsHub.Run(gctx)
	})
	g.Go(func() error {
		slog.Info("pool-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down pool-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
