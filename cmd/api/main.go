package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"crewroute/internal/api"
	"crewroute/internal/auth"
	"crewroute/internal/buildinfo"
	"crewroute/internal/config"
	"crewroute/internal/events"
	"crewroute/internal/jobs"
	"crewroute/internal/matrix"
	"crewroute/internal/metrics"
	"crewroute/internal/opt"
	"crewroute/internal/store"
	"crewroute/internal/webhooks"
)

// queueRunner is the consumer side of whichever queue backend is configured.
type queueRunner func(ctx context.Context) error

func main() {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	cfg, err := config.Load(".")
	if err != nil {
		log.Fatal().Err(err).Msg("cannot load config")
	}
	setupLogger(cfg)
	metrics.RegisterDefault()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("cannot open store")
	}
	defer st.Close()

	var rdb redis.UniversalClient
	if cfg.RedisAddress != "" {
		redis.SetLogger(jobs.NewLogger())
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddress, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", cfg.RedisAddress).Msg("redis not reachable yet")
		}
	}

	var broker events.Broker = events.NewMemory()
	if rdb != nil {
		broker = events.NewRedis(rdb)
	}

	resolver := newResolver(cfg, rdb)
	solvers := opt.NewSolvers(opt.EngineConfig{
		MaxSolveTime:  cfg.OptimizerTimeBudget,
		MaxIterations: cfg.OptimizerMaxIter,
		Seed:          cfg.OptimizerSeed,
	}, cfg.OptimizerMaxStops)
	if _, err := solvers.Select(cfg.DefaultAlgorithm, ""); err != nil {
		log.Fatal().Err(err).Msg("bad DEFAULT_ALGORITHM")
	}

	registry := jobs.NewCancelRegistry()
	tracker := jobs.NewTracker(broker)
	history := jobs.NewHistory(cfg.HistoryCapacity, cfg.HistoryPath)
	if err := history.Load(); err != nil {
		log.Warn().Err(err).Str("path", cfg.HistoryPath).Msg("cannot load job history, starting empty")
	}
	if err := history.StartFlusher(cfg.HistoryFlushSpec); err != nil {
		log.Fatal().Err(err).Msg("bad HISTORY_FLUSH_SPEC")
	}
	defer history.Stop()
	stats := opt.NewStatsStore()

	worker := &jobs.Worker{
		Store:            st,
		Matrix:           resolver,
		Solvers:          solvers,
		DefaultAlgorithm: cfg.DefaultAlgorithm,
		Registry:         registry,
		Tracker:          tracker,
		History:          history,
		Stats:            stats,
		Notifier:         webhooks.NewPublisher(st, cfg.WebhookSecret),
	}

	queue, runQueue, closeQueue := newQueue(cfg, worker)
	defer closeQueue()

	service := jobs.NewService(queue, registry, tracker, history, st, solvers)
	service.MaxStops = cfg.MaxStopsPerPlan

	limiter := api.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, 10*time.Minute)
	defer limiter.Stop()
	srv := &api.Server{
		Jobs:    service,
		Broker:  broker,
		Store:   st,
		Matrix:  resolver,
		Solvers: solvers,
		Stats:   stats,
		Auth: auth.NewVerifier(auth.Config{
			Mode:       cfg.AuthMode,
			HMACSecret: cfg.AuthHMACSecret,
			JWKSURL:    cfg.AuthJWKSURL,
			Issuer:     cfg.AuthIssuer,
			OwnerClaim: cfg.AuthOwnerClaim,
			RoleClaim:  cfg.AuthRoleClaim,
		}),
		Limiter:        limiter,
		AllowedOrigins: cfg.AllowedOrigins,
		Debug: map[string]any{
			"environment":      cfg.Environment,
			"queueBackend":     cfg.QueueBackend,
			"authMode":         cfg.AuthMode,
			"defaultAlgorithm": cfg.DefaultAlgorithm,
			"hasDatabase":      cfg.DatabaseURL != "",
			"hasRedis":         cfg.RedisAddress != "",
			"hasOSRM":          cfg.OSRMURL != "",
		},
	}

	webhookWorker := webhooks.NewWorker(st, cfg.WebhookMaxAttempts)
	webhookWorker.Start()
	defer close(webhookWorker.Stop)

	janitor := cron.New()
	if _, err := janitor.AddFunc("@every 10m", func() {
		n := tracker.Prune(time.Now().Add(-cfg.StatusTTL))
		if n > 0 {
			log.Debug().Int("pruned", n).Msg("pruned finished job statuses")
		}
	}); err != nil {
		log.Fatal().Err(err).Msg("cannot schedule status pruning")
	}
	janitor.Start()
	defer janitor.Stop()

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	waitGroup, ctx := errgroup.WithContext(ctx)
	waitGroup.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddress).Str("version", buildinfo.Version).Msg("start HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	waitGroup.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("graceful shutdown HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	waitGroup.Go(func() error {
		log.Info().Str("backend", cfg.QueueBackend).Msg("start route plan worker")
		err := runQueue(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if err := waitGroup.Wait(); err != nil {
		log.Fatal().Err(err).Msg("error from wait group")
	}
	log.Info().Msg("shutdown complete")
}

func setupLogger(cfg config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.IsDevelopment() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		mem := store.NewMemory()
		if cfg.SeedFile != "" {
			if err := mem.LoadSeedFile(cfg.SeedFile); err != nil {
				return nil, err
			}
			log.Info().Str("file", cfg.SeedFile).Msg("loaded planner seed data")
		}
		return mem, nil
	}
	pg, err := store.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.DBMigrate {
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, err
		}
	}
	return pg, nil
}

func newResolver(cfg config.Config, rdb redis.UniversalClient) *matrix.Resolver {
	r := &matrix.Resolver{
		Fallback: matrix.Estimator{SpeedKph: cfg.AverageSpeedKmh},
		Timeout:  cfg.MatrixTimeout,
	}
	if cfg.OSRMURL == "" {
		return r
	}
	var primary matrix.Provider = matrix.NewOSRM(matrix.OSRMConfig{
		BaseURL:        cfg.OSRMURL,
		Profile:        cfg.OSRMProfile,
		Timeout:        cfg.MatrixTimeout,
		RequestsPerSec: cfg.OSRMRPS,
	})
	if rdb != nil && cfg.MatrixCacheTTL > 0 {
		primary = matrix.NewRedisCache(primary, rdb, cfg.MatrixCacheTTL)
	}
	r.Primary = primary
	return r
}

func newQueue(cfg config.Config, worker *jobs.Worker) (jobs.Queue, queueRunner, func()) {
	if cfg.QueueBackend == "asynq" {
		redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddress, Password: cfg.RedisPassword, DB: cfg.RedisDB}
		q := jobs.NewAsynqQueue(redisOpt, jobs.AsynqConfig{
			MaxRetry:  cfg.JobMaxRetry,
			Timeout:   cfg.JobTimeout,
			Retention: cfg.JobRetention,
		})
		server := jobs.NewAsynqServer(redisOpt, jobs.QueueRoutePlans, worker)
		run := func(ctx context.Context) error {
			if err := server.Start(); err != nil {
				return err
			}
			<-ctx.Done()
			server.Shutdown()
			return nil
		}
		return q, run, func() { _ = q.Close() }
	}
	q := jobs.NewMemoryQueue(cfg.JobMaxRetry + 1)
	run := func(ctx context.Context) error { return q.Run(ctx, worker) }
	return q, run, func() {}
}
