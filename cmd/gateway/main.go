// Command gateway consumes request jobs from the broker, dispatches them to
// external HTTP APIs and persists the results.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/request-gateway/internal/adapter/dispatch"
	httpserver "github.com/fairyhunter13/request-gateway/internal/adapter/httpserver"
	"github.com/fairyhunter13/request-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/request-gateway/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/request-gateway/internal/adapter/recordstore"
	"github.com/fairyhunter13/request-gateway/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/request-gateway/internal/adapter/repo/redisstate"
	"github.com/fairyhunter13/request-gateway/internal/app"
	"github.com/fairyhunter13/request-gateway/internal/config"
	"github.com/fairyhunter13/request-gateway/internal/service/concurrency"
	"github.com/fairyhunter13/request-gateway/internal/service/workerpool"
	"github.com/fairyhunter13/request-gateway/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}

	runErr := run(cfg)

	if shutdownTracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := shutdownTracer(ctx); err != nil {
			slog.Error("tracer shutdown failed", slog.Any("error", err))
		}
		cancel()
	}
	if runErr != nil {
		slog.Error("gateway exited with error", slog.Any("error", runErr))
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	ctx := context.Background()

	// State store
	ropts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("op=main.redis: %w", err)
	}
	rdb := redis.NewClient(ropts)
	defer func() {
		if err := rdb.Close(); err != nil {
			slog.Error("failed to close redis client", slog.Any("error", err))
		}
	}()
	state := redisstate.New(rdb,
		redisstate.WithStateTTL(cfg.StateTTL),
		redisstate.WithLockTTL(cfg.LockTTL))

	// Broker
	brokerCfg := app.BrokerClient(cfg)
	admin, err := redpanda.NewAdminClient(brokerCfg)
	if err != nil {
		return err
	}
	defer admin.Close()

	topicCtx, cancelTopics := context.WithTimeout(ctx, 30*time.Second)
	err = redpanda.EnsureTopics(topicCtx, admin, app.TopicSpecs(cfg))
	cancelTopics()
	if err != nil {
		return fmt.Errorf("op=main.EnsureTopics: %w", err)
	}

	producer, err := redpanda.NewProducer(brokerCfg, app.Topics(cfg))
	if err != nil {
		return err
	}
	defer func() {
		if err := producer.Close(); err != nil {
			slog.Error("failed to close producer", slog.Any("error", err))
		}
	}()

	// Dispatch path
	breaker := observability.NewCircuitBreaker("external-api", app.BreakerConfig(cfg),
		observability.WithStateChangeHook(app.RecordBreakerTransition))
	observability.RecordCircuitBreakerState(breaker.Name(), breaker.State())
	dispatcher := dispatch.New(app.DispatchConfig(cfg), breaker)

	policy, err := app.ScalingPolicy(cfg)
	if err != nil {
		return err
	}
	poolCfg, err := app.PoolConfig(cfg, policy)
	if err != nil {
		return err
	}
	pool := workerpool.New(poolCfg)

	retry := cfg.GetRetryConfig()
	store := recordstore.New(app.RecordStoreConfig(cfg))
	requests := usecase.NewRequestPipeline(state, producer, dispatcher, pool, retry.MaxAttempts)
	responses := usecase.NewResponsePipeline(state, store, producer, usecase.ResponseConfig{
		SaveAttempts:    retry.SaveAttempts,
		SaveInterval:    retry.SaveInterval,
		CallbackEnabled: cfg.CallbackEnabled,
	})

	// Listeners and autoscaling
	reqCfg, respCfg := app.GroupConfigs(cfg)
	reqGroup, err := redpanda.NewWorkerGroup(brokerCfg, reqCfg, requests.Handle)
	if err != nil {
		return err
	}
	respGroup, err := redpanda.NewWorkerGroup(brokerCfg, respCfg, responses.Handle)
	if err != nil {
		return err
	}
	groups := concurrency.NewGroups(reqGroup, respGroup)

	ctrl := concurrency.NewController(policy, groups, concurrency.WithScaleHook(app.RecordScaleEvent))
	monitor := concurrency.NewMonitor(redpanda.NewOffsetSource(admin), ctrl, app.MonitorConfig(cfg))

	bgCtx, cancelBG := context.WithCancel(ctx)
	defer cancelBG()
	var bgWG sync.WaitGroup
	goBackground := func(fn func(context.Context)) {
		bgWG.Add(1)
		go func() {
			defer bgWG.Done()
			fn(bgCtx)
		}()
	}

	// Dead-letter archive
	var (
		deadLetters httpserver.DeadLetterLister
		dbPinger    app.Pinger
	)
	if cfg.ArchiveEnabled() {
		pg, err := postgres.NewPool(ctx, cfg.DBURL)
		if err != nil {
			return fmt.Errorf("op=main.postgres: %w", err)
		}
		defer pg.Close()
		repo := postgres.NewDeadLetterRepo(pg)
		if err := repo.EnsureSchema(ctx); err != nil {
			return err
		}
		archiver, err := redpanda.NewDeadLetterArchiver(brokerCfg, cfg.DeadLetterArchiveGrp, cfg.TopicRequestDLQ, repo)
		if err != nil {
			return err
		}
		defer archiver.Close()
		goBackground(archiver.Run)

		cleanup := postgres.NewCleanupService(repo, cfg.DeadLetterRetention)
		goBackground(func(c context.Context) { cleanup.RunPeriodic(c, cfg.DeadLetterSweepPeriod) })

		deadLetters, dbPinger = repo, pg
		slog.Info("dead-letter archive enabled", slog.Duration("retention", cfg.DeadLetterRetention))
	}

	for _, g := range []*redpanda.WorkerGroup{reqGroup, respGroup} {
		if err := g.Start(ctx); err != nil {
			return err
		}
	}
	goBackground(monitor.Run)
	if cfg.IngestActive() {
		ingest := usecase.NewIngestPoller(store, producer, cfg.IngestInterval, cfg.IngestPublishRate)
		goBackground(ingest.Run)
	}

	// Operational surface
	reporter := app.NewHealthReporter(groups, monitor, pool, breaker)
	if err := app.RegisterGatewayCollectors(prometheus.DefaultRegisterer, groups, monitor,
		[]string{cfg.TopicRequestNew, cfg.TopicRequestResponse}, pool); err != nil {
		slog.Warn("gateway collectors not registered", slog.Any("error", err))
	}
	checks := app.BuildReadinessChecks(rdb, producer, dbPinger)
	srv := httpserver.NewServer(cfg, producer, state, deadLetters, reporter.Report, checks...)

	servers := []*http.Server{{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           app.BuildRouter(cfg, srv),
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}}
	if cfg.MetricsPort > 0 && cfg.MetricsPort != cfg.Port {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		servers = append(servers, &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	errCh := make(chan error, len(servers))
	for _, s := range servers {
		s := s
		go func() {
			slog.Info("http server starting", slog.String("addr", s.Addr))
			errCh <- s.ListenAndServe()
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	coordinator := &app.ShutdownCoordinator{
		Background: []func(){func() {
			cancelBG()
			bgWG.Wait()
		}},
		Groups: []app.Stopper{reqGroup, respGroup},
		Pool:   pool,
		Grace:  cfg.ShutdownGrace,
	}
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.ShutdownGrace+cfg.ConsumerDrainTimeout)
	defer cancelDrain()
	shutdownErr := coordinator.Shutdown(drainCtx)

	httpCtx, cancelHTTP := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancelHTTP()
	for _, s := range servers {
		if err := s.Shutdown(httpCtx); err != nil {
			slog.Error("http server shutdown failed", slog.String("addr", s.Addr), slog.Any("error", err))
		}
	}
	return shutdownErr
}
