package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"spotkeeper/internal/api"
	"spotkeeper/internal/command"
	"spotkeeper/internal/entry"
	"spotkeeper/internal/gateway"
	"spotkeeper/internal/monitor"
	"spotkeeper/internal/notify"
	"spotkeeper/internal/order"
	"spotkeeper/internal/protection"
	"spotkeeper/internal/reconciliation"
	"spotkeeper/internal/scheduler"
	"spotkeeper/internal/stoploss"
	"spotkeeper/internal/stream"
	"spotkeeper/pkg/config"
	"spotkeeper/pkg/db"
	"spotkeeper/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New("spotkeeper", cfg.LogLevel, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("engine stopped with error")
	}
	log.Info().Msg("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	queries := database.Queries()
	store := order.NewStore(database.DB, time.Now)
	metrics := monitor.NewDefault()

	pool := gateway.NewPool(queries, gateway.NewFactory(log), gateway.Config{
		MaxSize:     cfg.PoolMaxSize,
		IdleTimeout: cfg.PoolIdleTimeout,
	})
	pool.Start(ctx)
	defer pool.Stop()

	notifier, closeNotifier := buildNotifier(cfg, log)
	defer closeNotifier()

	protect := protection.New(store, metrics, protection.Config{
		QtyTolerance:   cfg.TPQtyTolerance,
		PriceTolerance: cfg.TPPriceTolerance,
	}, log)
	entries := entry.New(store, pool, protect, notifier, metrics, entry.DefaultConfig(), time.Now, log)

	slCfg := stoploss.DefaultConfig()
	slCfg.Grace = cfg.SLGrace
	stops := stoploss.New(store, pool, protect, notifier, metrics, slCfg, time.Now, log)

	reconCfg := reconciliation.DefaultConfig()
	reconCfg.MinAge = cfg.ReconMinAge
	reconCfg.QtyTolerance = cfg.TPQtyTolerance
	reconCfg.PriceTolerance = cfg.TPPriceTolerance
	reconCfg.MarkMismatch = cfg.MarkMismatch
	recon := reconciliation.NewService(store, pool, protect, notifier, metrics, reconCfg, time.Now, log)

	commands := command.New(store, pool, entries, protect, notifier, metrics, command.DefaultConfig(), time.Now, log)

	runner := scheduler.New(metrics, log)
	jobs := []struct {
		name, spec string
		fn         scheduler.Job
	}{
		{scheduler.JobStopLoss, cfg.Schedule.StopLoss, func(ctx context.Context) error {
			_, err := stops.RunOnce(ctx)
			return err
		}},
		{scheduler.JobProtectionCheck, cfg.Schedule.ProtectionCheck, func(ctx context.Context) error {
			_, err := recon.ProtectionCheck(ctx)
			return err
		}},
		{scheduler.JobEntry, cfg.Schedule.Entry, func(ctx context.Context) error {
			_, err := entries.RunOnce(ctx)
			return err
		}},
		{scheduler.JobReconcile, cfg.Schedule.Reconcile, func(ctx context.Context) error {
			_, err := recon.Reconcile(ctx)
			return err
		}},
		{"pool_stats", "@every 30s", func(context.Context) error {
			metrics.SetPoolSize(pool.Stats().Total)
			return nil
		}},
	}
	for _, j := range jobs {
		if err := runner.Add(j.name, j.spec, j.fn); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	deps := api.Deps{
		Metrics:  metrics.Handler(),
		Pool:     pool,
		Jobs:     runner,
		Commands: commands,
		Orders:   store,
		Ready:    func(ctx context.Context) error { return database.DB.PingContext(ctx) },
	}

	if cfg.StreamsEnabled {
		streams := stream.NewManager(queries, pool, stream.NewConnector(log), metrics, stream.DefaultManagerConfig(), log)
		router := stream.NewRouter(store, pool, protect, notifier, metrics, stream.DefaultRouterConfig(), time.Now, log)
		if err := streams.Start(gctx); err != nil {
			return fmt.Errorf("start streams: %w", err)
		}
		deps.Streams = streams
		if err := runner.Add(scheduler.JobStreamRefresh, cfg.Schedule.StreamRefresh, func(ctx context.Context) error {
			_, _, err := streams.Refresh(ctx)
			return err
		}); err != nil {
			return err
		}
		g.Go(func() error { return router.Run(gctx, streams.Events()) })
		g.Go(func() error {
			<-gctx.Done()
			streams.StopAll()
			return nil
		})
	} else {
		log.Info().Msg("push streams disabled, polling only")
	}

	runner.Start(gctx)
	g.Go(func() error {
		<-gctx.Done()
		runner.Stop()
		return nil
	})

	server := api.NewServer(deps, log)
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: server.Router, ReadHeaderTimeout: 10 * time.Second}
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	log.Info().Bool("streams", cfg.StreamsEnabled).Msg("engine started")
	return g.Wait()
}

// buildNotifier logs every notification and, when REDIS_ADDR is set, also
// publishes it for the chat and UI collaborators.
func buildNotifier(cfg *config.Config, log zerolog.Logger) (notify.Notifier, func()) {
	logNotifier := notify.NewLog(log)
	if cfg.RedisAddr == "" {
		return logNotifier, func() {}
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return notify.Multi{logNotifier, notify.NewRedis(client, cfg.NotifyChannel, log)}, func() { _ = client.Close() }
}
