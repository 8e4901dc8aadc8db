package main

// user_stream_check connects the push streams of every active account and
// prints the normalized order events until interrupted. Nothing is written
// to the orders table.
//
//	go run ./scripts/user_stream_check
//
// STREAM_CHECK_DURATION (default "0") stops the check after the given
// duration when set.

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"spotkeeper/internal/gateway"
	"spotkeeper/internal/monitor"
	"spotkeeper/internal/stream"
	"spotkeeper/pkg/config"
	"spotkeeper/pkg/db"
	"spotkeeper/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New("user_stream_check", cfg.LogLevel, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if d, err := time.ParseDuration(os.Getenv("STREAM_CHECK_DURATION")); err == nil && d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer database.Close()
	queries := database.Queries()

	pool := gateway.NewPool(queries, gateway.NewFactory(log), gateway.DefaultConfig())
	pool.Start(ctx)
	defer pool.Stop()

	manager := stream.NewManager(queries, pool, stream.NewConnector(log), monitor.New(nil), stream.DefaultManagerConfig(), log)
	if err := manager.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start streams")
	}
	defer manager.StopAll()

	count := 0
	for {
		select {
		case <-ctx.Done():
			for _, st := range manager.Statuses() {
				log.Info().Str("user_id", st.UserID).Str("exchange", st.Exchange).
					Bool("connected", st.Connected).Int("reconnects", st.Reconnects).
					Str("last_error", st.LastError).Msg("stream status")
			}
			log.Info().Int("events", count).Msg("stream check finished")
			return
		case ev := <-manager.Events():
			count++
			log.Info().
				Str("user_id", ev.UserID).
				Str("exchange", ev.Exchange).
				Str("symbol", ev.Symbol).
				Str("order_id", ev.OrderID).
				Str("side", string(ev.Side)).
				Str("status", string(ev.Status)).
				Float64("price", ev.Price).
				Float64("qty", ev.Quantity).
				Float64("filled", ev.FilledQuantity).
				Msg("order event")
		}
	}
}
