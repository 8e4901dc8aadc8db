package main

// exchange_check runs the read-only adapter calls for one configured account
// so credentials and network access can be verified before the engine is
// started against it.
//
//	CHECK_USER_ID=u1 CHECK_EXCHANGE=binance go run ./scripts/exchange_check
//
// CHECK_TESTNET (default "false") selects the testnet account and
// CHECK_SYMBOL (default "BTCUSDT") the market that is queried.

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"spotkeeper/internal/gateway"
	"spotkeeper/internal/order"
	"spotkeeper/pkg/config"
	"spotkeeper/pkg/db"
	"spotkeeper/pkg/exchanges/common"
	"spotkeeper/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New("exchange_check", cfg.LogLevel, os.Stdout)

	userID := os.Getenv("CHECK_USER_ID")
	exchangeName := strings.ToLower(getenv("CHECK_EXCHANGE", "binance"))
	testnet := getenv("CHECK_TESTNET", "false") == "true"
	symbol := strings.ToUpper(getenv("CHECK_SYMBOL", "BTCUSDT"))
	if userID == "" {
		log.Fatal().Msg("CHECK_USER_ID is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer database.Close()
	queries := database.Queries()

	ex, err := queries.ExchangeByName(ctx, exchangeName)
	if err != nil {
		log.Fatal().Err(err).Str("exchange", exchangeName).Msg("unknown exchange")
	}
	pool := gateway.NewPool(queries, gateway.NewFactory(log), gateway.DefaultConfig())
	adapter, err := pool.Get(ctx, db.AccountKey{UserID: userID, ExchangeID: ex.ID, Testnet: testnet})
	if err != nil {
		log.Fatal().Err(err).Msg("build adapter")
	}

	failed := 0
	check := func(name string, fn func() (*zerolog.Event, error)) {
		ev, err := fn()
		if err != nil {
			failed++
			log.Error().Err(err).Str("check", name).Bool("transient", common.IsTransient(err)).Msg("FAIL")
			return
		}
		ev.Str("check", name).Msg("ok")
	}

	check("price", func() (*zerolog.Event, error) {
		p, err := adapter.GetSymbolPrice(ctx, symbol)
		return log.Info().Float64("price", p), err
	})
	check("symbol_info", func() (*zerolog.Event, error) {
		info, err := adapter.GetSymbolInfo(ctx, symbol)
		return log.Info().Float64("step", info.StepSize).Float64("tick", info.TickSize).
			Float64("min_qty", info.MinQty).Float64("min_notional", info.MinNotional), err
	})
	check("klines", func() (*zerolog.Event, error) {
		candles, err := adapter.GetKlines(ctx, symbol, "1h", 3)
		ev := log.Info().Int("candles", len(candles))
		if last, ok := common.LastClosedCandle(candles, time.Now()); ok {
			ev = ev.Float64("last_close", last.Close)
		}
		return ev, err
	})
	for _, asset := range []string{order.BaseAsset(symbol), order.QuoteAsset(symbol)} {
		check("balance_"+asset, func() (*zerolog.Event, error) {
			b, err := adapter.GetAssetBalanceDetail(ctx, asset)
			return log.Info().Float64("free", b.Free).Float64("locked", b.Locked), err
		})
	}
	check("open_orders", func() (*zerolog.Event, error) {
		orders, err := adapter.GetOpenOrders(ctx, symbol)
		return log.Info().Int("open", len(orders)).Bool("has_sell", common.HasOpenSell(orders)), err
	})
	check("recent_trades", func() (*zerolog.Event, error) {
		trades, err := adapter.GetRecentTrades(ctx, symbol, 10)
		return log.Info().Int("trades", len(trades)), err
	})

	if failed > 0 {
		log.Error().Int("failed", failed).Msg("exchange check failed")
		os.Exit(1)
	}
	log.Info().Str("exchange", adapter.Name()).Msg("exchange check passed")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
