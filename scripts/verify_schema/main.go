package main

// verify_schema checks an existing database file against the tables and
// columns the engine expects, without migrating it.
//
//	go run ./scripts/verify_schema [path]
//
// The path defaults to DB_PATH.

import (
	"fmt"
	"os"

	"spotkeeper/pkg/config"
	"spotkeeper/pkg/db"
	"spotkeeper/pkg/logger"
)

var expected = map[string][]string{
	"exchanges":         {"id", "name"},
	"exchange_accounts": {"user_id", "exchange_id", "is_testnet", "api_key", "api_secret", "is_active"},
	"orders": {
		"user_id", "exchange_id", "is_testnet", "symbol", "side", "quantity",
		"entry_price", "max_entry", "take_profit", "stop_loss", "entry_interval", "stop_interval",
		"executed_price", "executed_at", "closed_at", "created_at", "tp_order_id", "sl_updated_at",
		"status", "entry_order_id", "lease_holder", "lease_expires_at",
	},
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New("verify_schema", cfg.LogLevel, os.Stdout)

	path := cfg.DBPath
	if len(os.Args) > 1 {
		path = os.Args[1]
	}
	if _, err := os.Stat(path); err != nil {
		log.Fatal().Err(err).Str("path", path).Msg("database file not found")
	}
	database, err := db.New(path)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer database.Close()

	missing := 0
	for table, columns := range expected {
		present := map[string]bool{}
		rows, err := database.DB.Query("SELECT name FROM pragma_table_info(?)", table)
		if err != nil {
			log.Fatal().Err(err).Str("table", table).Msg("read table info")
		}
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				rows.Close()
				log.Fatal().Err(err).Msg("scan column")
			}
			present[name] = true
		}
		rows.Close()

		if len(present) == 0 {
			missing++
			log.Error().Str("table", table).Msg("table missing")
			continue
		}
		for _, col := range columns {
			if !present[col] {
				missing++
				log.Error().Str("table", table).Str("column", col).Msg("column missing")
			}
		}
	}

	if missing > 0 {
		log.Error().Int("missing", missing).Str("path", path).Msg("schema is incomplete, start the engine once to migrate it")
		os.Exit(1)
	}
	log.Info().Str("path", path).Msg("schema ok")
}
