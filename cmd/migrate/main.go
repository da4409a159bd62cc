// Command migrate applies the Postgres schema under MIGRATIONS_DIR.
//
//	migrate [up|down|status|version]
//
// The SQLite backend creates its schema on open and needs no migrations.
package main

import (
	"database/sql"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose"
	"go.uber.org/zap"

	"github.com/SirClappington/mktops/internal/config"
	"github.com/SirClappington/mktops/internal/logging"
)

func main() {
	cfg := config.Load()
	log, err := logging.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if cfg.DBDriver != "postgres" {
		log.Fatal("migrations only apply to postgres", zap.String("driver", cfg.DBDriver))
	}

	cmd := "up"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	db, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		log.Fatal("open postgres", zap.Error(err))
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		log.Fatal("goose dialect", zap.Error(err))
	}
	if err := goose.Run(cmd, db, cfg.MigrationsDir); err != nil {
		log.Fatal("migrate", zap.String("command", cmd), zap.String("dir", cfg.MigrationsDir), zap.Error(err))
	}
	log.Info("migrations done", zap.String("command", cmd))
}
