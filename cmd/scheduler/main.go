package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/mktops/internal/config"
	"github.com/SirClappington/mktops/internal/jobs"
	"github.com/SirClappington/mktops/internal/logging"
	"github.com/SirClappington/mktops/internal/maintenance"
	"github.com/SirClappington/mktops/internal/queue"
	"github.com/SirClappington/mktops/internal/storage"
)

type datastore interface {
	jobs.Store
	maintenance.StaleFinder
	Close() error
}

func main() {
	cfg := config.Load()
	log, err := logging.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	zap.ReplaceGlobals(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		store  datastore
		leader maintenance.Leader = maintenance.Solo{}
	)
	if cfg.DBDriver == "sqlite" {
		s, err := storage.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			log.Fatal("open sqlite", zap.Error(err))
		}
		store = s
	} else {
		db, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatal("open postgres", zap.Error(err))
		}
		pg := storage.NewPostgres(db)
		store = pg
		// only one scheduler replica acts per tick
		leader = maintenance.AdvisoryLeader(pg, maintenance.DefaultLockKey)
	}

	var (
		rdb    *r.Client
		notify jobs.Notifier
		mover  maintenance.DelayMover
	)
	if cfg.RedisAddr != "" {
		rdb = r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		sig := queue.New(rdb)
		notify, mover = sig, sig
	}

	client := jobs.NewClient(store, notify, cfg.JobRetention, log.Named("jobs"))
	sched, err := maintenance.New(maintenance.Config{
		ReapSchedule:      cfg.ScheduleReap,
		CleanupSchedule:   cfg.ScheduleCleanup,
		MetricsSchedule:   cfg.ScheduleMetrics,
		ProcessingTimeout: cfg.JobProcessingTimeout,
	}, client, store, mover, leader, log.Named("maintenance"))
	if err != nil {
		log.Fatal("build scheduler", zap.Error(err))
	}

	sched.Start()
	log.Info("scheduler started",
		zap.String("driver", cfg.DBDriver),
		zap.Bool("redis", rdb != nil),
		zap.String("reap", cfg.ScheduleReap),
		zap.String("cleanup", cfg.ScheduleCleanup),
		zap.String("metrics", cfg.ScheduleMetrics))

	<-ctx.Done()
	log.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err = sched.Stop(stopCtx)
	if rdb != nil {
		err = multierr.Append(err, rdb.Close())
	}
	err = multierr.Append(err, store.Close())
	if err != nil {
		log.Error("shutdown", zap.Error(err))
	}
}
