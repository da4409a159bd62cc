package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/mktops/internal/cache"
	"github.com/SirClappington/mktops/internal/config"
	"github.com/SirClappington/mktops/internal/events"
	"github.com/SirClappington/mktops/internal/httpapi"
	"github.com/SirClappington/mktops/internal/jobs"
	"github.com/SirClappington/mktops/internal/logging"
	"github.com/SirClappington/mktops/internal/marketplace"
	"github.com/SirClappington/mktops/internal/queue"
	"github.com/SirClappington/mktops/internal/storage"
)

const shutdownTimeout = 15 * time.Second

// datastore is what the API needs from either storage backend.
type datastore interface {
	jobs.Store
	httpapi.ReturnStore
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

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal("open datastore", zap.String("driver", cfg.DBDriver), zap.Error(err))
	}

	var (
		sig *queue.Signal
		rdb *r.Client
	)
	if cfg.RedisAddr != "" {
		rdb = r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		sig = queue.New(rdb)
	}

	c := cache.New(
		cache.WithMaxSize(cfg.CacheMaxSize),
		cache.WithDefaultTTL(cfg.CacheDefaultTTL),
		cache.WithSweepInterval(cfg.CacheSweepInterval),
		cache.WithLogger(log.Named("cache")),
	)
	c.Start()

	bus := events.NewBus(log.Named("events"))
	if err := cache.NewInvalidator(c, log.Named("cache")).Listen(ctx, bus); err != nil {
		log.Fatal("start cache invalidation", zap.Error(err))
	}

	var notify jobs.Notifier
	var waiter jobs.Waiter
	if sig != nil {
		notify, waiter = sig, sig
	}
	client := jobs.NewClient(store, notify, cfg.JobRetention, log.Named("jobs"))
	proc := jobs.NewProcessor(client, waiter, log.Named("processor"),
		jobs.WithBatchSize(cfg.JobDrainBatch),
		jobs.WithPollInterval(cfg.JobPollInterval))
	proc.RegisterBuiltins(jobs.Deps{
		Marketplace: marketplace.New(cfg.MarketplaceBaseURL, cfg.MarketplaceToken),
		Returns:     store,
		Events:      bus,
	})

	procDone := make(chan struct{})
	go func() {
		proc.Run(ctx)
		close(procDone)
	}()

	api := httpapi.Server{
		Jobs:      client,
		Processor: proc,
		Returns:   store,
		Cache:     c,
		Events:    bus,
		Log:       log.Named("http"),
	}
	if sig != nil {
		api.Ready = sig.Ping
	}
	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("API listening", zap.String("addr", cfg.APIAddr), zap.String("driver", cfg.DBDriver))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err = srv.Shutdown(shutdownCtx)
	<-procDone
	err = multierr.Append(err, proc.Shutdown(shutdownCtx))
	c.Stop()
	err = multierr.Append(err, bus.Close())
	if rdb != nil {
		err = multierr.Append(err, rdb.Close())
	}
	err = multierr.Append(err, store.Close())
	if err != nil {
		log.Error("shutdown", zap.Error(err))
	}
}

func openStore(ctx context.Context, cfg config.Config) (datastore, error) {
	if cfg.DBDriver == "sqlite" {
		return storage.OpenSQLite(cfg.SQLitePath)
	}
	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return storage.NewPostgres(db), nil
}
