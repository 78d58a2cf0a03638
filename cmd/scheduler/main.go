package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/chainbill/internal/app"
	"github.com/angelmondragon/chainbill/internal/ops"
	"github.com/angelmondragon/chainbill/pkg/config"
	"github.com/angelmondragon/chainbill/pkg/db"
	"github.com/angelmondragon/chainbill/pkg/instance"
	"github.com/angelmondragon/chainbill/pkg/logger"
	"github.com/angelmondragon/chainbill/pkg/migrate"
	"github.com/angelmondragon/chainbill/pkg/redis"
)

const serviceName = "scheduler"

func main() {
	logg := logger.New(logger.Options{ServiceName: serviceName})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = serviceName

	logg = logger.ForApp(serviceName, cfg.App)

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	checks := map[string]ops.Pinger{"database": dbClient}
	var redisClient *redis.Client
	if cfg.Redis.URL != "" || cfg.Redis.Address != "" {
		redisClient, err = redis.New(context.Background(), cfg.Redis, logg)
		if err != nil {
			logg.Error(context.Background(), "failed to bootstrap redis", err)
			os.Exit(1)
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logg.Error(context.Background(), "error closing redis", err)
			}
		}()
		checks["redis"] = redisClient
	} else if cfg.App.IsDev() {
		logg.Warn(context.Background(), "redis not configured, using in-process locks and reconciliation queue")
	} else {
		logg.Error(context.Background(), "redis is required outside dev", errors.New("redis url or address missing"))
		os.Exit(1)
	}

	components, err := app.NewScheduler(app.Params{
		Config:     cfg,
		Logger:     logg,
		DB:         dbClient,
		Redis:      redisClient,
		Registerer: prometheus.DefaultRegisterer,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to wire scheduler", err)
		os.Exit(1)
	}

	router, err := ops.NewRouter(ops.RouterParams{
		Logger:   logg,
		Env:      cfg.App.Env,
		Checks:   checks,
		Gatherer: prometheus.DefaultGatherer,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to build ops router", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"instance":    instance.GetID(),
	})
	logg.Info(ctx, "starting scheduler")

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return components.Cron.Run(groupCtx)
	})
	if cfg.Ops.Addr != "" {
		group.Go(func() error {
			return ops.Serve(groupCtx, cfg.Ops.Addr, router)
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "scheduler stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "scheduler shutting down gracefully")
}
