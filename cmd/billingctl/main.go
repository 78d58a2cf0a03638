package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"

	"github.com/angelmondragon/chainbill/pkg/config"
	"github.com/angelmondragon/chainbill/pkg/db"
	pkgerrors "github.com/angelmondragon/chainbill/pkg/errors"
	"github.com/angelmondragon/chainbill/pkg/logger"
	"github.com/angelmondragon/chainbill/pkg/migrate"
	"github.com/angelmondragon/chainbill/pkg/redis"
)

const serviceName = "billingctl"

func main() {
	os.Exit(run())
}

func run() int {
	logg := logger.New(logger.Options{ServiceName: serviceName})
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		return 1
	}
	cfg.Service.Kind = serviceName

	logg = logger.ForApp(serviceName, cfg.App)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap database", err)
		return 1
	}
	defer dbClient.Close()

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		logg.Error(ctx, "failed to run dev migrations", err)
		return 1
	}

	rt := &runtime{
		cfg:   cfg,
		logg:  logg,
		db:    dbClient,
		clock: clockwork.NewRealClock(),
		out:   os.Stdout,
	}
	if cfg.Redis.URL != "" || cfg.Redis.Address != "" {
		redisClient, err := redis.New(ctx, cfg.Redis, logg)
		if err != nil {
			logg.Error(ctx, "failed to bootstrap redis", err)
			return 1
		}
		defer redisClient.Close()
		rt.redis = redisClient
	}

	if err := dispatch(ctx, rt, os.Args[1:]); err != nil {
		return report(err)
	}
	return 0
}

func report(err error) int {
	if errors.Is(err, errUsage) {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if typed := pkgerrors.As(err); typed != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", typed.Code(), typed.Message())
		if details := typed.Details(); details != nil {
			fmt.Fprintf(os.Stderr, "details: %v\n", details)
		}
		return 1
	}
	fmt.Fprintln(os.Stderr, err)
	return 1
}
