package app

import (
	"fmt"
	"net/http"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/chainbill/internal/billing"
	"github.com/angelmondragon/chainbill/internal/cron"
	"github.com/angelmondragon/chainbill/internal/gateway"
	"github.com/angelmondragon/chainbill/internal/subscriptions"
	"github.com/angelmondragon/chainbill/internal/usage"
	"github.com/angelmondragon/chainbill/pkg/config"
	"github.com/angelmondragon/chainbill/pkg/db"
	"github.com/angelmondragon/chainbill/pkg/logger"
	"github.com/angelmondragon/chainbill/pkg/metrics"
	"github.com/angelmondragon/chainbill/pkg/redis"
)

const cycleLockScope = "cycle"

// Params carry the bootstrapped resources the billing components share.
type Params struct {
	Config *config.Config
	Logger *logger.Logger
	DB     *db.Client
	// Redis backs the subscription locks, the cycle lock and the
	// reconciliation queue. Without it they fall back to in-process
	// versions, which only hold for a single scheduler instance.
	Redis      *redis.Client
	Registerer prometheus.Registerer
	Clock      clockwork.Clock
	// Gateway overrides the HTTP gateway built from config.
	Gateway gateway.Gateway
}

// Components are the wired billing services.
type Components struct {
	Subscriptions subscriptions.Service
	Usage         usage.Service
	Reconciler    billing.ReconciliationQueue
	Cron          *cron.Service
}

// NewServices wires the subscription and usage services. It needs neither a
// gateway nor redis.
func NewServices(params Params) (subscriptions.Service, usage.Service, error) {
	return newServices(params, metrics.NewBillingMetrics(params.Registerer))
}

func newServices(params Params, billingMetrics *metrics.BillingMetrics) (subscriptions.Service, usage.Service, error) {
	if params.DB == nil {
		return nil, nil, fmt.Errorf("database client required")
	}
	subs, err := subscriptions.NewService(subscriptions.ServiceParams{
		Repo:              subscriptions.NewRepository(params.DB.DB()),
		TransactionRunner: params.DB,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("subscription service: %w", err)
	}
	usageSvc, err := usage.NewService(usage.ServiceParams{
		Repo:          usage.NewRepository(params.DB.DB()),
		Subscriptions: subs,
		Clock:         params.Clock,
		Metrics:       billingMetrics,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("usage service: %w", err)
	}
	return subs, usageSvc, nil
}

// NewScheduler wires the billing cycle: scanner, engine, jobs and the cron
// service that runs them.
func NewScheduler(params Params) (*Components, error) {
	if params.Config == nil {
		return nil, fmt.Errorf("config required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	cfg := params.Config

	billingMetrics := metrics.NewBillingMetrics(params.Registerer)
	subs, usageSvc, err := newServices(params, billingMetrics)
	if err != nil {
		return nil, err
	}

	gw := params.Gateway
	if gw == nil {
		httpGateway, err := gateway.NewHTTPGateway(gateway.HTTPGatewayParams{
			BaseURL: cfg.Gateway.URL,
			APIKey:  cfg.Gateway.APIKey,
			Client:  &http.Client{},
		})
		if err != nil {
			return nil, fmt.Errorf("payment gateway: %w", err)
		}
		gw = httpGateway
	}

	var (
		locker     billing.Locker
		reconciler billing.ReconciliationQueue
		cycleLock  cron.Lock
	)
	if params.Redis != nil {
		redisLocker, err := billing.NewRedisLocker(params.Redis, cfg.Scheduler.LockTTL)
		if err != nil {
			return nil, fmt.Errorf("subscription locker: %w", err)
		}
		queue, err := billing.NewRedisReconciliationQueue(params.Redis)
		if err != nil {
			return nil, fmt.Errorf("reconciliation queue: %w", err)
		}
		lock, err := cron.NewRedisLock(params.Redis, params.Redis.LockKey(cycleLockScope, lockEnv(cfg.App.Env)), cfg.Scheduler.CycleLockTTL)
		if err != nil {
			return nil, fmt.Errorf("cycle lock: %w", err)
		}
		locker, reconciler, cycleLock = redisLocker, queue, lock
	} else {
		locker = billing.NewLocalLocker()
		reconciler = billing.NewMemoryReconciliationQueue()
		cycleLock = &cron.LocalLock{}
	}

	policy, err := billing.NewBackoffPolicy(cfg.Scheduler.BackoffPolicy, cfg.Scheduler.BackoffBase, cfg.Scheduler.BackoffMax)
	if err != nil {
		return nil, err
	}

	engine, err := billing.NewEngine(billing.EngineParams{
		Logger:           params.Logger,
		Store:            subs,
		Gateway:          gw,
		Locker:           locker,
		Reconciler:       reconciler,
		Backoff:          policy,
		Clock:            params.Clock,
		Metrics:          billingMetrics,
		MaxRetries:       cfg.Scheduler.MaxRetries,
		GatewayTimeout:   cfg.Gateway.Timeout,
		WriteRetryBudget: cfg.Scheduler.WriteRetryBudget,
	})
	if err != nil {
		return nil, fmt.Errorf("billing engine: %w", err)
	}
	scanner, err := billing.NewScanner(billing.ScannerParams{
		Store:     subs,
		Clock:     params.Clock,
		BatchSize: cfg.Scheduler.BatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("due scanner: %w", err)
	}

	duePayments, err := cron.NewDuePaymentsJob(cron.DuePaymentsJobParams{
		Logger:  params.Logger,
		Scanner: scanner,
		Engine:  engine,
		Workers: cfg.Scheduler.Workers,
	})
	if err != nil {
		return nil, err
	}
	reconciliation, err := cron.NewReconciliationJob(cron.ReconciliationJobParams{
		Logger:    params.Logger,
		Queue:     reconciler,
		Store:     subs,
		Metrics:   billingMetrics,
		BatchSize: cfg.Scheduler.ReconcileBatchSize,
	})
	if err != nil {
		return nil, err
	}
	// Reconciliation runs first so replayed payments land before the scan.
	registry, err := cron.NewRegistry(reconciliation, duePayments)
	if err != nil {
		return nil, err
	}

	schedule, err := cron.NewSchedule(cfg.Scheduler.CronExpression, cfg.Scheduler.Interval())
	if err != nil {
		return nil, err
	}
	service, err := cron.NewService(cron.ServiceParams{
		Logger:   params.Logger,
		Registry: registry,
		Lock:     cycleLock,
		Metrics:  metrics.NewCronJobMetrics(params.Registerer),
		Clock:    params.Clock,
		Schedule: schedule,
	})
	if err != nil {
		return nil, fmt.Errorf("cron service: %w", err)
	}

	return &Components{
		Subscriptions: subs,
		Usage:         usageSvc,
		Reconciler:    reconciler,
		Cron:          service,
	}, nil
}

func lockEnv(env string) string {
	if env == "" {
		return "local"
	}
	return env
}
