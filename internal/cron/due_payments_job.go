package cron

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/chainbill/internal/billing"
	"github.com/angelmondragon/chainbill/pkg/db/models"
	"github.com/angelmondragon/chainbill/pkg/enums"
	"github.com/angelmondragon/chainbill/pkg/logger"
)

const defaultWorkers = 4

type dueScanner interface {
	Scan(ctx context.Context) ([]models.Subscription, error)
}

type attempter interface {
	Attempt(ctx context.Context, sub models.Subscription) (billing.AttemptResult, error)
}

// DuePaymentsJobParams configures the due-payments job.
type DuePaymentsJobParams struct {
	Logger  *logger.Logger
	Scanner dueScanner
	Engine  attempter
	Workers int
}

// NewDuePaymentsJob builds the job that bills every due subscription once
// per cycle.
func NewDuePaymentsJob(params DuePaymentsJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Scanner == nil {
		return nil, fmt.Errorf("scanner required")
	}
	if params.Engine == nil {
		return nil, fmt.Errorf("engine required")
	}
	workers := params.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &duePaymentsJob{
		logg:    params.Logger,
		scanner: params.Scanner,
		engine:  params.Engine,
		workers: workers,
	}, nil
}

type duePaymentsJob struct {
	logg    *logger.Logger
	scanner dueScanner
	engine  attempter
	workers int
}

func (j *duePaymentsJob) Name() string { return "due-payments" }

// Run scans once and attempts each due subscription on a bounded pool. One
// subscription's error never stops the others; all errors are returned
// together.
func (j *duePaymentsJob) Run(ctx context.Context) error {
	due, err := j.scanner.Scan(ctx)
	if err != nil {
		return fmt.Errorf("scan due subscriptions: %w", err)
	}
	if len(due) == 0 {
		j.logg.Info(ctx, "no subscriptions due")
		return nil
	}

	var (
		mu       sync.Mutex
		errs     error
		outcomes = map[enums.AttemptOutcome]int{}
	)
	var g errgroup.Group
	g.SetLimit(j.workers)
	for _, sub := range due {
		if ctx.Err() != nil {
			break
		}
		sub := sub
		g.Go(func() error {
			res, err := j.engine.Attempt(ctx, sub)
			mu.Lock()
			defer mu.Unlock()
			if res.Outcome != "" {
				outcomes[res.Outcome]++
			}
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("subscription %d: %w", sub.ID, err))
			}
			return nil
		})
	}
	_ = g.Wait()

	fields := map[string]any{
		"due":    len(due),
		"errors": len(multierr.Errors(errs)),
	}
	for outcome, n := range outcomes {
		fields[outcome.String()] = n
	}
	j.logg.Info(j.logg.WithFields(ctx, fields), "due payments processed")
	if ctx.Err() != nil {
		errs = multierr.Append(errs, ctx.Err())
	}
	return errs
}
