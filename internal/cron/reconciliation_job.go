package cron

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/angelmondragon/chainbill/internal/billing"
	"github.com/angelmondragon/chainbill/internal/subscriptions"
	"github.com/angelmondragon/chainbill/pkg/enums"
	pkgerrors "github.com/angelmondragon/chainbill/pkg/errors"
	"github.com/angelmondragon/chainbill/pkg/logger"
	"github.com/angelmondragon/chainbill/pkg/metrics"
)

const defaultReconcileBatch = 50

type transitionApplier interface {
	ApplyTransition(ctx context.Context, t subscriptions.Transition) (bool, error)
}

// ReconciliationJobParams configures the reconciliation job.
type ReconciliationJobParams struct {
	Logger    *logger.Logger
	Queue     billing.ReconciliationQueue
	Store     transitionApplier
	Metrics   *metrics.BillingMetrics
	BatchSize int
}

// NewReconciliationJob builds the job that replays collected payments whose
// state write was lost.
func NewReconciliationJob(params ReconciliationJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Queue == nil {
		return nil, fmt.Errorf("reconciliation queue required")
	}
	if params.Store == nil {
		return nil, fmt.Errorf("subscription store required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultReconcileBatch
	}
	return &reconciliationJob{
		logg:    params.Logger,
		queue:   params.Queue,
		store:   params.Store,
		metrics: params.Metrics,
		batch:   batch,
	}, nil
}

type reconciliationJob struct {
	logg    *logger.Logger
	queue   billing.ReconciliationQueue
	store   transitionApplier
	metrics *metrics.BillingMetrics
	batch   int
}

func (j *reconciliationJob) Name() string { return "reconciliation" }

// Run drains up to one batch. The first failed write puts its entry back and
// ends the run; the store is most likely still unavailable.
func (j *reconciliationJob) Run(ctx context.Context) error {
	resolved := 0
	var errs error
	for i := 0; i < j.batch; i++ {
		entry, err := j.queue.Next(ctx)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("next reconciliation entry: %w", err))
			break
		}
		if entry == nil {
			break
		}
		if err := j.reconcile(ctx, *entry); err != nil {
			errs = multierr.Append(errs, err)
			break
		}
		resolved++
	}
	if resolved > 0 || errs != nil {
		j.logg.Info(j.logg.WithField(ctx, "resolved", resolved), "reconciliation pass complete")
	}
	return errs
}

func (j *reconciliationJob) reconcile(ctx context.Context, entry billing.ReconciliationEntry) error {
	t := entry.Transition
	t.LogStatus = enums.PaymentLogStatusReconciled
	logCtx := j.logg.WithSubscriptionID(ctx, t.SubscriptionID)
	if t.Payment != nil {
		logCtx = j.logg.WithField(logCtx, "signature", t.Payment.Signature)
	}

	applied, err := j.store.ApplyTransition(ctx, t)
	if err != nil {
		entry.Attempts++
		entry.Reason = err.Error()
		if reqErr := j.queue.Requeue(context.WithoutCancel(ctx), entry); reqErr != nil {
			j.metrics.IncReconciliation("lost")
			j.logg.Error(j.logg.WithFields(logCtx, pkgerrors.Dump(err).Fields()),
				"reconciliation entry dropped; manual reconciliation required", reqErr)
			return multierr.Append(err, reqErr)
		}
		return fmt.Errorf("replay subscription %d: %w", t.SubscriptionID, err)
	}
	if err := j.queue.Resolve(ctx, t.SubscriptionID); err != nil {
		// Replaying an applied entry only writes another log row, so retry
		// the whole entry rather than leave the marker without one.
		entry.Attempts++
		entry.Reason = err.Error()
		if reqErr := j.queue.Requeue(context.WithoutCancel(ctx), entry); reqErr != nil {
			err = multierr.Append(err, reqErr)
		}
		return fmt.Errorf("clear reconciliation marker for subscription %d: %w", t.SubscriptionID, err)
	}
	j.metrics.IncReconciliation("resolved")
	if !applied {
		j.logg.Warn(logCtx, "subscription moved on before reconciliation; payment logged only")
		return nil
	}
	j.logg.Info(logCtx, "payment reconciled")
	return nil
}
