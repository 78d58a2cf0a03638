package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	"github.com/angelmondragon/chainbill/internal/gateway"
	"github.com/angelmondragon/chainbill/internal/subscriptions"
	"github.com/angelmondragon/chainbill/pkg/db/models"
	"github.com/angelmondragon/chainbill/pkg/enums"
	pkgerrors "github.com/angelmondragon/chainbill/pkg/errors"
	"github.com/angelmondragon/chainbill/pkg/logger"
	"github.com/angelmondragon/chainbill/pkg/metrics"
	"github.com/angelmondragon/chainbill/pkg/validators"
)

const (
	DefaultMaxRetries       = 3
	defaultWriteRetryBudget = 30 * time.Second
)

// Store is the subset of the subscription service the engine drives.
type Store interface {
	Get(ctx context.Context, id int64) (*models.Subscription, error)
	GetPlan(ctx context.Context, id int64) (*models.Plan, error)
	ApplyTransition(ctx context.Context, t subscriptions.Transition) (bool, error)
}

// EngineParams groups dependencies for the payment retry engine.
type EngineParams struct {
	Logger     *logger.Logger
	Store      Store
	Gateway    gateway.Gateway
	Locker     Locker
	Reconciler ReconciliationQueue
	Backoff    BackoffPolicy
	Clock      clockwork.Clock
	Metrics    *metrics.BillingMetrics
	MaxRetries int
	// GatewayTimeout bounds each collection call. Zero leaves the gateway
	// unwrapped.
	GatewayTimeout time.Duration
	// WriteRetryBudget is how long the engine keeps retrying the state write
	// after a successful collection before handing it to reconciliation.
	WriteRetryBudget time.Duration
}

// AttemptResult describes what one attempt did.
type AttemptResult struct {
	SubscriptionID       int64
	Outcome              enums.AttemptOutcome
	Status               enums.SubscriptionStatus
	RetryCount           int
	NextBillingTimestamp int64
	Signature            string
	FailureReason        string
}

// Engine drives one subscription through a single billing attempt.
type Engine struct {
	logg        *logger.Logger
	store       Store
	gateway     gateway.Gateway
	locker      Locker
	reconciler  ReconciliationQueue
	backoff     BackoffPolicy
	clock       clockwork.Clock
	metrics     *metrics.BillingMetrics
	maxRetries  int
	writeBudget time.Duration
}

// NewEngine builds the payment retry engine.
func NewEngine(params EngineParams) (*Engine, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Store == nil {
		return nil, fmt.Errorf("subscription store required")
	}
	if params.Gateway == nil {
		return nil, fmt.Errorf("payment gateway required")
	}
	if params.Reconciler == nil {
		return nil, fmt.Errorf("reconciliation queue required")
	}
	locker := params.Locker
	if locker == nil {
		locker = NewLocalLocker()
	}
	policy := params.Backoff
	if policy == nil {
		policy = FixedBackoff{Interval: DefaultRetryDelay}
	}
	clock := params.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	maxRetries := params.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	budget := params.WriteRetryBudget
	if budget <= 0 {
		budget = defaultWriteRetryBudget
	}
	return &Engine{
		logg:        params.Logger,
		store:       params.Store,
		gateway:     gateway.WithTimeout(params.Gateway, params.GatewayTimeout),
		locker:      locker,
		reconciler:  params.Reconciler,
		backoff:     policy,
		clock:       clock,
		metrics:     params.Metrics,
		maxRetries:  maxRetries,
		writeBudget: budget,
	}, nil
}

// Attempt makes at most one gateway call for sub and records the outcome
// with one atomic store write. Gateway failures are part of the result, not
// errors. An error is returned for store or lock failures, for a cancelled
// context, and for a collected payment whose write had to be queued for
// reconciliation.
func (e *Engine) Attempt(ctx context.Context, sub models.Subscription) (AttemptResult, error) {
	ctx = e.logg.WithSubscriptionID(ctx, sub.ID)
	result, err := e.attempt(ctx, sub)
	if result.Outcome != "" {
		e.metrics.IncAttempt(result.Outcome.String())
	}
	return result, err
}

func (e *Engine) attempt(ctx context.Context, sub models.Subscription) (AttemptResult, error) {
	if skip, ok := e.precheck(sub); ok {
		return skip, nil
	}

	release, acquired, err := e.locker.TryLock(ctx, sub.ID)
	if err != nil {
		return AttemptResult{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "acquire subscription lock")
	}
	if !acquired {
		e.logg.Debug(ctx, "subscription locked by another worker")
		return resultFrom(sub, enums.AttemptOutcomeSkippedLocked), nil
	}
	defer func() {
		if relErr := release(context.WithoutCancel(ctx)); relErr != nil {
			e.logg.Error(ctx, "failed to release subscription lock", relErr)
		}
	}()

	current, err := e.store.Get(ctx, sub.ID)
	if err != nil {
		return AttemptResult{}, err
	}
	if skip, ok := e.precheck(*current); ok {
		return skip, nil
	}
	pending, err := e.reconciler.Pending(ctx, current.ID)
	if err != nil {
		return AttemptResult{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check reconciliation marker")
	}
	if pending {
		e.logg.Warn(ctx, "subscription awaiting reconciliation; not billing")
		return resultFrom(*current, enums.AttemptOutcomeReconciliationPending), nil
	}

	plan, err := e.store.GetPlan(ctx, current.PlanID)
	if err != nil {
		return AttemptResult{}, err
	}
	req := collectionRequest(*current, *plan)
	if err := validators.Struct(req); err != nil {
		return e.reject(ctx, *current, err)
	}

	start := e.clock.Now()
	res, callErr := e.gateway.CollectPayment(ctx, req)
	e.metrics.ObserveGateway(callErr == nil, e.clock.Since(start))
	if callErr != nil && ctx.Err() != nil {
		return AttemptResult{}, ctx.Err()
	}
	if callErr != nil {
		return e.recordFailure(ctx, *current, callErr)
	}
	return e.recordSuccess(ctx, *current, *plan, res)
}

func (e *Engine) precheck(sub models.Subscription) (AttemptResult, bool) {
	if sub.Status.IsTerminal() {
		return resultFrom(sub, enums.AttemptOutcomeSkippedTerminal), true
	}
	if !sub.IsDue(e.clock.Now().Unix()) {
		return resultFrom(sub, enums.AttemptOutcomeSkippedNotDue), true
	}
	return AttemptResult{}, false
}

func (e *Engine) recordSuccess(ctx context.Context, sub models.Subscription, plan models.Plan, res gateway.CollectionResult) (AttemptResult, error) {
	now := e.clock.Now().Unix()
	t := subscriptions.NewTransitionFrom(sub)
	t.Status = enums.SubscriptionStatusActive
	t.RetryCount = 0
	t.NextBillingTimestamp = now + plan.IntervalSeconds
	t.Payment = &subscriptions.Payment{PaidAt: now, Signature: res.Signature}
	t.LogStatus = enums.PaymentLogStatusSuccess

	result := resultFromTransition(t, enums.AttemptOutcomeSucceeded)
	result.Signature = res.Signature

	// The charge has landed: the write must not be abandoned on shutdown.
	writeCtx := context.WithoutCancel(ctx)
	applied, err := e.applyWithRetry(writeCtx, t)
	if err != nil {
		return e.queueReconciliation(writeCtx, t, err)
	}
	if !applied {
		e.logg.Warn(ctx, "payment collected but subscription changed concurrently; state left as is")
		result.Outcome = enums.AttemptOutcomeSuperseded
		return result, nil
	}
	e.logg.Info(e.logg.WithField(ctx, "signature", res.Signature), "payment collected")
	return result, nil
}

func (e *Engine) applyWithRetry(ctx context.Context, t subscriptions.Transition) (bool, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = e.writeBudget

	var applied bool
	operation := func() error {
		ok, err := e.store.ApplyTransition(ctx, t)
		if err != nil {
			if pkgerrors.As(err) != nil && !pkgerrors.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		applied = ok
		return nil
	}
	notify := func(err error, wait time.Duration) {
		e.logg.Warn(e.logg.WithFields(ctx, map[string]any{
			"error":   err.Error(),
			"wait_ms": wait.Milliseconds(),
		}), "retrying payment state write")
	}
	err := backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), notify)
	return applied, err
}

func (e *Engine) queueReconciliation(ctx context.Context, t subscriptions.Transition, writeErr error) (AttemptResult, error) {
	alert := pkgerrors.Wrap(pkgerrors.CodeReconciliation, writeErr, "payment collected but state write failed").
		WithDetails(map[string]any{
			"subscription_id": t.SubscriptionID,
			"signature":       t.Payment.Signature,
			"paid_at":         t.Payment.PaidAt,
		})
	result := resultFromTransition(t, enums.AttemptOutcomeReconciliationQueued)
	result.Signature = t.Payment.Signature

	entry := ReconciliationEntry{
		Transition: t,
		Reason:     writeErr.Error(),
		QueuedAt:   t.Payment.PaidAt,
	}
	if err := e.reconciler.Enqueue(ctx, entry); err != nil {
		e.metrics.IncReconciliation("lost")
		lostCtx := e.logg.WithFields(ctx, map[string]any{
			"signature":              t.Payment.Signature,
			"paid_at":                t.Payment.PaidAt,
			"next_billing_timestamp": t.NextBillingTimestamp,
			"enqueue_error":          err.Error(),
		})
		e.logg.Error(lostCtx, "reconciliation enqueue failed; manual reconciliation required", alert)
		return result, alert
	}
	e.metrics.IncReconciliation("queued")
	e.logg.Error(ctx, "payment queued for reconciliation", alert)
	return result, alert
}

func (e *Engine) recordFailure(ctx context.Context, sub models.Subscription, callErr error) (AttemptResult, error) {
	now := e.clock.Now().Unix()
	reason := callErr.Error()
	var failure *gateway.Failure
	if errors.As(callErr, &failure) {
		reason = failure.Error()
		if failure.Code == gateway.CodeUnconfirmed {
			e.metrics.IncReconciliation("unconfirmed")
			e.logg.Error(e.logg.WithField(ctx, "idempotency_key", IdempotencyKey(sub)),
				"gateway answered success without a signature; charge may have landed, retrying under the same key", failure)
		}
	}

	t := subscriptions.NewTransitionFrom(sub)
	t.ErrorMessage = reason
	outcome := enums.AttemptOutcomeRetryScheduled
	next := sub.RetryCount + 1
	if next >= e.maxRetries {
		t.Status = enums.SubscriptionStatusFailed
		t.RetryCount = e.maxRetries
		t.LogStatus = enums.PaymentLogStatusFailedMaxRetries
		outcome = enums.AttemptOutcomeFailedTerminal
	} else {
		t.Status = enums.SubscriptionStatusPastDue
		t.RetryCount = next
		t.NextBillingTimestamp = now + int64(e.backoff.Delay(next)/time.Second)
		t.LogStatus = enums.PaymentLogStatusFailedRetryScheduled
	}

	result, err := e.apply(ctx, t, outcome)
	if err != nil {
		return result, err
	}
	result.FailureReason = reason
	if result.Outcome == enums.AttemptOutcomeSuperseded {
		e.logg.Info(e.logg.WithField(ctx, "reason", reason), "payment attempt failed but subscription changed concurrently; failure not recorded")
		return result, nil
	}
	e.logg.Warn(e.logg.WithFields(ctx, map[string]any{
		"retry_count": t.RetryCount,
		"status":      t.Status.String(),
		"reason":      reason,
	}), "payment attempt failed")
	return result, nil
}

func (e *Engine) reject(ctx context.Context, sub models.Subscription, validationErr error) (AttemptResult, error) {
	t := subscriptions.NewTransitionFrom(sub)
	t.Status = enums.SubscriptionStatusFailed
	t.RetryCount = e.maxRetries
	t.LogStatus = enums.PaymentLogStatusRejectedInvalidRequest
	t.ErrorMessage = validationErr.Error()

	result, err := e.apply(ctx, t, enums.AttemptOutcomeRejected)
	if err != nil {
		return result, err
	}
	result.FailureReason = t.ErrorMessage
	if result.Outcome == enums.AttemptOutcomeSuperseded {
		e.logg.Info(ctx, "collection request invalid but subscription changed concurrently; left as is")
		return result, nil
	}
	e.logg.Error(ctx, "collection request invalid; subscription failed", validationErr)
	return result, nil
}

func (e *Engine) apply(ctx context.Context, t subscriptions.Transition, outcome enums.AttemptOutcome) (AttemptResult, error) {
	applied, err := e.store.ApplyTransition(ctx, t)
	if err != nil {
		return AttemptResult{}, err
	}
	if !applied {
		return resultFromTransition(t, enums.AttemptOutcomeSuperseded), nil
	}
	return resultFromTransition(t, outcome), nil
}

// IdempotencyKey names the billing period a collection pays for.
func IdempotencyKey(sub models.Subscription) string {
	return sub.SubscriptionAddress + ":" + strconv.FormatInt(sub.PaymentCount+1, 10)
}

func collectionRequest(sub models.Subscription, plan models.Plan) gateway.CollectionRequest {
	return gateway.CollectionRequest{
		SubscriptionAddress:    sub.SubscriptionAddress,
		PlanAddress:            sub.PlanAddress,
		SubscriberTokenAccount: sub.SubscriberTokenAccount,
		MerchantTokenAccount:   sub.MerchantTokenAccount,
		TokenMint:              plan.TokenMint,
		Amount:                 plan.Amount,
		Currency:               plan.Currency,
		IdempotencyKey:         IdempotencyKey(sub),
	}
}

func resultFrom(sub models.Subscription, outcome enums.AttemptOutcome) AttemptResult {
	return AttemptResult{
		SubscriptionID:       sub.ID,
		Outcome:              outcome,
		Status:               sub.Status,
		RetryCount:           sub.RetryCount,
		NextBillingTimestamp: sub.NextBillingTimestamp,
	}
}

func resultFromTransition(t subscriptions.Transition, outcome enums.AttemptOutcome) AttemptResult {
	return AttemptResult{
		SubscriptionID:       t.SubscriptionID,
		Outcome:              outcome,
		Status:               t.Status,
		RetryCount:           t.RetryCount,
		NextBillingTimestamp: t.NextBillingTimestamp,
	}
}
