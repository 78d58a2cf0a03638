package subscriptions

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/angelmondragon/chainbill/pkg/db/models"
	"github.com/angelmondragon/chainbill/pkg/enums"
	pkgerrors "github.com/angelmondragon/chainbill/pkg/errors"
	"github.com/angelmondragon/chainbill/pkg/validators"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service is the subscription store used by billing and usage.
type Service interface {
	CreatePlan(ctx context.Context, input CreatePlanInput) (*models.Plan, error)
	GetPlan(ctx context.Context, id int64) (*models.Plan, error)
	Activate(ctx context.Context, input ActivateInput) (*models.Subscription, error)
	Get(ctx context.Context, id int64) (*models.Subscription, error)
	Cancel(ctx context.Context, id int64) (*models.Subscription, error)
	ListDue(ctx context.Context, now int64, limit int) ([]models.Subscription, error)
	ApplyTransition(ctx context.Context, t Transition) (bool, error)
	PaymentLogs(ctx context.Context, subscriptionID int64) ([]models.PaymentLog, error)
}

// ServiceParams groups dependencies for the subscription service.
type ServiceParams struct {
	Repo              Repository
	TransactionRunner txRunner
}

// Payment carries the fields a successful collection writes.
type Payment struct {
	PaidAt    int64  `json:"paid_at"`
	Signature string `json:"signature"`
}

// Transition is one billing state change plus its audit row. It only
// applies while the row still matches the Expected* values the caller read,
// so replaying an already committed transition changes nothing.
type Transition struct {
	SubscriptionID               int64                    `json:"subscription_id"`
	ExpectedStatus               enums.SubscriptionStatus `json:"expected_status"`
	ExpectedRetryCount           int                      `json:"expected_retry_count"`
	ExpectedNextBillingTimestamp int64                    `json:"expected_next_billing_timestamp"`
	Status                       enums.SubscriptionStatus `json:"status"`
	RetryCount                   int                      `json:"retry_count"`
	NextBillingTimestamp         int64                    `json:"next_billing_timestamp"`
	Payment                      *Payment                 `json:"payment,omitempty"`
	LogStatus                    enums.PaymentLogStatus   `json:"log_status"`
	ErrorMessage                 string                   `json:"error_message,omitempty"`
}

// NewTransitionFrom seeds a transition guarded on the current row.
func NewTransitionFrom(sub models.Subscription) Transition {
	return Transition{
		SubscriptionID:               sub.ID,
		ExpectedStatus:               sub.Status,
		ExpectedRetryCount:           sub.RetryCount,
		ExpectedNextBillingTimestamp: sub.NextBillingTimestamp,
		Status:                       sub.Status,
		RetryCount:                   sub.RetryCount,
		NextBillingTimestamp:         sub.NextBillingTimestamp,
	}
}

// CreatePlanInput registers an on-chain plan.
type CreatePlanInput struct {
	PlanAddress     string `json:"plan_address" validate:"required,address"`
	MerchantAddress string `json:"merchant_address" validate:"required,address"`
	TokenMint       string `json:"token_mint" validate:"required,address"`
	Amount          int64  `json:"amount" validate:"gt=0"`
	IntervalSeconds int64  `json:"interval_seconds" validate:"gt=0"`
	Currency        string `json:"currency" validate:"required,max=16"`
}

// ActivateInput records a subscription created on-chain.
type ActivateInput struct {
	SubscriptionAddress    string `json:"subscription_address" validate:"required,address"`
	SubscriberAddress      string `json:"subscriber_address" validate:"required,address"`
	PlanID                 int64  `json:"plan_id" validate:"gt=0"`
	SubscriberTokenAccount string `json:"subscriber_token_account" validate:"required,address"`
	MerchantTokenAccount   string `json:"merchant_token_account" validate:"required,address"`
	// StartedAt opens the first billing period (Unix seconds).
	StartedAt int64 `json:"started_at" validate:"gt=0"`
	// NextBillingAt defaults to StartedAt plus the plan interval.
	NextBillingAt *int64 `json:"next_billing_at,omitempty"`
}

type service struct {
	repo     Repository
	txRunner txRunner
}

// NewService builds the subscription service.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("subscription repository required")
	}
	if params.TransactionRunner == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	return &service{repo: params.Repo, txRunner: params.TransactionRunner}, nil
}

func (s *service) CreatePlan(ctx context.Context, input CreatePlanInput) (*models.Plan, error) {
	if err := validators.Struct(input); err != nil {
		return nil, err
	}
	plan := &models.Plan{
		PlanAddress:     input.PlanAddress,
		MerchantAddress: input.MerchantAddress,
		TokenMint:       input.TokenMint,
		Amount:          input.Amount,
		IntervalSeconds: input.IntervalSeconds,
		Currency:        strings.ToUpper(strings.TrimSpace(input.Currency)),
	}
	if err := s.repo.CreatePlan(ctx, plan); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create plan")
	}
	return plan, nil
}

func (s *service) GetPlan(ctx context.Context, id int64) (*models.Plan, error) {
	plan, err := s.repo.FindPlanByID(ctx, id)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load plan")
	}
	if plan == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "plan not found").WithDetails(map[string]any{"plan_id": id})
	}
	return plan, nil
}

func (s *service) Activate(ctx context.Context, input ActivateInput) (*models.Subscription, error) {
	if err := validators.Struct(input); err != nil {
		return nil, err
	}
	plan, err := s.GetPlan(ctx, input.PlanID)
	if err != nil {
		return nil, err
	}

	next := input.StartedAt + plan.IntervalSeconds
	if input.NextBillingAt != nil {
		next = *input.NextBillingAt
	}
	if next < input.StartedAt {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "next billing time precedes start").
			WithDetails(map[string]string{"next_billing_at": "must not precede started_at"})
	}

	sub := &models.Subscription{
		SubscriptionAddress:    input.SubscriptionAddress,
		SubscriberAddress:      input.SubscriberAddress,
		PlanID:                 plan.ID,
		PlanAddress:            plan.PlanAddress,
		SubscriberTokenAccount: input.SubscriberTokenAccount,
		MerchantTokenAccount:   input.MerchantTokenAccount,
		NextBillingTimestamp:   next,
		CurrentPeriodStart:     input.StartedAt,
		Status:                 enums.SubscriptionStatusActive,
	}
	if err := s.repo.Create(ctx, sub); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create subscription")
	}
	return sub, nil
}

func (s *service) Get(ctx context.Context, id int64) (*models.Subscription, error) {
	sub, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load subscription")
	}
	if sub == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found").WithDetails(map[string]any{"subscription_id": id})
	}
	return sub, nil
}

// Cancel marks the subscription cancelled. Cancelling twice is a no-op.
func (s *service) Cancel(ctx context.Context, id int64) (*models.Subscription, error) {
	var out *models.Subscription
	err := s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		if _, err := repo.MarkCancelled(ctx, id); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "cancel subscription")
		}
		sub, err := repo.FindByID(ctx, id)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load subscription")
		}
		if sub == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found").WithDetails(map[string]any{"subscription_id": id})
		}
		out = sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *service) ListDue(ctx context.Context, now int64, limit int) ([]models.Subscription, error) {
	subs, err := s.repo.ListDue(ctx, now, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list due subscriptions")
	}
	return subs, nil
}

// ApplyTransition writes the state change and its payment log in one
// transaction. It reports false when the row had already moved on (for
// example a concurrent cancellation); the log row is written regardless so
// a landed charge is never lost.
func (s *service) ApplyTransition(ctx context.Context, t Transition) (bool, error) {
	if err := validateTransition(t); err != nil {
		return false, err
	}

	applied := false
	err := s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		rows, err := repo.UpdateState(ctx, t)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update subscription state")
		}
		applied = rows > 0
		// A missed guard with no landed charge changed nothing worth auditing.
		if !applied && t.Payment == nil {
			return nil
		}

		entry := &models.PaymentLog{
			SubscriptionID: t.SubscriptionID,
			Status:         t.LogStatus,
			RetryCount:     t.RetryCount,
		}
		if t.Payment != nil {
			sig := t.Payment.Signature
			entry.TransactionSignature = &sig
		}
		if t.ErrorMessage != "" {
			msg := t.ErrorMessage
			entry.ErrorMessage = &msg
		}
		if err := repo.CreatePaymentLog(ctx, entry); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "write payment log")
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (s *service) PaymentLogs(ctx context.Context, subscriptionID int64) ([]models.PaymentLog, error) {
	logs, err := s.repo.ListPaymentLogs(ctx, subscriptionID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list payment logs")
	}
	return logs, nil
}

func validateTransition(t Transition) error {
	switch {
	case t.SubscriptionID <= 0:
		return pkgerrors.New(pkgerrors.CodeValidation, "subscription id required")
	case !t.Status.IsValid() || !t.ExpectedStatus.IsValid():
		return pkgerrors.New(pkgerrors.CodeValidation, "invalid subscription status")
	case !t.LogStatus.IsValid():
		return pkgerrors.New(pkgerrors.CodeValidation, "invalid payment log status")
	case t.RetryCount < 0:
		return pkgerrors.New(pkgerrors.CodeValidation, "retry count must be non-negative")
	case t.Payment != nil && t.Payment.Signature == "":
		return pkgerrors.New(pkgerrors.CodeValidation, "payment signature required")
	}
	return nil
}
