package subscriptions

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/angelmondragon/chainbill/pkg/db/models"
	"github.com/angelmondragon/chainbill/pkg/enums"
)

// Repository handles subscription, plan and payment log persistence.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	CreatePlan(ctx context.Context, plan *models.Plan) error
	FindPlanByID(ctx context.Context, id int64) (*models.Plan, error)
	Create(ctx context.Context, sub *models.Subscription) error
	FindByID(ctx context.Context, id int64) (*models.Subscription, error)
	ListDue(ctx context.Context, now int64, limit int) ([]models.Subscription, error)
	UpdateState(ctx context.Context, t Transition) (int64, error)
	MarkCancelled(ctx context.Context, id int64) (int64, error)
	CreatePaymentLog(ctx context.Context, entry *models.PaymentLog) error
	ListPaymentLogs(ctx context.Context, subscriptionID int64) ([]models.PaymentLog, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a subscription repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) CreatePlan(ctx context.Context, plan *models.Plan) error {
	return r.db.WithContext(ctx).Create(plan).Error
}

func (r *repository) FindPlanByID(ctx context.Context, id int64) (*models.Plan, error) {
	var plan models.Plan
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&plan).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &plan, nil
}

func (r *repository) Create(ctx context.Context, sub *models.Subscription) error {
	return r.db.WithContext(ctx).Create(sub).Error
}

func (r *repository) FindByID(ctx context.Context, id int64) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

// ListDue returns billable subscriptions whose next billing time has passed,
// oldest first with id as the tie breaker.
func (r *repository) ListDue(ctx context.Context, now int64, limit int) ([]models.Subscription, error) {
	query := r.db.WithContext(ctx).
		Where("status IN ?", enums.BillableSubscriptionStatuses).
		Where("next_billing_timestamp <= ?", now).
		Order("next_billing_timestamp ASC, id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var subs []models.Subscription
	if err := query.Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}

// UpdateState applies t only while the row still has the status, retry count
// and next billing time the caller read. It returns the number of rows changed.
func (r *repository) UpdateState(ctx context.Context, t Transition) (int64, error) {
	updates := map[string]any{
		"status":                 t.Status,
		"retry_count":            t.RetryCount,
		"next_billing_timestamp": t.NextBillingTimestamp,
	}
	if t.Payment != nil {
		updates["current_period_start"] = t.Payment.PaidAt
		updates["last_payment_at"] = t.Payment.PaidAt
		updates["last_signature"] = t.Payment.Signature
		updates["payment_count"] = gorm.Expr("payment_count + 1")
	}

	res := r.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("id = ? AND status = ? AND retry_count = ? AND next_billing_timestamp = ?",
			t.SubscriptionID, t.ExpectedStatus, t.ExpectedRetryCount, t.ExpectedNextBillingTimestamp).
		Updates(updates)
	return res.RowsAffected, res.Error
}

func (r *repository) MarkCancelled(ctx context.Context, id int64) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("id = ? AND status <> ?", id, enums.SubscriptionStatusCancelled).
		Update("status", enums.SubscriptionStatusCancelled)
	return res.RowsAffected, res.Error
}

func (r *repository) CreatePaymentLog(ctx context.Context, entry *models.PaymentLog) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *repository) ListPaymentLogs(ctx context.Context, subscriptionID int64) ([]models.PaymentLog, error) {
	var logs []models.PaymentLog
	if err := r.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("id ASC").
		Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}
