package models

import (
	"time"

	"github.com/angelmondragon/chainbill/pkg/enums"
)

// Subscription is the billing state of one on-chain subscription account.
// Timestamps that drive billing are Unix seconds.
type Subscription struct {
	ID                     int64                    `gorm:"column:id;primaryKey;autoIncrement"`
	SubscriptionAddress    string                   `gorm:"column:subscription_address;not null;uniqueIndex"`
	SubscriberAddress      string                   `gorm:"column:subscriber_address;not null;index"`
	PlanID                 int64                    `gorm:"column:plan_id;not null;index"`
	PlanAddress            string                   `gorm:"column:plan_address;not null"`
	SubscriberTokenAccount string                   `gorm:"column:subscriber_token_account;not null"`
	MerchantTokenAccount   string                   `gorm:"column:merchant_token_account;not null"`
	NextBillingTimestamp   int64                    `gorm:"column:next_billing_timestamp;not null;index:idx_subscriptions_due,priority:2"`
	CurrentPeriodStart     int64                    `gorm:"column:current_period_start;not null"`
	RetryCount             int                      `gorm:"column:retry_count;not null;default:0"`
	Status                 enums.SubscriptionStatus `gorm:"column:status;not null;default:'active';index:idx_subscriptions_due,priority:1"`
	LastPaymentAt          *int64                   `gorm:"column:last_payment_at"`
	LastSignature          *string                  `gorm:"column:last_signature"`
	PaymentCount           int64                    `gorm:"column:payment_count;not null;default:0"`
	CreatedAt              time.Time                `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt              time.Time                `gorm:"column:updated_at;autoUpdateTime"`
}

// IsDue reports whether the subscription is billable at the given Unix time.
func (s Subscription) IsDue(now int64) bool {
	return s.Status.IsBillable() && s.NextBillingTimestamp <= now
}
