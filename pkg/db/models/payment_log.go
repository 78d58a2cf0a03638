package models

import (
	"time"

	"github.com/angelmondragon/chainbill/pkg/enums"
)

// PaymentLog is the audit row written with every billing transition.
type PaymentLog struct {
	ID                   int64                  `gorm:"column:id;primaryKey;autoIncrement"`
	SubscriptionID       int64                  `gorm:"column:subscription_id;not null;index"`
	Status               enums.PaymentLogStatus `gorm:"column:status;not null"`
	TransactionSignature *string                `gorm:"column:transaction_signature"`
	RetryCount           int                    `gorm:"column:retry_count;not null;default:0"`
	ErrorMessage         *string                `gorm:"column:error_message"`
	CreatedAt            time.Time              `gorm:"column:created_at;autoCreateTime"`
}
