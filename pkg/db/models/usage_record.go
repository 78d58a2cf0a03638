package models

// UsageRecord is one reported usage event. IdempotencyKey is unique across the
// whole table when present.
type UsageRecord struct {
	ID             int64   `gorm:"column:id;primaryKey;autoIncrement"`
	SubscriptionID int64   `gorm:"column:subscription_id;not null;index:idx_usage_records_window,priority:1"`
	MeterID        int64   `gorm:"column:meter_id;not null"`
	Quantity       int64   `gorm:"column:quantity;not null"`
	IdempotencyKey *string `gorm:"column:idempotency_key;uniqueIndex:uq_usage_records_idempotency_key"`
	RecordedAt     int64   `gorm:"column:recorded_at;not null;index:idx_usage_records_window,priority:2"`
}
