package models

import "time"

// Plan mirrors the on-chain plan account the core bills against. Amount is in
// integer minor token units.
type Plan struct {
	ID              int64     `gorm:"column:id;primaryKey;autoIncrement"`
	PlanAddress     string    `gorm:"column:plan_address;not null;uniqueIndex"`
	MerchantAddress string    `gorm:"column:merchant_address;not null"`
	TokenMint       string    `gorm:"column:token_mint;not null"`
	Amount          int64     `gorm:"column:amount;not null"`
	IntervalSeconds int64     `gorm:"column:interval_seconds;not null"`
	Currency        string    `gorm:"column:currency;not null;default:'USDC'"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime"`
}

// Interval returns the billing period as a duration.
func (p Plan) Interval() time.Duration {
	return time.Duration(p.IntervalSeconds) * time.Second
}
