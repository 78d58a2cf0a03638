package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PlanMeter prices one usage event type on a plan.
type PlanMeter struct {
	ID            int64           `gorm:"column:id;primaryKey;autoIncrement"`
	PlanID        int64           `gorm:"column:plan_id;not null;uniqueIndex:uq_plan_meters_plan_event"`
	EventName     string          `gorm:"column:event_name;not null;uniqueIndex:uq_plan_meters_plan_event"`
	PricePerUnit  decimal.Decimal `gorm:"column:price_per_unit;type:numeric(20,0);not null"`
	IncludedUnits int64           `gorm:"column:included_units;not null;default:0"`
	CreatedAt     time.Time       `gorm:"column:created_at;autoCreateTime"`
}
