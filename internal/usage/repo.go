package usage

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/chainbill/pkg/db/models"
)

// MeterTotal is the summed usage of one meter inside a window.
type MeterTotal struct {
	MeterID       int64           `gorm:"column:meter_id"`
	EventName     string          `gorm:"column:event_name"`
	PricePerUnit  decimal.Decimal `gorm:"column:price_per_unit"`
	IncludedUnits int64           `gorm:"column:included_units"`
	TotalQuantity int64           `gorm:"column:total_quantity"`
}

// Repository persists meters and usage records.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	CreateMeter(ctx context.Context, meter *models.PlanMeter) error
	FindMeter(ctx context.Context, planID int64, eventName string) (*models.PlanMeter, error)
	ListMeters(ctx context.Context, planID int64) ([]models.PlanMeter, error)
	// InsertRecord reports false when the idempotency key already exists.
	InsertRecord(ctx context.Context, record *models.UsageRecord) (bool, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*models.UsageRecord, error)
	SumByMeter(ctx context.Context, subscriptionID, from, to int64) ([]MeterTotal, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a usage repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) CreateMeter(ctx context.Context, meter *models.PlanMeter) error {
	return r.db.WithContext(ctx).Create(meter).Error
}

func (r *repository) FindMeter(ctx context.Context, planID int64, eventName string) (*models.PlanMeter, error) {
	var meter models.PlanMeter
	err := r.db.WithContext(ctx).
		Where("plan_id = ? AND event_name = ?", planID, eventName).
		First(&meter).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &meter, nil
}

func (r *repository) ListMeters(ctx context.Context, planID int64) ([]models.PlanMeter, error) {
	var meters []models.PlanMeter
	if err := r.db.WithContext(ctx).
		Where("plan_id = ?", planID).
		Order("event_name ASC").
		Find(&meters).Error; err != nil {
		return nil, err
	}
	return meters, nil
}

// InsertRecord relies on the idempotency_key unique constraint, so two
// concurrent reports with one key can never both insert.
func (r *repository) InsertRecord(ctx context.Context, record *models.UsageRecord) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(record)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repository) FindByIdempotencyKey(ctx context.Context, key string) (*models.UsageRecord, error) {
	var record models.UsageRecord
	if err := r.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// SumByMeter totals usage per meter for records in [from, to], ordered by
// event name. recorded_at has one-second resolution, so a record written in
// the same second as the collection that set from belongs to the new period.
func (r *repository) SumByMeter(ctx context.Context, subscriptionID, from, to int64) ([]MeterTotal, error) {
	var totals []MeterTotal
	err := r.db.WithContext(ctx).
		Table("usage_records AS ur").
		Select("pm.id AS meter_id, pm.event_name, pm.price_per_unit, pm.included_units, CAST(SUM(ur.quantity) AS BIGINT) AS total_quantity").
		Joins("JOIN plan_meters pm ON pm.id = ur.meter_id").
		Where("ur.subscription_id = ? AND ur.recorded_at >= ? AND ur.recorded_at <= ?", subscriptionID, from, to).
		Group("pm.id, pm.event_name, pm.price_per_unit, pm.included_units").
		Order("pm.event_name ASC").
		Scan(&totals).Error
	if err != nil {
		return nil, err
	}
	return totals, nil
}
