package usage

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/chainbill/pkg/db"
	"github.com/angelmondragon/chainbill/pkg/db/models"
	"github.com/angelmondragon/chainbill/pkg/enums"
	pkgerrors "github.com/angelmondragon/chainbill/pkg/errors"
	"github.com/angelmondragon/chainbill/pkg/metrics"
	"github.com/angelmondragon/chainbill/pkg/validators"
)

const meterUniqueConstraint = "uq_plan_meters_plan_event"

type subscriptionReader interface {
	Get(ctx context.Context, id int64) (*models.Subscription, error)
	GetPlan(ctx context.Context, id int64) (*models.Plan, error)
}

// Service records metered usage and prices it against plan meters.
type Service interface {
	CreateMeter(ctx context.Context, input CreateMeterInput) (*models.PlanMeter, error)
	RecordUsage(ctx context.Context, params RecordUsageParams) (*RecordUsageResult, error)
	GetUsage(ctx context.Context, subscriptionID int64) (*Summary, error)
	ListMeters(ctx context.Context, planID int64) ([]models.PlanMeter, error)
}

// ServiceParams groups dependencies for the usage service.
type ServiceParams struct {
	Repo          Repository
	Subscriptions subscriptionReader
	Clock         clockwork.Clock
	Metrics       *metrics.BillingMetrics
}

// CreateMeterInput attaches a metered dimension to a plan.
type CreateMeterInput struct {
	PlanID        int64           `json:"plan_id" validate:"gt=0"`
	EventName     string          `json:"event_name" validate:"required,max=128"`
	PricePerUnit  decimal.Decimal `json:"price_per_unit"`
	IncludedUnits int64           `json:"included_units" validate:"min=0"`
}

// RecordUsageParams is one usage report. Quantity must be a non-negative
// integer.
type RecordUsageParams struct {
	SubscriptionID int64           `json:"subscription_id" validate:"gt=0"`
	Event          string          `json:"event" validate:"required,max=128"`
	Quantity       decimal.Decimal `json:"quantity"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty" validate:"omitempty,min=1,max=255"`
}

// RecordUsageResult carries the stored record. Duplicate is true when the
// idempotency key had already been recorded and no new row was written.
type RecordUsageResult struct {
	Record    models.UsageRecord `json:"record"`
	Duplicate bool               `json:"duplicate"`
}

// MeterUsage is the priced usage of one meter.
type MeterUsage struct {
	MeterID       int64           `json:"meter_id"`
	EventName     string          `json:"event_name"`
	TotalQuantity int64           `json:"total_quantity"`
	IncludedUnits int64           `json:"included_units"`
	PricePerUnit  decimal.Decimal `json:"price_per_unit"`
	Cost          decimal.Decimal `json:"cost"`
}

// Summary is the usage of one subscription in its current billing period.
type Summary struct {
	SubscriptionID int64           `json:"subscription_id"`
	PeriodStart    int64           `json:"period_start"`
	PeriodEnd      int64           `json:"period_end"`
	AsOf           int64           `json:"as_of"`
	Meters         []MeterUsage    `json:"meters"`
	TotalCost      decimal.Decimal `json:"total_cost"`
}

type service struct {
	repo    Repository
	subs    subscriptionReader
	clock   clockwork.Clock
	metrics *metrics.BillingMetrics
}

// NewService builds the usage service.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("usage repository required")
	}
	if params.Subscriptions == nil {
		return nil, fmt.Errorf("subscription service required")
	}
	clock := params.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &service{
		repo:    params.Repo,
		subs:    params.Subscriptions,
		clock:   clock,
		metrics: params.Metrics,
	}, nil
}

func (s *service) CreateMeter(ctx context.Context, input CreateMeterInput) (*models.PlanMeter, error) {
	if err := validators.Struct(input); err != nil {
		return nil, err
	}
	if reason := priceProblem(input.PricePerUnit); reason != "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "validation failed").
			WithDetails(map[string]string{"price_per_unit": reason})
	}
	if _, err := s.subs.GetPlan(ctx, input.PlanID); err != nil {
		return nil, err
	}
	meter := &models.PlanMeter{
		PlanID:        input.PlanID,
		EventName:     strings.TrimSpace(input.EventName),
		PricePerUnit:  input.PricePerUnit,
		IncludedUnits: input.IncludedUnits,
	}
	if err := s.repo.CreateMeter(ctx, meter); err != nil {
		if db.IsUniqueViolation(err, "") {
			return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "meter already exists for plan").
				WithDetails(map[string]any{"plan_id": input.PlanID, "event_name": meter.EventName, "constraint": meterUniqueConstraint})
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create meter")
	}
	return meter, nil
}

func (s *service) RecordUsage(ctx context.Context, params RecordUsageParams) (*RecordUsageResult, error) {
	result, err := s.recordUsage(ctx, params)
	switch {
	case err != nil:
		s.metrics.IncUsage("rejected")
	case result.Duplicate:
		s.metrics.IncUsage("duplicate")
	default:
		s.metrics.IncUsage("recorded")
	}
	return result, err
}

func (s *service) recordUsage(ctx context.Context, params RecordUsageParams) (*RecordUsageResult, error) {
	if err := validators.Struct(params); err != nil {
		return nil, err
	}
	quantity, err := wholeQuantity(params.Quantity)
	if err != nil {
		return nil, err
	}

	sub, err := s.subs.Get(ctx, params.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Status == enums.SubscriptionStatusCancelled {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "subscription is cancelled").
			WithDetails(map[string]any{"subscription_id": sub.ID})
	}

	event := strings.TrimSpace(params.Event)
	meter, err := s.repo.FindMeter(ctx, sub.PlanID, event)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load meter")
	}
	if meter == nil {
		return nil, pkgerrors.New(pkgerrors.CodeMeterNotFound, "meter not found").
			WithDetails(map[string]any{"plan_id": sub.PlanID, "event": event})
	}

	record := models.UsageRecord{
		SubscriptionID: sub.ID,
		MeterID:        meter.ID,
		Quantity:       quantity,
		IdempotencyKey: params.IdempotencyKey,
		RecordedAt:     s.clock.Now().Unix(),
	}
	inserted, err := s.repo.InsertRecord(ctx, &record)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "insert usage record")
	}
	if inserted {
		return &RecordUsageResult{Record: record}, nil
	}
	if params.IdempotencyKey == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "usage record not inserted")
	}

	existing, err := s.repo.FindByIdempotencyKey(ctx, *params.IdempotencyKey)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load usage record")
	}
	if existing == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "usage record conflict without existing record")
	}
	if existing.SubscriptionID != sub.ID || existing.MeterID != meter.ID {
		return nil, pkgerrors.New(pkgerrors.CodeIdempotency, "idempotency key already used for another meter").
			WithDetails(map[string]any{"idempotency_key": *params.IdempotencyKey})
	}
	return &RecordUsageResult{Record: *existing, Duplicate: true}, nil
}

// GetUsage prices usage recorded since the subscription's current period
// started. It only reads, so repeated calls without new records agree.
// ListMeters returns the plan's meters ordered by event name.
func (s *service) ListMeters(ctx context.Context, planID int64) ([]models.PlanMeter, error) {
	if planID <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "plan id required")
	}
	if _, err := s.subs.GetPlan(ctx, planID); err != nil {
		return nil, err
	}
	meters, err := s.repo.ListMeters(ctx, planID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list meters")
	}
	return meters, nil
}

func (s *service) GetUsage(ctx context.Context, subscriptionID int64) (*Summary, error) {
	sub, err := s.subs.Get(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now().Unix()
	totals, err := s.repo.SumByMeter(ctx, sub.ID, sub.CurrentPeriodStart, now)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "sum usage")
	}

	summary := &Summary{
		SubscriptionID: sub.ID,
		PeriodStart:    sub.CurrentPeriodStart,
		PeriodEnd:      sub.NextBillingTimestamp,
		AsOf:           now,
		Meters:         make([]MeterUsage, 0, len(totals)),
		TotalCost:      decimal.Zero,
	}
	for _, total := range totals {
		cost := Cost(total.TotalQuantity, total.IncludedUnits, total.PricePerUnit)
		summary.Meters = append(summary.Meters, MeterUsage{
			MeterID:       total.MeterID,
			EventName:     total.EventName,
			TotalQuantity: total.TotalQuantity,
			IncludedUnits: total.IncludedUnits,
			PricePerUnit:  total.PricePerUnit,
			Cost:          cost,
		})
		summary.TotalCost = summary.TotalCost.Add(cost)
	}
	return summary, nil
}

// Cost is max(total-included, 0) * price.
func Cost(total, included int64, price decimal.Decimal) decimal.Decimal {
	billable := total - included
	if billable <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(billable).Mul(price)
}

var maxQuantity = decimal.NewFromInt(math.MaxInt64)

func wholeQuantity(q decimal.Decimal) (int64, error) {
	switch {
	case q.IsNegative():
		return 0, invalidQuantity(q, "must not be negative")
	case !q.IsInteger():
		return 0, invalidQuantity(q, "must be a whole number")
	case q.GreaterThan(maxQuantity):
		return 0, invalidQuantity(q, "is too large")
	}
	return q.IntPart(), nil
}

// priceProblem describes why p is not a usable price in minor units, or
// returns "" when it is.
func priceProblem(p decimal.Decimal) string {
	switch {
	case p.IsNegative():
		return "must not be negative"
	case !p.IsInteger():
		return "must be a whole number of minor units"
	case p.GreaterThan(maxQuantity):
		return "is too large"
	}
	return ""
}

func invalidQuantity(q decimal.Decimal, reason string) error {
	return pkgerrors.New(pkgerrors.CodeInvalidQuantity, "invalid quantity").
		WithDetails(map[string]string{"quantity": q.String() + " " + reason})
}
