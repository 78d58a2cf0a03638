package usage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/chainbill/internal/subscriptions"
	"github.com/angelmondragon/chainbill/pkg/db"
	"github.com/angelmondragon/chainbill/pkg/db/dbtest"
	"github.com/angelmondragon/chainbill/pkg/db/models"
	"github.com/angelmondragon/chainbill/pkg/enums"
	pkgerrors "github.com/angelmondragon/chainbill/pkg/errors"
)

const (
	planAddr       = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	merchantAddr   = "4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T"
	mintAddr       = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	subscriberAddr = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"
	tokenAcctAddr  = "So11111111111111111111111111111111111111112"
)

var epoch = time.Unix(1_800_000_000, 0)

type fixture struct {
	db     *gorm.DB
	subs   subscriptions.Service
	usage  Service
	clock  *clockwork.FakeClock
	planID int64
	subID  int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	conn := dbtest.Open(t)
	subs, err := subscriptions.NewService(subscriptions.ServiceParams{
		Repo:              subscriptions.NewRepository(conn),
		TransactionRunner: db.NewFromConn(conn),
	})
	require.NoError(t, err)
	clock := clockwork.NewFakeClockAt(epoch)
	svc, err := NewService(ServiceParams{
		Repo:          NewRepository(conn),
		Subscriptions: subs,
		Clock:         clock,
	})
	require.NoError(t, err)

	plan, err := subs.CreatePlan(ctx, subscriptions.CreatePlanInput{
		PlanAddress:     planAddr,
		MerchantAddress: merchantAddr,
		TokenMint:       mintAddr,
		Amount:          5_000_000,
		IntervalSeconds: 30 * 24 * 3600,
		Currency:        "USDC",
	})
	require.NoError(t, err)
	sub, err := subs.Activate(ctx, subscriptions.ActivateInput{
		SubscriptionAddress:    "SubU1111111111111111111111111111111111111111",
		SubscriberAddress:      subscriberAddr,
		PlanID:                 plan.ID,
		SubscriberTokenAccount: tokenAcctAddr,
		MerchantTokenAccount:   merchantAddr,
		StartedAt:              epoch.Unix() - 3600,
	})
	require.NoError(t, err)

	return &fixture{db: conn, subs: subs, usage: svc, clock: clock, planID: plan.ID, subID: sub.ID}
}

func (fx *fixture) meter(t *testing.T, event string, included int64, price int64) *models.PlanMeter {
	t.Helper()
	meter, err := fx.usage.CreateMeter(context.Background(), CreateMeterInput{
		PlanID:        fx.planID,
		EventName:     event,
		PricePerUnit:  decimal.NewFromInt(price),
		IncludedUnits: included,
	})
	require.NoError(t, err)
	return meter
}

func (fx *fixture) report(t *testing.T, event string, qty int64, key *string) *RecordUsageResult {
	t.Helper()
	res, err := fx.usage.RecordUsage(context.Background(), RecordUsageParams{
		SubscriptionID: fx.subID,
		Event:          event,
		Quantity:       decimal.NewFromInt(qty),
		IdempotencyKey: key,
	})
	require.NoError(t, err)
	return res
}

func (fx *fixture) recordCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, fx.db.Model(&models.UsageRecord{}).Count(&n).Error)
	return n
}

func strPtr(s string) *string { return &s }

func TestCost(t *testing.T) {
	price := decimal.NewFromInt(10)
	cases := []struct {
		name  string
		total int64
		want  int64
	}{
		{name: "below included", total: 999, want: 0},
		{name: "at included", total: 1000, want: 0},
		{name: "above included", total: 1500, want: 5000},
		{name: "nothing used", total: 0, want: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Cost(tc.total, 1000, price)
			assert.True(t, got.Equal(decimal.NewFromInt(tc.want)), "got %s", got)
		})
	}
}

func TestGetUsageApiCallsScenario(t *testing.T) {
	fx := newFixture(t)
	fx.meter(t, "api_calls", 1000, 10)

	fx.report(t, "api_calls", 1000, nil)
	fx.clock.Advance(time.Minute)
	fx.report(t, "api_calls", 500, nil)

	summary, err := fx.usage.GetUsage(context.Background(), fx.subID)
	require.NoError(t, err)
	require.Len(t, summary.Meters, 1)

	m := summary.Meters[0]
	assert.Equal(t, "api_calls", m.EventName)
	assert.Equal(t, int64(1500), m.TotalQuantity)
	assert.Equal(t, int64(1000), m.IncludedUnits)
	assert.True(t, m.Cost.Equal(decimal.NewFromInt(5000)), "cost %s", m.Cost)
	assert.True(t, summary.TotalCost.Equal(decimal.NewFromInt(5000)))
	assert.Equal(t, epoch.Unix()-3600, summary.PeriodStart)
}

func TestGetUsageIsRepeatable(t *testing.T) {
	fx := newFixture(t)
	fx.meter(t, "api_calls", 10, 3)
	fx.meter(t, "storage_gb", 0, 2)
	fx.report(t, "storage_gb", 4, nil)
	fx.report(t, "api_calls", 25, nil)

	first, err := fx.usage.GetUsage(context.Background(), fx.subID)
	require.NoError(t, err)
	second, err := fx.usage.GetUsage(context.Background(), fx.subID)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	require.Len(t, first.Meters, 2)
	assert.Equal(t, "api_calls", first.Meters[0].EventName)
	assert.Equal(t, "storage_gb", first.Meters[1].EventName)
	assert.True(t, first.TotalCost.Equal(decimal.NewFromInt(15*3+4*2)))
}

func TestRecordUsageDuplicateKeyCountsOnce(t *testing.T) {
	fx := newFixture(t)
	fx.meter(t, "api_calls", 1000, 10)

	first := fx.report(t, "api_calls", 1500, strPtr("evt-1"))
	assert.False(t, first.Duplicate)

	second := fx.report(t, "api_calls", 1500, strPtr("evt-1"))
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Record.ID, second.Record.ID)
	assert.Equal(t, int64(1), fx.recordCount(t))

	summary, err := fx.usage.GetUsage(context.Background(), fx.subID)
	require.NoError(t, err)
	require.Len(t, summary.Meters, 1)
	assert.Equal(t, int64(1500), summary.Meters[0].TotalQuantity)
	assert.True(t, summary.TotalCost.Equal(decimal.NewFromInt(5000)))
}

func TestRecordUsageConcurrentDuplicates(t *testing.T) {
	fx := newFixture(t)
	fx.meter(t, "api_calls", 0, 1)

	var wg sync.WaitGroup
	ids := make([]int64, 8)
	errs := make([]error, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := fx.usage.RecordUsage(context.Background(), RecordUsageParams{
				SubscriptionID: fx.subID,
				Event:          "api_calls",
				Quantity:       decimal.NewFromInt(1),
				IdempotencyKey: strPtr("evt-race"),
			})
			errs[i] = err
			if err == nil {
				ids[i] = res.Record.ID
			}
		}(i)
	}
	wg.Wait()

	for i := range ids {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	assert.Equal(t, int64(1), fx.recordCount(t))
}

func TestRecordUsageRejectsKeyReuseOnOtherMeter(t *testing.T) {
	fx := newFixture(t)
	fx.meter(t, "api_calls", 0, 1)
	fx.meter(t, "storage_gb", 0, 1)
	fx.report(t, "api_calls", 1, strPtr("evt-shared"))

	_, err := fx.usage.RecordUsage(context.Background(), RecordUsageParams{
		SubscriptionID: fx.subID,
		Event:          "storage_gb",
		Quantity:       decimal.NewFromInt(1),
		IdempotencyKey: strPtr("evt-shared"),
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeIdempotency))
	assert.Equal(t, int64(1), fx.recordCount(t))
}

func TestRecordUsageValidation(t *testing.T) {
	fx := newFixture(t)
	fx.meter(t, "api_calls", 0, 1)

	cases := []struct {
		name   string
		params RecordUsageParams
		code   pkgerrors.Code
	}{
		{
			name:   "negative quantity",
			params: RecordUsageParams{SubscriptionID: fx.subID, Event: "api_calls", Quantity: decimal.NewFromInt(-1)},
			code:   pkgerrors.CodeInvalidQuantity,
		},
		{
			name:   "fractional quantity",
			params: RecordUsageParams{SubscriptionID: fx.subID, Event: "api_calls", Quantity: decimal.RequireFromString("1.5")},
			code:   pkgerrors.CodeInvalidQuantity,
		},
		{
			name:   "unknown meter",
			params: RecordUsageParams{SubscriptionID: fx.subID, Event: "emails", Quantity: decimal.NewFromInt(1)},
			code:   pkgerrors.CodeMeterNotFound,
		},
		{
			name:   "unknown subscription",
			params: RecordUsageParams{SubscriptionID: fx.subID + 100, Event: "api_calls", Quantity: decimal.NewFromInt(1)},
			code:   pkgerrors.CodeNotFound,
		},
		{
			name:   "missing event",
			params: RecordUsageParams{SubscriptionID: fx.subID, Quantity: decimal.NewFromInt(1)},
			code:   pkgerrors.CodeValidation,
		},
		{
			name:   "empty idempotency key",
			params: RecordUsageParams{SubscriptionID: fx.subID, Event: "api_calls", Quantity: decimal.NewFromInt(1), IdempotencyKey: strPtr("")},
			code:   pkgerrors.CodeValidation,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := fx.usage.RecordUsage(context.Background(), tc.params)
			require.Error(t, err)
			assert.True(t, pkgerrors.IsCode(err, tc.code), "expected %s, got %v", tc.code, err)
		})
	}
	assert.Zero(t, fx.recordCount(t))

	res := fx.report(t, "api_calls", 0, nil)
	assert.Zero(t, res.Record.Quantity, "zero is a valid quantity")
}

func TestRecordUsageCancelledSubscription(t *testing.T) {
	fx := newFixture(t)
	fx.meter(t, "api_calls", 0, 1)
	_, err := fx.subs.Cancel(context.Background(), fx.subID)
	require.NoError(t, err)

	_, err = fx.usage.RecordUsage(context.Background(), RecordUsageParams{
		SubscriptionID: fx.subID,
		Event:          "api_calls",
		Quantity:       decimal.NewFromInt(1),
	})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))
}

func TestGetUsageStartsOverAfterPayment(t *testing.T) {
	fx := newFixture(t)
	fx.meter(t, "api_calls", 0, 2)
	fx.report(t, "api_calls", 7, nil)

	fx.clock.Advance(time.Hour)
	sub, err := fx.subs.Get(context.Background(), fx.subID)
	require.NoError(t, err)
	paidAt := fx.clock.Now().Unix()
	tr := subscriptions.NewTransitionFrom(*sub)
	tr.NextBillingTimestamp = paidAt + 30*24*3600
	tr.Payment = &subscriptions.Payment{PaidAt: paidAt, Signature: "sig-period"}
	tr.LogStatus = enums.PaymentLogStatusSuccess
	applied, err := fx.subs.ApplyTransition(context.Background(), tr)
	require.NoError(t, err)
	require.True(t, applied)

	summary, err := fx.usage.GetUsage(context.Background(), fx.subID)
	require.NoError(t, err)
	assert.Empty(t, summary.Meters)
	assert.True(t, summary.TotalCost.IsZero())

	fx.clock.Advance(time.Minute)
	fx.report(t, "api_calls", 3, nil)
	summary, err = fx.usage.GetUsage(context.Background(), fx.subID)
	require.NoError(t, err)
	require.Len(t, summary.Meters, 1)
	assert.Equal(t, int64(3), summary.Meters[0].TotalQuantity)
	assert.Equal(t, paidAt, summary.PeriodStart)
}

func TestGetUsageCountsSameSecondRecordsInNewPeriod(t *testing.T) {
	fx := newFixture(t)
	fx.meter(t, "api_calls", 0, 2)
	fx.clock.Advance(time.Hour)
	fx.report(t, "api_calls", 4, nil)

	sub, err := fx.subs.Get(context.Background(), fx.subID)
	require.NoError(t, err)
	paidAt := fx.clock.Now().Unix()
	tr := subscriptions.NewTransitionFrom(*sub)
	tr.NextBillingTimestamp = paidAt + 30*24*3600
	tr.Payment = &subscriptions.Payment{PaidAt: paidAt, Signature: "sig-tie"}
	tr.LogStatus = enums.PaymentLogStatusSuccess
	applied, err := fx.subs.ApplyTransition(context.Background(), tr)
	require.NoError(t, err)
	require.True(t, applied)

	summary, err := fx.usage.GetUsage(context.Background(), fx.subID)
	require.NoError(t, err)
	require.Len(t, summary.Meters, 1)
	assert.Equal(t, int64(4), summary.Meters[0].TotalQuantity)
	assert.True(t, summary.TotalCost.Equal(decimal.NewFromInt(8)))
}

func TestCreateMeterRules(t *testing.T) {
	fx := newFixture(t)
	fx.meter(t, "api_calls", 0, 1)

	_, err := fx.usage.CreateMeter(context.Background(), CreateMeterInput{
		PlanID: fx.planID, EventName: "api_calls", PricePerUnit: decimal.NewFromInt(1),
	})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))

	_, err = fx.usage.CreateMeter(context.Background(), CreateMeterInput{
		PlanID: fx.planID, EventName: "refunds", PricePerUnit: decimal.NewFromInt(-1),
	})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, err = fx.usage.CreateMeter(context.Background(), CreateMeterInput{
		PlanID: fx.planID + 99, EventName: "emails", PricePerUnit: decimal.NewFromInt(1),
	})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))

	_, err = fx.usage.CreateMeter(context.Background(), CreateMeterInput{
		PlanID: fx.planID, EventName: "storage_gb", PricePerUnit: decimal.RequireFromString("0.333333"),
	})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), "got %v", err)
	details, ok := pkgerrors.As(err).Details().(map[string]string)
	require.True(t, ok)
	assert.Contains(t, details["price_per_unit"], "whole number")

	meters, err := fx.usage.ListMeters(context.Background(), fx.planID)
	require.NoError(t, err)
	assert.Len(t, meters, 1, "rejected meters must not be stored")
}

func TestListMetersOrdersByEvent(t *testing.T) {
	fx := newFixture(t)
	fx.meter(t, "storage_gb", 10, 3)
	fx.meter(t, "api_calls", 1000, 1)

	meters, err := fx.usage.ListMeters(context.Background(), fx.planID)
	require.NoError(t, err)
	require.Len(t, meters, 2)
	assert.Equal(t, "api_calls", meters[0].EventName)
	assert.Equal(t, "storage_gb", meters[1].EventName)
	assert.Equal(t, int64(10), meters[1].IncludedUnits)

	_, err = fx.usage.ListMeters(context.Background(), fx.planID+99)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound), "got %v", err)

	_, err = fx.usage.ListMeters(context.Background(), 0)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), "got %v", err)
}
