package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/chainbill/internal/app"
	"github.com/angelmondragon/chainbill/internal/gateway"
	"github.com/angelmondragon/chainbill/internal/subscriptions"
	"github.com/angelmondragon/chainbill/internal/usage"
	"github.com/angelmondragon/chainbill/pkg/config"
	"github.com/angelmondragon/chainbill/pkg/db"
	"github.com/angelmondragon/chainbill/pkg/logger"
	"github.com/angelmondragon/chainbill/pkg/redis"
)

// errUsage marks bad invocations so main can exit with status 2.
var errUsage = errors.New("usage")

// runtime carries the resources a command may use.
type runtime struct {
	cfg   *config.Config
	logg  *logger.Logger
	db    *db.Client
	redis *redis.Client
	clock clockwork.Clock
	// gateway overrides the HTTP gateway for run-once.
	gateway gateway.Gateway
	out     io.Writer
}

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, rt *runtime, args []string) error
}

var commands = []command{
	{name: "create-plan", summary: "register an on-chain plan", run: createPlan},
	{name: "activate", summary: "record a subscription created on-chain", run: activate},
	{name: "cancel", summary: "cancel a subscription", run: cancel},
	{name: "show", summary: "print a subscription and its payment log", run: show},
	{name: "create-meter", summary: "attach a usage meter to a plan", run: createMeter},
	{name: "report-usage", summary: "record a usage event", run: reportUsage},
	{name: "list-meters", summary: "print the meters attached to a plan", run: listMeters},
	{name: "usage", summary: "print current-period usage and cost", run: showUsage},
	{name: "run-once", summary: "run a single billing cycle", run: runOnce},
}

func dispatch(ctx context.Context, rt *runtime, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: missing command\n%s", errUsage, commandList())
	}
	for _, cmd := range commands {
		if cmd.name == args[0] {
			return cmd.run(ctx, rt, args[1:])
		}
	}
	return fmt.Errorf("%w: unknown command %q\n%s", errUsage, args[0], commandList())
}

func commandList() string {
	names := make([]string, 0, len(commands))
	for _, cmd := range commands {
		names = append(names, fmt.Sprintf("  %-14s %s", cmd.name, cmd.summary))
	}
	sort.Strings(names)
	return "commands:\n" + strings.Join(names, "\n")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %s: %v", errUsage, fs.Name(), err)
	}
	return nil
}

func requirePositive(name string, value int64) error {
	if value <= 0 {
		return fmt.Errorf("%w: -%s is required", errUsage, name)
	}
	return nil
}

func (rt *runtime) services() (subscriptions.Service, usage.Service, error) {
	return app.NewServices(app.Params{Config: rt.cfg, Logger: rt.logg, DB: rt.db, Clock: rt.clock})
}

func (rt *runtime) print(v any) error {
	enc := json.NewEncoder(rt.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func createPlan(ctx context.Context, rt *runtime, args []string) error {
	fs := newFlagSet("create-plan")
	var input subscriptions.CreatePlanInput
	fs.StringVar(&input.PlanAddress, "plan-address", "", "plan account address")
	fs.StringVar(&input.MerchantAddress, "merchant", "", "merchant wallet address")
	fs.StringVar(&input.TokenMint, "mint", "", "token mint address")
	fs.Int64Var(&input.Amount, "amount", 0, "amount per period in token base units")
	fs.Int64Var(&input.IntervalSeconds, "interval", 0, "billing interval in seconds")
	fs.StringVar(&input.Currency, "currency", "USDC", "currency label")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	subs, _, err := rt.services()
	if err != nil {
		return err
	}
	plan, err := subs.CreatePlan(ctx, input)
	if err != nil {
		return err
	}
	return rt.print(plan)
}

func activate(ctx context.Context, rt *runtime, args []string) error {
	fs := newFlagSet("activate")
	var input subscriptions.ActivateInput
	var nextBilling int64
	fs.StringVar(&input.SubscriptionAddress, "subscription-address", "", "subscription account address")
	fs.StringVar(&input.SubscriberAddress, "subscriber", "", "subscriber wallet address")
	fs.Int64Var(&input.PlanID, "plan-id", 0, "plan id")
	fs.StringVar(&input.SubscriberTokenAccount, "subscriber-token-account", "", "subscriber token account")
	fs.StringVar(&input.MerchantTokenAccount, "merchant-token-account", "", "merchant token account")
	fs.Int64Var(&input.StartedAt, "started-at", 0, "period start in unix seconds, defaults to now")
	fs.Int64Var(&nextBilling, "next-billing-at", 0, "first billing time in unix seconds, defaults to start plus interval")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if input.StartedAt == 0 {
		input.StartedAt = rt.clock.Now().Unix()
	}
	if nextBilling > 0 {
		input.NextBillingAt = &nextBilling
	}

	subs, _, err := rt.services()
	if err != nil {
		return err
	}
	sub, err := subs.Activate(ctx, input)
	if err != nil {
		return err
	}
	return rt.print(sub)
}

func cancel(ctx context.Context, rt *runtime, args []string) error {
	fs := newFlagSet("cancel")
	id := fs.Int64("subscription-id", 0, "subscription id")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if err := requirePositive("subscription-id", *id); err != nil {
		return err
	}

	subs, _, err := rt.services()
	if err != nil {
		return err
	}
	sub, err := subs.Cancel(ctx, *id)
	if err != nil {
		return err
	}
	return rt.print(sub)
}

type showOutput struct {
	Subscription any `json:"subscription"`
	PaymentLogs  any `json:"payment_logs"`
}

func show(ctx context.Context, rt *runtime, args []string) error {
	fs := newFlagSet("show")
	id := fs.Int64("subscription-id", 0, "subscription id")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if err := requirePositive("subscription-id", *id); err != nil {
		return err
	}

	subs, _, err := rt.services()
	if err != nil {
		return err
	}
	sub, err := subs.Get(ctx, *id)
	if err != nil {
		return err
	}
	logs, err := subs.PaymentLogs(ctx, *id)
	if err != nil {
		return err
	}
	return rt.print(showOutput{Subscription: sub, PaymentLogs: logs})
}

func createMeter(ctx context.Context, rt *runtime, args []string) error {
	fs := newFlagSet("create-meter")
	var input usage.CreateMeterInput
	price := fs.String("price", "0", "price per unit above the included allowance, in minor units")
	fs.Int64Var(&input.PlanID, "plan-id", 0, "plan id")
	fs.StringVar(&input.EventName, "event", "", "event name")
	fs.Int64Var(&input.IncludedUnits, "included", 0, "units included per period")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	parsed, err := decimal.NewFromString(*price)
	if err != nil {
		return fmt.Errorf("%w: -price: %v", errUsage, err)
	}
	input.PricePerUnit = parsed

	_, usageSvc, err := rt.services()
	if err != nil {
		return err
	}
	meter, err := usageSvc.CreateMeter(ctx, input)
	if err != nil {
		return err
	}
	return rt.print(meter)
}

func reportUsage(ctx context.Context, rt *runtime, args []string) error {
	fs := newFlagSet("report-usage")
	id := fs.Int64("subscription-id", 0, "subscription id")
	event := fs.String("event", "", "event name")
	quantity := fs.String("quantity", "", "non-negative whole quantity")
	key := fs.String("idempotency-key", "", "optional deduplication key")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if err := requirePositive("subscription-id", *id); err != nil {
		return err
	}
	qty, err := decimal.NewFromString(*quantity)
	if err != nil {
		return fmt.Errorf("%w: -quantity: %v", errUsage, err)
	}
	params := usage.RecordUsageParams{SubscriptionID: *id, Event: *event, Quantity: qty}
	if *key != "" {
		params.IdempotencyKey = key
	}

	_, usageSvc, err := rt.services()
	if err != nil {
		return err
	}
	result, err := usageSvc.RecordUsage(ctx, params)
	if err != nil {
		return err
	}
	return rt.print(result)
}

func listMeters(ctx context.Context, rt *runtime, args []string) error {
	fs := newFlagSet("list-meters")
	planID := fs.Int64("plan-id", 0, "plan id")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if err := requirePositive("plan-id", *planID); err != nil {
		return err
	}

	_, usageSvc, err := rt.services()
	if err != nil {
		return err
	}
	meters, err := usageSvc.ListMeters(ctx, *planID)
	if err != nil {
		return err
	}
	return rt.print(meters)
}

func showUsage(ctx context.Context, rt *runtime, args []string) error {
	fs := newFlagSet("usage")
	id := fs.Int64("subscription-id", 0, "subscription id")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if err := requirePositive("subscription-id", *id); err != nil {
		return err
	}

	_, usageSvc, err := rt.services()
	if err != nil {
		return err
	}
	summary, err := usageSvc.GetUsage(ctx, *id)
	if err != nil {
		return err
	}
	return rt.print(summary)
}

func runOnce(ctx context.Context, rt *runtime, args []string) error {
	fs := newFlagSet("run-once")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	// In-process locks would not exclude a running scheduler.
	if rt.redis == nil && !rt.cfg.App.IsDev() {
		return errors.New("run-once needs redis outside dev")
	}

	components, err := app.NewScheduler(app.Params{
		Config:     rt.cfg,
		Logger:     rt.logg,
		DB:         rt.db,
		Redis:      rt.redis,
		Registerer: prometheus.NewRegistry(),
		Clock:      rt.clock,
		Gateway:    rt.gateway,
	})
	if err != nil {
		return err
	}
	return components.Cron.RunOnce(ctx)
}
