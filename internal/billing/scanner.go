package billing

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"

	"github.com/angelmondragon/chainbill/pkg/db/models"
)

const defaultBatchSize = 250

type dueLister interface {
	ListDue(ctx context.Context, now int64, limit int) ([]models.Subscription, error)
}

// ScannerParams configure the due-payment scanner.
type ScannerParams struct {
	Store     dueLister
	Clock     clockwork.Clock
	BatchSize int
}

// Scanner selects the subscriptions due for one tick.
type Scanner struct {
	store     dueLister
	clock     clockwork.Clock
	batchSize int
}

// NewScanner builds a scanner.
func NewScanner(params ScannerParams) (*Scanner, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("subscription store required")
	}
	clock := params.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	return &Scanner{store: params.Store, clock: clock, batchSize: batch}, nil
}

// Scan returns billable subscriptions whose next billing time has passed,
// oldest first. It only reads.
func (s *Scanner) Scan(ctx context.Context) ([]models.Subscription, error) {
	return s.store.ListDue(ctx, s.clock.Now().Unix(), s.batchSize)
}
