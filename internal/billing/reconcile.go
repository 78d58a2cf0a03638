package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/angelmondragon/chainbill/internal/subscriptions"
	"github.com/angelmondragon/chainbill/pkg/redis"
)

// ReconciliationEntry is a collected payment whose state write could not be
// confirmed. Replaying Transition records the charge.
type ReconciliationEntry struct {
	Transition subscriptions.Transition `json:"transition"`
	Reason     string                   `json:"reason"`
	QueuedAt   int64                    `json:"queued_at"`
	Attempts   int                      `json:"attempts"`
}

// ReconciliationQueue holds charges awaiting a durable state write. While an
// entry is pending for a subscription the engine will not bill it again.
type ReconciliationQueue interface {
	Enqueue(ctx context.Context, entry ReconciliationEntry) error
	Pending(ctx context.Context, subscriptionID int64) (bool, error)
	// Next pops the oldest entry. It returns nil, nil when the queue is empty.
	Next(ctx context.Context) (*ReconciliationEntry, error)
	Requeue(ctx context.Context, entry ReconciliationEntry) error
	Resolve(ctx context.Context, subscriptionID int64) error
}

type queueStore interface {
	PushWithMarker(ctx context.Context, markerKey, listKey string, value any) error
	RPush(ctx context.Context, key string, values ...any) error
	LPop(ctx context.Context, key string) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
	Del(ctx context.Context, keys ...string) error
	ReconcileQueueKey() string
	ReconcileMarkerKey(subscriptionID int64) string
}

// RedisReconciliationQueue keeps entries in a Redis list plus one marker key
// per subscription.
type RedisReconciliationQueue struct {
	store queueStore
}

// NewRedisReconciliationQueue constructs the Redis-backed queue.
func NewRedisReconciliationQueue(store queueStore) (*RedisReconciliationQueue, error) {
	if store == nil {
		return nil, errors.New("redis client required for reconciliation queue")
	}
	return &RedisReconciliationQueue{store: store}, nil
}

func (q *RedisReconciliationQueue) Enqueue(ctx context.Context, entry ReconciliationEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode reconciliation entry: %w", err)
	}
	marker := q.store.ReconcileMarkerKey(entry.Transition.SubscriptionID)
	if err := q.store.PushWithMarker(ctx, marker, q.store.ReconcileQueueKey(), payload); err != nil {
		return fmt.Errorf("enqueue reconciliation entry: %w", err)
	}
	return nil
}

func (q *RedisReconciliationQueue) Pending(ctx context.Context, subscriptionID int64) (bool, error) {
	return q.store.Exists(ctx, q.store.ReconcileMarkerKey(subscriptionID))
}

func (q *RedisReconciliationQueue) Next(ctx context.Context) (*ReconciliationEntry, error) {
	raw, err := q.store.LPop(ctx, q.store.ReconcileQueueKey())
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("pop reconciliation entry: %w", err)
	}
	var entry ReconciliationEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("decode reconciliation entry: %w", err)
	}
	return &entry, nil
}

func (q *RedisReconciliationQueue) Requeue(ctx context.Context, entry ReconciliationEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode reconciliation entry: %w", err)
	}
	if err := q.store.RPush(ctx, q.store.ReconcileQueueKey(), payload); err != nil {
		return fmt.Errorf("requeue reconciliation entry: %w", err)
	}
	return nil
}

func (q *RedisReconciliationQueue) Resolve(ctx context.Context, subscriptionID int64) error {
	return q.store.Del(ctx, q.store.ReconcileMarkerKey(subscriptionID))
}

// MemoryReconciliationQueue is a process-local queue for single-shot runs
// and tests.
type MemoryReconciliationQueue struct {
	mu      sync.Mutex
	entries []ReconciliationEntry
	pending map[int64]struct{}
}

func NewMemoryReconciliationQueue() *MemoryReconciliationQueue {
	return &MemoryReconciliationQueue{pending: make(map[int64]struct{})}
}

func (q *MemoryReconciliationQueue) Enqueue(_ context.Context, entry ReconciliationEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, entry)
	q.pending[entry.Transition.SubscriptionID] = struct{}{}
	return nil
}

func (q *MemoryReconciliationQueue) Pending(_ context.Context, subscriptionID int64) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.pending[subscriptionID]
	return ok, nil
}

func (q *MemoryReconciliationQueue) Next(context.Context) (*ReconciliationEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return nil, nil
	}
	entry := q.entries[0]
	q.entries = q.entries[1:]
	return &entry, nil
}

func (q *MemoryReconciliationQueue) Requeue(_ context.Context, entry ReconciliationEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, entry)
	return nil
}

func (q *MemoryReconciliationQueue) Resolve(_ context.Context, subscriptionID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, subscriptionID)
	return nil
}

// Len reports the number of queued entries.
func (q *MemoryReconciliationQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
