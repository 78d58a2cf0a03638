package billing

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// DefaultRetryDelay is the wait before re-attempting a failed collection.
const DefaultRetryDelay = 8 * time.Hour

// BackoffPolicy maps the retry count reached after a failure to the delay
// before the next attempt. Implementations must be non-decreasing in
// retryCount.
type BackoffPolicy interface {
	Delay(retryCount int) time.Duration
}

// FixedBackoff waits the same duration after every failure.
type FixedBackoff struct {
	Interval time.Duration
}

func (f FixedBackoff) Delay(int) time.Duration {
	if f.Interval < 0 {
		return 0
	}
	return f.Interval
}

// ExponentialBackoff doubles Base for every retry, capped at Max. Without a
// Max the delay saturates at the largest time.Duration.
type ExponentialBackoff struct {
	Base time.Duration
	Max  time.Duration
}

func (e ExponentialBackoff) Delay(retryCount int) time.Duration {
	if e.Base <= 0 {
		return 0
	}
	if retryCount < 1 {
		retryCount = 1
	}
	delay := e.Base
	for i := 1; i < retryCount; i++ {
		if e.Max > 0 && delay >= e.Max {
			break
		}
		if delay > math.MaxInt64/2 {
			return time.Duration(math.MaxInt64)
		}
		delay *= 2
	}
	if e.Max > 0 && delay > e.Max {
		return e.Max
	}
	return delay
}

// NewBackoffPolicy builds a policy by name ("fixed" or "exponential").
func NewBackoffPolicy(name string, base, max time.Duration) (BackoffPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "fixed":
		return FixedBackoff{Interval: base}, nil
	case "exponential":
		return ExponentialBackoff{Base: base, Max: max}, nil
	default:
		return nil, fmt.Errorf("unknown backoff policy %q", name)
	}
}
