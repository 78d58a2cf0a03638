package gateway

import (
	"context"
	"errors"
	"time"
)

type timeoutGateway struct {
	next    Gateway
	timeout time.Duration
}

// WithTimeout bounds every collection call. A call that runs past the
// deadline is reported as a Timeout failure even when the wrapped gateway
// ignores the context.
func WithTimeout(next Gateway, timeout time.Duration) Gateway {
	if timeout <= 0 {
		return next
	}
	return &timeoutGateway{next: next, timeout: timeout}
}

type collectOutcome struct {
	result CollectionResult
	err    error
}

func (g *timeoutGateway) CollectPayment(ctx context.Context, req CollectionRequest) (CollectionResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	done := make(chan collectOutcome, 1)
	go func() {
		result, err := g.next.CollectPayment(callCtx, req)
		done <- collectOutcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return CollectionResult{}, &Failure{Code: CodeTimeout, Reason: out.err.Error()}
		}
		return out.result, out.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return CollectionResult{}, ctx.Err()
		}
		return CollectionResult{}, &Failure{Code: CodeTimeout, Reason: "gateway call exceeded " + g.timeout.String()}
	}
}
