package core

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"
)

// DefaultGracePeriod is how long an operation gets to acknowledge
// cancellation before WithDeadline gives up on it.
const DefaultGracePeriod = 10 * time.Second

// WithDeadline runs op under a deadline of d, composed with any deadline
// already on ctx (the earlier one wins). A non-positive d adds no bound of its
// own. When the deadline fires, op's context is cancelled and op gets grace to
// return; if it does not, WithDeadline returns without it and reports a forced
// timeout. Callers that own resources touched by op must release them after
// a forced timeout. A panic in op is returned as an *InternalFault.
func WithDeadline[T any](ctx context.Context, d, grace time.Duration, op func(context.Context) (T, error)) (T, error) {
	var zero T
	start := time.Now()

	opCtx, cancel := ctx, context.CancelFunc(func() {})
	if d > 0 {
		opCtx, cancel = context.WithTimeout(ctx, d)
	}
	defer cancel()

	if err := opCtx.Err(); err != nil {
		return zero, classifyCtxErr(opCtx, time.Since(start), false)
	}

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: &InternalFault{Value: r, Stack: debug.Stack()}}
			}
		}()
		v, err := op(opCtx)
		done <- result{val: v, err: err}
	}()

	select {
	case r := <-done:
		// The operation may have returned because it observed cancellation.
		if r.err != nil && opCtx.Err() != nil && !isInternal(r.err) {
			return zero, classifyCtxErr(opCtx, time.Since(start), false)
		}
		return r.val, r.err
	case <-opCtx.Done():
	}

	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case r := <-done:
		if isInternal(r.err) {
			return zero, r.err
		}
		return zero, classifyCtxErr(opCtx, time.Since(start), false)
	case <-timer.C:
		return zero, classifyCtxErr(opCtx, time.Since(start), true)
	}
}

// classifyCtxErr maps a finished context to TimeoutError for deadline expiry
// or ErrCancelled for explicit cancellation.
func classifyCtxErr(ctx context.Context, elapsed time.Duration, forced bool) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{After: elapsed.Round(time.Millisecond), Forced: forced}
	}
	if forced {
		return fmt.Errorf("%w: operation did not stop within grace period", ErrCancelled)
	}
	return ErrCancelled
}

func isInternal(err error) bool {
	var fault *InternalFault
	return errors.As(err, &fault)
}
