// Package deadline bounds individual platform calls with a hard timeout and
// makes them honour the caller's cancellation even when the call itself does
// not watch its context.
package deadline

import (
	"context"
	"errors"
	"time"

	"github.com/pitabwire/bpfstage/model"
)

// DefaultTimeout is the budget for a single platform call.
const DefaultTimeout = 30 * time.Second

// Run executes call and races it against a timer of the given duration and
// against ctx. A timeout yields a BACKEND_TIMEOUT error and a cancelled ctx a
// REQUEST_CANCELLED error; an already-cancelled ctx fails before call starts.
// The timer is always stopped and the context passed to call is always
// cancelled when Run returns.
func Run[T any](ctx context.Context, timeout time.Duration, call func(context.Context) (T, error)) (T, error) {
	var zero T
	if ctx.Err() != nil {
		return zero, Err(ctx)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	type outcome struct {
		value T
		err   error
	}
	// Buffered so an abandoned call can always deliver and exit.
	done := make(chan outcome, 1)
	go func() {
		v, err := call(callCtx)
		done <- outcome{value: v, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil && ctx.Err() != nil {
			return zero, Err(ctx)
		}
		return o.value, o.err
	case <-timer.C:
		return zero, model.NewBackendTimeoutError()
	case <-ctx.Done():
		return zero, Err(ctx)
	}
}

// Err maps a finished context to the error taxonomy: an expired deadline is
// a timeout, anything else a cancellation. It returns nil while ctx is live.
func Err(ctx context.Context) error {
	switch err := ctx.Err(); {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return model.NewBackendTimeoutError()
	default:
		return model.NewCancelledError()
	}
}
