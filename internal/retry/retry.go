// Package retry executes object store operations with bounded retries on
// connection-pool timeouts.
//
// Only the connection-pool-timeout failure class is retried: the request
// never left the client, so repeating it is always safe. Every other error
// is returned to the caller immediately.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// ErrConnectionPoolTimeout is returned by the transport when no connection
// slot became available in time.
var ErrConnectionPoolTimeout = errors.New("timeout waiting for connection from pool")

// Op is a unit of work against a store client handle of type C.
type Op[C, R any] interface {
	Do(ctx context.Context, client C) (R, error)
}

// OpFunc adapts a function to the Op interface.
type OpFunc[C, R any] func(ctx context.Context, client C) (R, error)

// Do calls f(ctx, client).
func (f OpFunc[C, R]) Do(ctx context.Context, client C) (R, error) {
	return f(ctx, client)
}

// Executor runs operations against a client with a maximum attempt count.
type Executor[C any] struct {
	client   C
	attempts int

	// OnRetry, if set, is called before every retry with the 1-based retry
	// number and the error that triggered it.
	OnRetry func(retry int, err error)

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() time.Duration
}

// NewExecutor returns an Executor making at most attempts calls per
// operation. Values below one are normalised to a single attempt.
func NewExecutor[C any](client C, attempts int) *Executor[C] {
	if attempts <= 0 {
		attempts = 1
	}
	return &Executor[C]{
		client:   client,
		attempts: attempts,
		sleep:    park,
		jitter:   func() time.Duration { return time.Duration(rand.Int64N(1000)) * time.Millisecond },
	}
}

// Client returns the client handle operations are executed against.
func (e *Executor[C]) Client() C {
	return e.client
}

// Attempts returns the maximum number of attempts per operation.
func (e *Executor[C]) Attempts() int {
	return e.attempts
}

// Backoff returns the wait before the k-th retry: k seconds plus the jitter.
func (e *Executor[C]) Backoff(k int) time.Duration {
	return time.Duration(k)*time.Second + e.jitter()
}

// Execute runs op, retrying connection-pool timeouts with linear backoff.
func Execute[C, R any](ctx context.Context, e *Executor[C], op Op[C, R]) (R, error) {
	var zero R
	for attempt := 1; ; attempt++ {
		result, err := op.Do(ctx, e.client)
		if err == nil {
			return result, nil
		}
		if attempt >= e.attempts || !IsConnectionPoolTimeout(err) {
			return zero, err
		}
		if e.OnRetry != nil {
			e.OnRetry(attempt, err)
		}
		if serr := e.sleep(ctx, e.Backoff(attempt)); serr != nil {
			return zero, err
		}
	}
}

// ExecuteFunc is Execute for a plain function.
func ExecuteFunc[C, R any](ctx context.Context, e *Executor[C], fn func(ctx context.Context, client C) (R, error)) (R, error) {
	return Execute[C, R](ctx, e, OpFunc[C, R](fn))
}

// ExecuteVoid runs an operation that produces no result.
func ExecuteVoid[C any](ctx context.Context, e *Executor[C], fn func(ctx context.Context, client C) error) error {
	_, err := Execute[C, struct{}](ctx, e, OpFunc[C, struct{}](func(ctx context.Context, client C) (struct{}, error) {
		return struct{}{}, fn(ctx, client)
	}))
	return err
}

// IsConnectionPoolTimeout reports whether err is the retryable pool-timeout
// signature: ErrConnectionPoolTimeout raised while sending a request, as
// reported by the SDK's client-side send error, or returned directly by an
// injected client.
func IsConnectionPoolTimeout(err error) bool {
	if !errors.Is(err, ErrConnectionPoolTimeout) {
		return false
	}
	var sendErr *smithyhttp.RequestSendError
	if errors.As(err, &sendErr) {
		return errors.Is(sendErr.Err, ErrConnectionPoolTimeout)
	}
	return true
}

// park blocks the calling goroutine for d or until ctx is done.
func park(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
