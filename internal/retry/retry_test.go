package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	smithyhttp "github.com/aws/smithy-go/transport/http"
)

type fakeClient struct{ name string }

// newTestExecutor returns an executor that records waits instead of sleeping.
func newTestExecutor(attempts int) (*Executor[*fakeClient], *[]time.Duration) {
	e := NewExecutor(&fakeClient{name: "c"}, attempts)
	var waits []time.Duration
	e.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return ctx.Err()
	}
	e.jitter = func() time.Duration { return 250 * time.Millisecond }
	return e, &waits
}

func poolTimeout() error {
	return &smithyhttp.RequestSendError{Err: fmt.Errorf("acquire: %w", ErrConnectionPoolTimeout)}
}

func TestExecuteSucceedsFirstTry(t *testing.T) {
	e, waits := newTestExecutor(3)
	calls := 0
	got, err := ExecuteFunc(context.Background(), e, func(ctx context.Context, c *fakeClient) (string, error) {
		calls++
		return c.name, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "c" || calls != 1 || len(*waits) != 0 {
		t.Fatalf("got %q calls=%d waits=%v", got, calls, *waits)
	}
}

func TestExecuteRetriesPoolTimeout(t *testing.T) {
	e, waits := newTestExecutor(3)
	var retries []int
	e.OnRetry = func(retry int, err error) { retries = append(retries, retry) }
	calls := 0
	got, err := ExecuteFunc(context.Background(), e, func(ctx context.Context, c *fakeClient) (int, error) {
		calls++
		if calls < 3 {
			return 0, poolTimeout()
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 42 || calls != 3 {
		t.Fatalf("got %d after %d calls", got, calls)
	}
	want := []time.Duration{1250 * time.Millisecond, 2250 * time.Millisecond}
	if len(*waits) != len(want) {
		t.Fatalf("waits = %v, want %v", *waits, want)
	}
	for i := range want {
		if (*waits)[i] != want[i] {
			t.Errorf("wait %d = %v, want %v", i, (*waits)[i], want[i])
		}
	}
	if len(retries) != 2 || retries[0] != 1 || retries[1] != 2 {
		t.Errorf("retries = %v", retries)
	}
}

func TestExecuteGivesUpAfterAttempts(t *testing.T) {
	e, waits := newTestExecutor(2)
	calls := 0
	err := ExecuteVoid(context.Background(), e, func(ctx context.Context, c *fakeClient) error {
		calls++
		return poolTimeout()
	})
	if !errors.Is(err, ErrConnectionPoolTimeout) {
		t.Fatalf("expected pool timeout, got %v", err)
	}
	if calls != 2 || len(*waits) != 1 {
		t.Fatalf("calls=%d waits=%d", calls, len(*waits))
	}
}

func TestExecuteDoesNotRetryOtherErrors(t *testing.T) {
	e, waits := newTestExecutor(5)
	boom := errors.New("access denied")
	calls := 0
	err := ExecuteVoid(context.Background(), e, func(ctx context.Context, c *fakeClient) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) || calls != 1 || len(*waits) != 0 {
		t.Fatalf("err=%v calls=%d waits=%d", err, calls, len(*waits))
	}
}

func TestNonPositiveAttemptsNormalised(t *testing.T) {
	for _, n := range []int{0, -3} {
		e, _ := newTestExecutor(n)
		if e.Attempts() != 1 {
			t.Errorf("NewExecutor(%d).Attempts() = %d, want 1", n, e.Attempts())
		}
		calls := 0
		_ = ExecuteVoid(context.Background(), e, func(ctx context.Context, c *fakeClient) error {
			calls++
			return poolTimeout()
		})
		if calls != 1 {
			t.Errorf("attempts=%d made %d calls, want 1", n, calls)
		}
	}
}

func TestExecuteStopsWhenContextDone(t *testing.T) {
	e, _ := newTestExecutor(5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := ExecuteVoid(ctx, e, func(ctx context.Context, c *fakeClient) error {
		calls++
		return poolTimeout()
	})
	if err == nil || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestIsConnectionPoolTimeout(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"send error", poolTimeout(), true},
		{"wrapped send error", fmt.Errorf("operation PutObject: %w", poolTimeout()), true},
		{"bare sentinel", ErrConnectionPoolTimeout, true},
		{"send error other cause", &smithyhttp.RequestSendError{Err: errors.New("connection reset")}, false},
		{"unrelated", errors.New("nope"), false},
	}
	for _, tc := range tests {
		if got := IsConnectionPoolTimeout(tc.err); got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestParkHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := park(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("park returned %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("park did not return promptly on a cancelled context")
	}
	if err := park(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("park returned %v", err)
	}
}
