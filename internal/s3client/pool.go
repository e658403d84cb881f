package s3client

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/bleepstore/s3filestore/internal/retry"
)

// PoolTransport bounds the number of in-flight requests. A request holds its
// slot until the response body is closed or fully read; a request that
// cannot get a slot within the timeout fails with
// retry.ErrConnectionPoolTimeout without reaching the network.
type PoolTransport struct {
	base    http.RoundTripper
	slots   *semaphore.Weighted
	timeout time.Duration
}

// NewPoolTransport wraps base with a pool of size slots. A non-positive
// timeout waits as long as the request context allows.
func NewPoolTransport(base http.RoundTripper, size int, timeout time.Duration) *PoolTransport {
	return &PoolTransport{
		base:    base,
		slots:   semaphore.NewWeighted(int64(size)),
		timeout: timeout,
	}
}

// RoundTrip implements http.RoundTripper.
func (t *PoolTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.acquire(req.Context()); err != nil {
		return nil, err
	}
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		t.slots.Release(1)
		return nil, err
	}
	if resp.Body == nil {
		resp.Body = http.NoBody
	}
	resp.Body = &slotBody{
		ReadCloser: resp.Body,
		release:    sync.OnceFunc(func() { t.slots.Release(1) }),
	}
	return resp, nil
}

func (t *PoolTransport) acquire(ctx context.Context) error {
	waitCtx := ctx
	if t.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	if err := t.slots.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return retry.ErrConnectionPoolTimeout
	}
	return nil
}

// slotBody returns the pool slot once the body is drained or closed.
type slotBody struct {
	io.ReadCloser
	release func()
}

func (b *slotBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err == io.EOF {
		b.release()
	}
	return n, err
}

func (b *slotBody) Close() error {
	err := b.ReadCloser.Close()
	b.release()
	return err
}
