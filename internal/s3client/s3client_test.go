package s3client

import (
	"context"
	"encoding/pem"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/bleepstore/s3filestore/internal/config"
	"github.com/bleepstore/s3filestore/internal/retry"
)

func serveHello(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodHead:
		w.Header().Set("Content-Length", "5")
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, "hello")
	default:
		w.WriteHeader(http.StatusOK)
	}
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(serveHello))
	t.Cleanup(srv.Close)
	return srv
}

func testOptions(endpoint string) Options {
	return Options{
		Region:      "us-east-1",
		Endpoint:    endpoint,
		PathStyle:   true,
		AccessKey:   "AKIDEXAMPLE",
		SecretKey:   "secret",
		MaxAttempts: 1,
	}
}

func headOther(ctx context.Context, client *s3.Client) (*s3.HeadObjectOutput, error) {
	return client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String("test-bucket"),
		Key:    aws.String("p/other"),
	})
}

func TestPoolTransportTimesOut(t *testing.T) {
	srv := newTestServer(t)
	pool := NewPoolTransport(http.DefaultTransport, 1, 50*time.Millisecond)
	client := &http.Client{Transport: pool}

	first, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("first request failed: %v", err)
	}

	_, err = client.Get(srv.URL)
	if !errors.Is(err, retry.ErrConnectionPoolTimeout) {
		t.Fatalf("second request error = %v, want pool timeout", err)
	}

	first.Body.Close()
	first.Body.Close()

	second, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("request after release failed: %v", err)
	}
	body, _ := io.ReadAll(second.Body)
	if string(body) != "hello" {
		t.Fatalf("body = %q", body)
	}
	// Draining the body returns the slot even without Close.
	third, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("request after drain failed: %v", err)
	}
	third.Body.Close()
	second.Body.Close()
}

func TestPoolTransportHonoursContext(t *testing.T) {
	srv := newTestServer(t)
	pool := NewPoolTransport(http.DefaultTransport, 1, time.Minute)
	client := &http.Client{Transport: pool}

	first, err := client.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer first.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	_, err = client.Do(req)
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, retry.ErrConnectionPoolTimeout) {
		t.Fatal("cancelled context must not look like a pool timeout")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want deadline exceeded", err)
	}
}

func TestNewClientPoolTimeoutIsRetryable(t *testing.T) {
	srv := newTestServer(t)
	client, err := New(context.Background(), Options{
		Region:                "us-east-1",
		Endpoint:              srv.URL,
		PathStyle:             true,
		AccessKey:             "AKIDEXAMPLE",
		SecretKey:             "secret",
		MaxConnections:        1,
		ConnectionPoolTimeout: 50 * time.Millisecond,
		MaxAttempts:           1,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx := context.Background()
	held, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String("test-bucket"),
		Key:    aws.String("p/held"),
	})
	if err != nil {
		t.Fatalf("GetObject failed: %v", err)
	}

	_, err = client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String("test-bucket"),
		Key:    aws.String("p/other"),
	})
	if err == nil {
		t.Fatal("expected pool timeout while the body is held")
	}
	if !retry.IsConnectionPoolTimeout(err) {
		t.Fatalf("error %v is not classified as a pool timeout", err)
	}

	held.Body.Close()
	head, err := client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String("test-bucket"),
		Key:    aws.String("p/other"),
	})
	if err != nil {
		t.Fatalf("HeadObject after release failed: %v", err)
	}
	if aws.ToInt64(head.ContentLength) != 5 {
		t.Fatalf("ContentLength = %d", aws.ToInt64(head.ContentLength))
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default().S3
	cfg.Endpoint = "http://localhost:9000"
	cfg.PathStyle = true
	opts := OptionsFromConfig(cfg)
	if opts.Region != "us-east-1" || opts.Endpoint != cfg.Endpoint || !opts.PathStyle {
		t.Fatalf("options = %+v", opts)
	}
	if opts.MaxConnections != cfg.MaxConnections || opts.ConnectionPoolTimeout != cfg.ConnectionPoolTimeout {
		t.Fatalf("pool options = %+v", opts)
	}
	if !strings.HasPrefix(opts.Endpoint, "http://") {
		t.Fatal("endpoint lost")
	}

	cfg.ConnectTimeout = 2 * time.Second
	cfg.ReadTimeout = 30 * time.Second
	opts = OptionsFromConfig(cfg)
	if opts.ConnectTimeout != 2*time.Second || opts.ReadTimeout != 30*time.Second {
		t.Fatalf("timeouts = %v, %v", opts.ConnectTimeout, opts.ReadTimeout)
	}
}

func TestNewTrustsCABundle(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(serveHello))
	t.Cleanup(srv.Close)

	bundle := filepath.Join(t.TempDir(), "ca.pem")
	cert := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})
	if err := os.WriteFile(bundle, cert, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AWS_CA_BUNDLE", bundle)

	for _, maxConns := range []int{0, 4} {
		opts := testOptions(srv.URL)
		opts.MaxConnections = maxConns
		opts.ConnectionPoolTimeout = time.Second
		client, err := New(context.Background(), opts)
		if err != nil {
			t.Fatalf("New with max_connections=%d failed: %v", maxConns, err)
		}
		// The self-signed server is only trusted through the bundle.
		head, err := headOther(context.Background(), client)
		if err != nil {
			t.Fatalf("HeadObject with max_connections=%d failed: %v", maxConns, err)
		}
		if aws.ToInt64(head.ContentLength) != 5 {
			t.Fatalf("ContentLength = %d", aws.ToInt64(head.ContentLength))
		}
	}
}

func TestNewAppliesReadTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	opts := testOptions(srv.URL)
	opts.MaxConnections = 2
	opts.ReadTimeout = 50 * time.Millisecond
	opts.ConnectTimeout = time.Second
	client, err := New(context.Background(), opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	if _, err := headOther(ctx, client); err == nil {
		t.Fatal("expected a response header timeout")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("request took %v, read timeout not applied", elapsed)
	}
}
