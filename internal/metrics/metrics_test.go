package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/health", "/health"},
		{"/docs", "/docs"},
		{"/docs/something", "/docs"},
		{"/metrics", "/metrics"},
		{"/openapi.json", "/openapi.json"},
		{"/openapi.yaml", "/openapi"},
		{"/", "/"},
		{"", "/"},
		{"/files", "/files"},
		{"/files/delete", "/files/delete"},
		{"/files/abc", "/files/{name}"},
		{"/files/abc/meta", "/files/{name}/meta"},
		{"/files/abc/truncate", "/files/{name}/truncate"},
		{"/files/", "/other"},
		{"/elsewhere", "/other"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := NormalizePath(tt.path)
			if got != tt.want {
				t.Errorf("NormalizePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestMetricsRegistered(t *testing.T) {
	Register()
	Register()

	HTTPRequestsTotal.WithLabelValues("GET", "/health", "200").Inc()
	HTTPRequestDuration.WithLabelValues("GET", "/health").Observe(0.001)
	HTTPResponseSize.WithLabelValues("GET", "/files/{name}").Observe(2048)
	RetriesTotal.Inc()
	MultipartAbortsTotal.Inc()
	StrategyTotal.WithLabelValues("AppendToFile", "copy-part").Inc()
	BytesUploadedTotal.Add(1024)
}

func TestObserveOperation(t *testing.T) {
	before := testutil.ToFloat64(OperationsTotal.WithLabelValues("GetFile", "error"))
	ObserveOperation("GetFile", time.Now(), errors.New("boom"))
	after := testutil.ToFloat64(OperationsTotal.WithLabelValues("GetFile", "error"))
	if after != before+1 {
		t.Fatalf("error counter = %v, want %v", after, before+1)
	}
	okBefore := testutil.ToFloat64(OperationsTotal.WithLabelValues("GetFile", "success"))
	ObserveOperation("GetFile", time.Now(), nil)
	if got := testutil.ToFloat64(OperationsTotal.WithLabelValues("GetFile", "success")); got != okBefore+1 {
		t.Fatalf("success counter = %v, want %v", got, okBefore+1)
	}
}
