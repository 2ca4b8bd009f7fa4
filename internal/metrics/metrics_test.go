package metrics_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"

	"github.com/panamax-rs/panamax/internal/logging"
	"github.com/panamax-rs/panamax/internal/metrics"
)

func TestMetricsClient(t *testing.T) {
	ctx := context.Background()
	_, ctx = logging.Configure(ctx, logging.Config{})

	client, err := metrics.New(ctx, metrics.Config{
		ServiceName: "panamax",
		Port:        9102,
	})
	assert.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	client.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	assert.NoError(t, client.Close())
}

func TestMetricsDedicatedServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, ctx = logging.Configure(ctx, logging.Config{})

	client, err := metrics.New(ctx, metrics.Config{
		ServiceName: "panamax-test",
		Port:        9103,
	})
	assert.NoError(t, err)
	defer client.Close()

	assert.NoError(t, client.ServeMetrics(ctx))
}

func TestOperationMetricsRecordsWithoutPanic(t *testing.T) {
	ctx := context.Background()
	_, ctx = logging.Configure(ctx, logging.Config{})

	ops, err := metrics.NewOperationMetrics()
	assert.NoError(t, err)

	ops.RecordOperation(ctx, "download.archive", "success", 10*time.Millisecond)
	ops.RecordCount(ctx, "gateway.request", 1)

	ctx = metrics.ContextWithOperations(ctx, ops)
	assert.Equal(t, ops, metrics.FromContext(ctx))
}
