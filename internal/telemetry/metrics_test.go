package telemetry

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	ctx := context.Background()

	assert.NotPanics(t, func() {
		m.RecordPublished(ctx)
		m.RecordFailed(ctx, "terminal")
		m.RecordJob(ctx, "post:publish", "ok")
		m.RecordPlatformRequest(ctx, "POST", 201, 0.2)
		m.RecordTokenRefresh(ctx, true)
		m.RecordMediaFailure(ctx)
		m.RecordCollection(ctx, "ok")
		m.RecordCircuitBreakerState("platform", "open")
	})
}

func TestInitMetricsServesPrometheus(t *testing.T) {
	m, handler, err := InitMetrics("social-publisher-test")
	require.NoError(t, err)

	m.RecordPublished(context.Background())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, string(body), "posts_published_total")
}
