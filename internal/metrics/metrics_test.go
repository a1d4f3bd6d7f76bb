package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorders(t *testing.T) {
	m := NewMetrics("shoptraffic", prometheus.NewRegistry())

	m.RecordClick("mechanic", "accepted")
	m.RecordClick("mechanic", "accepted")
	m.RecordClick("mechanic", "duplicate")
	m.RecordPageView(true)
	m.RecordDedup(true)
	m.RecordDedup(false)
	m.RecordDedup(false)
	m.RecordCodeAttempts(2)
	m.RecordStoreLatency("append_click", 3*time.Millisecond)
	m.RecordMirrorDrop()
	m.RecordRateLimitHit("/mechanics/{id}/click")
	m.RecordDedupFallback()
	m.RecordPanic("POST")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Clicks.WithLabelValues("mechanic", "accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Clicks.WithLabelValues("mechanic", "duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PageViews.WithLabelValues("true")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DedupAdmissions.WithLabelValues("rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MirrorDropped))
	assert.Equal(t, 1, testutil.CollectAndCount(m.CodeAttempts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DedupFallbacks))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Panics.WithLabelValues("POST")))
}

func TestSeparateRegistries(t *testing.T) {
	// each instance owns its registry, so tests can build as many as they like
	assert.NotPanics(t, func() {
		NewMetrics("shoptraffic", prometheus.NewRegistry())
		NewMetrics("shoptraffic", prometheus.NewRegistry())
	})
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := NewMetrics("shoptraffic", prometheus.NewRegistry())
	m.RecordHTTPRequest("GET", 200)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `shoptraffic_http_requests_total{method="GET",status="200"} 1`)
}
