package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/radiusdt/shoptraffic/internal/config"
	"github.com/radiusdt/shoptraffic/internal/metrics"
	"github.com/radiusdt/shoptraffic/internal/models"
	"github.com/radiusdt/shoptraffic/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const browserUA = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15"

func testConfig() *config.Config {
	return &config.Config{
		Server:  config.ServerConfig{Env: "test"},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
		Tracking: config.TrackingConfig{
			MechanicDedupWindow: 10 * time.Second,
			DedupCapacity:       1000,
			DedupBackend:        config.DedupBackendMemory,
			StoreTimeout:        time.Second,
			CodeLength:          6,
			CodeAttempts:        10,
		},
		Reporting: config.ReportingConfig{
			Timezone:      "UTC",
			DailyCap:      30,
			DefaultLimit:  5,
			MaxLimit:      100,
			DefaultDays:   7,
			DefaultMonths: 12,
		},
	}
}

type testServer struct {
	handler http.Handler
	store   *storage.InMemoryStore
}

func newTestServer(t *testing.T, store storage.Store) http.Handler {
	t.Helper()
	h, err := NewServer(&Dependencies{
		Store:   store,
		Config:  testConfig(),
		Logger:  zaptest.NewLogger(t),
		Metrics: metrics.NewMetrics("test", prometheus.NewRegistry()),
	})
	require.NoError(t, err)
	return h
}

func setup(t *testing.T) *testServer {
	t.Helper()
	store := storage.NewInMemoryStore()
	store.PutMechanic(&models.Mechanic{ID: 42, Name: "Speedy Repair", IsActive: true})
	store.PutMechanic(&models.Mechanic{ID: 7, Name: "Closed Garage", IsActive: false})
	return &testServer{handler: newTestServer(t, store), store: store}
}

type request struct {
	method, path, body, ua, ip string
}

func (ts *testServer) do(t *testing.T, req request) *httptest.ResponseRecorder {
	return serve(t, ts.handler, req)
}

func serve(t *testing.T, h http.Handler, req request) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(req.method, req.path, strings.NewReader(req.body))
	if req.ua != "" {
		r.Header.Set("User-Agent", req.ua)
	}
	if req.ip != "" {
		r.Header.Set("X-Forwarded-For", req.ip)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestMechanicClickEndpoint(t *testing.T) {
	ts := setup(t)

	rec := ts.do(t, request{method: "POST", path: "/mechanics/42/click", ua: browserUA, ip: "203.0.113.1"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["accepted"])
	assert.Equal(t, "accepted", body["outcome"])
	assert.Equal(t, 1.0, body["newCount"])

	rec = ts.do(t, request{method: "POST", path: "/mechanics/42/click", ua: browserUA, ip: "203.0.113.1"})
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, false, body["accepted"])
	assert.Equal(t, "duplicate", body["outcome"])
	assert.NotContains(t, body, "newCount")

	rec = ts.do(t, request{method: "POST", path: "/mechanics/42/click", ua: browserUA, ip: "203.0.113.2"})
	assert.Equal(t, 2.0, decode(t, rec)["newCount"])
}

func TestMechanicClickErrors(t *testing.T) {
	ts := setup(t)

	tests := []struct {
		name string
		req  request
		code int
		msg  string
	}{
		{"missing user agent", request{method: "POST", path: "/mechanics/42/click"}, http.StatusBadRequest, "missing required signal: user agent"},
		{"unknown mechanic", request{method: "POST", path: "/mechanics/999/click", ua: browserUA}, http.StatusNotFound, "not found"},
		{"inactive mechanic", request{method: "POST", path: "/mechanics/7/click", ua: browserUA}, http.StatusNotFound, "not found"},
		{"bad id", request{method: "POST", path: "/mechanics/abc/click", ua: browserUA}, http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, tt.req)
			assert.Equal(t, tt.code, rec.Code)
			if tt.msg != "" {
				assert.Equal(t, tt.msg, decode(t, rec)["error"])
			}
		})
	}

	n, err := ts.store.CountEvents(context.Background(), storage.EventFilter{IncludeSuppressed: true})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTrackingLinkLifecycle(t *testing.T) {
	ts := setup(t)

	rec := ts.do(t, request{method: "POST", path: "/tracking-links", body: `{"name":"spring","targetUrl":"https://example.com/spring"}`})
	require.Equal(t, http.StatusCreated, rec.Code)
	var link models.TrackingLink
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &link))
	require.Len(t, link.Code, 6)

	rec = ts.do(t, request{method: "POST", path: "/tracking-links/click", body: `{"code":"` + link.Code + `"}`, ua: browserUA, ip: "198.51.100.9"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["accepted"])
	assert.Equal(t, "https://example.com/spring", body["targetUrl"])

	rec = ts.do(t, request{method: "GET", path: "/r/" + link.Code, ua: browserUA, ip: "198.51.100.10"})
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://example.com/spring", rec.Header().Get("Location"))

	rec = ts.do(t, request{method: "POST", path: "/tracking-links/" + link.Code + "/conversions", body: `{"kind":"inquiry"}`})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, request{method: "GET", path: "/tracking-links/" + link.Code + "/summary"})
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decode(t, rec)
	assert.Equal(t, 2.0, summary["uniqueClicks"])
	assert.Equal(t, 50.0, summary["conversionRate"])

	rec = ts.do(t, request{method: "POST", path: "/tracking-links/" + link.Code + "/deactivate"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, request{method: "POST", path: "/tracking-links/click", body: `{"code":"` + link.Code + `"}`, ua: browserUA})
	body = decode(t, rec)
	assert.Equal(t, false, body["accepted"])
	assert.Equal(t, "inactive", body["reason"])
	assert.Equal(t, "https://example.com/spring", body["targetUrl"])

	rec = ts.do(t, request{method: "GET", path: "/r/" + link.Code, ua: browserUA})
	assert.Equal(t, http.StatusFound, rec.Code, "inactive links still redirect")

	rec = ts.do(t, request{method: "GET", path: "/r/zzzzzz", ua: browserUA})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateLinkValidation(t *testing.T) {
	ts := setup(t)

	rec := ts.do(t, request{method: "POST", path: "/tracking-links", body: `{"name":"","targetUrl":"https://example.com"}`})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, request{method: "POST", path: "/tracking-links", body: `not json`})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRedirectWithoutUserAgent(t *testing.T) {
	ts := setup(t)
	require.NoError(t, ts.store.CreateLink(context.Background(), &models.TrackingLink{
		Code: "Spr1ng", Name: "spring", TargetURL: "/mechanics", IsActive: true,
	}))

	rec := ts.do(t, request{method: "GET", path: "/r/Spr1ng"})
	assert.Equal(t, http.StatusFound, rec.Code, "unrecorded visits still redirect")
	assert.Equal(t, "/mechanics", rec.Header().Get("Location"))

	rec = ts.do(t, request{method: "GET", path: "/r/zzzzzz"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not found", decode(t, rec)["error"])
}

func TestLinkListAndUpdate(t *testing.T) {
	ts := setup(t)

	rec := ts.do(t, request{method: "POST", path: "/tracking-links", body: `{"name":"home"}`})
	require.Equal(t, http.StatusCreated, rec.Code)
	var home models.TrackingLink
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &home))
	assert.Equal(t, "/", home.TargetURL)

	rec = ts.do(t, request{method: "POST", path: "/tracking-links", body: `{"name":"promo","targetUrl":"/mechanics/42"}`})
	require.Equal(t, http.StatusCreated, rec.Code)
	var promo models.TrackingLink
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &promo))

	ts.do(t, request{method: "GET", path: "/r/" + promo.Code, ua: browserUA, ip: "198.51.100.1"})

	rec = ts.do(t, request{method: "GET", path: "/tracking-links"})
	require.Equal(t, http.StatusOK, rec.Code)
	var list []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.Equal(t, promo.Code, list[0]["code"])
	assert.Equal(t, 1.0, list[0]["totalClicks"])
	assert.Equal(t, 0.0, list[0]["conversionRate"])
	assert.Equal(t, home.Code, list[1]["code"])

	rec = ts.do(t, request{method: "PATCH", path: "/tracking-links/" + home.Code, body: `{"isActive":false,"targetUrl":"https://example.com/home"}`})
	require.Equal(t, http.StatusOK, rec.Code)
	updated := decode(t, rec)
	assert.Equal(t, false, updated["isActive"])
	assert.Equal(t, "https://example.com/home", updated["targetUrl"])
	assert.Equal(t, "home", updated["name"])

	rec = ts.do(t, request{method: "PATCH", path: "/tracking-links/" + home.Code, body: `{"isActive":true}`})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["isActive"])

	rec = ts.do(t, request{method: "PATCH", path: "/tracking-links/" + home.Code, body: `{"targetUrl":"//evil.example.com"}`})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = ts.do(t, request{method: "PATCH", path: "/tracking-links/" + home.Code, body: `nope`})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = ts.do(t, request{method: "PATCH", path: "/tracking-links/zzzzzz", body: `{"isActive":true}`})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// brokenLog fails every append.
type brokenLog struct {
	*storage.InMemoryStore
}

func (b brokenLog) Append(context.Context, *models.EventLogEntry) error {
	return errors.New("pq: connection refused")
}

func (b brokenLog) AppendWithIncrement(context.Context, *models.EventLogEntry) (int64, error) {
	return 0, errors.New("pq: connection refused")
}

func TestStoreFailuresStayGeneric(t *testing.T) {
	inner := storage.NewInMemoryStore()
	inner.PutMechanic(&models.Mechanic{ID: 42, IsActive: true})
	require.NoError(t, inner.CreateLink(context.Background(), &models.TrackingLink{Code: "Spr1ng", TargetURL: "https://example.com", IsActive: true}))
	h := newTestServer(t, brokenLog{inner})

	rec := serve(t, h, request{method: "POST", path: "/mechanics/42/click", ua: browserUA})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "temporarily unavailable, please try again", decode(t, rec)["error"])
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.NotContains(t, rec.Body.String(), "pq:")

	rec = serve(t, h, request{method: "POST", path: "/tracking-links/click", body: `{"code":"Spr1ng"}`, ua: browserUA})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]interface{}{"accepted": false, "reason": "error"}, decode(t, rec))

	rec = serve(t, h, request{method: "GET", path: "/r/Spr1ng", ua: browserUA})
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://example.com", rec.Header().Get("Location"))
}

func TestPageViewEndpoint(t *testing.T) {
	ts := setup(t)

	rec := ts.do(t, request{method: "POST", path: "/analytics/pageview", body: `{"path":"/mechanics","ref":"Spr1ng"}`, ua: browserUA, ip: "192.0.2.10"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, true, decode(t, rec)["recorded"])

	rec = ts.do(t, request{method: "POST", path: "/analytics/pageview", body: `{"path":"/"}`})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, request{method: "GET", path: "/analytics/referrals"})
	require.Equal(t, http.StatusOK, rec.Code)
	var refs []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &refs))
	require.Len(t, refs, 1)
	assert.Equal(t, "Spr1ng", refs[0]["refCode"])

	rec = ts.do(t, request{method: "GET", path: "/analytics/site?days=7"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, decode(t, rec)["totalPageViews"])
}

func TestAnalyticsEndpoints(t *testing.T) {
	ts := setup(t)
	ts.store.PutMechanic(&models.Mechanic{ID: 43, Name: "Other", IsActive: true})

	for _, ip := range []string{"10.0.0.1", "10.0.0.2"} {
		rec := ts.do(t, request{method: "POST", path: "/mechanics/43/click", ua: browserUA, ip: ip})
		require.Equal(t, http.StatusOK, rec.Code)
	}
	ts.do(t, request{method: "POST", path: "/mechanics/42/click", ua: browserUA, ip: "10.0.0.1"})

	rec := ts.do(t, request{method: "GET", path: "/analytics/top-mechanics?period=daily&limit=2&window=1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var ranked []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ranked))
	require.Len(t, ranked, 2)
	assert.Equal(t, 43.0, ranked[0]["id"])
	assert.Equal(t, 2.0, ranked[0]["clickCount"])

	rec = ts.do(t, request{method: "GET", path: "/analytics/top-mechanics?period=weekly"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = ts.do(t, request{method: "GET", path: "/analytics/top-mechanics?limit=-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	for _, path := range []string{
		"/analytics/mechanics/43/daily?days=7",
		"/analytics/mechanics/43/monthly?months=3",
		"/analytics/mechanics/43/clicks",
	} {
		rec = ts.do(t, request{method: "GET", path: path})
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	rec = ts.do(t, request{method: "GET", path: "/analytics/mechanics/43/daily"})
	var series []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &series))
	require.Len(t, series, 1)
	assert.Equal(t, 2.0, series[0]["count"])
}

func TestMonthlyAnalyticsEndpoints(t *testing.T) {
	ts := setup(t)
	ts.store.PutMechanic(&models.Mechanic{ID: 43, Name: "Other", IsActive: true})

	for _, ip := range []string{"10.0.0.1", "10.0.0.2"} {
		ts.do(t, request{method: "POST", path: "/mechanics/43/click", ua: browserUA, ip: ip})
		ts.do(t, request{method: "POST", path: "/analytics/pageview", body: `{"path":"/","ref":"Spr1ng"}`, ua: browserUA, ip: ip})
	}
	ts.do(t, request{method: "POST", path: "/mechanics/42/click", ua: browserUA, ip: "10.0.0.1"})

	now := time.Now().UTC()
	thisMonth := fmt.Sprintf("%d/%d", now.Year(), int(now.Month()))

	rec := ts.do(t, request{method: "GET", path: "/analytics/top-mechanics/" + thisMonth + "?limit=1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var ranked []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ranked))
	require.Len(t, ranked, 1)
	assert.Equal(t, 43.0, ranked[0]["id"])

	rec = ts.do(t, request{method: "GET", path: "/analytics/site/months/" + thisMonth})
	require.Equal(t, http.StatusOK, rec.Code)
	month := decode(t, rec)
	assert.Equal(t, 2.0, month["totalPageViews"])
	assert.Equal(t, 2.0, month["uniqueVisitors"])

	rec = ts.do(t, request{method: "GET", path: "/analytics/site/monthly?months=2"})
	require.Equal(t, http.StatusOK, rec.Code)
	monthly := decode(t, rec)
	assert.Equal(t, 2.0, monthly["totalPageViews"])
	assert.Equal(t, 2.0, monthly["avgViewsPerMonth"])
	assert.Len(t, monthly["monthlyStats"], 1)

	rec = ts.do(t, request{method: "GET", path: "/analytics/mechanics/monthly?months=1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var mechanics []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &mechanics))
	require.Len(t, mechanics, 2, "inactive mechanics are left out")
	assert.Equal(t, 42.0, mechanics[0]["id"])
	assert.Equal(t, 43.0, mechanics[1]["id"])

	rec = ts.do(t, request{method: "GET", path: "/analytics/referrals/Spr1ng/daily?days=7"})
	require.Equal(t, http.StatusOK, rec.Code)
	var days []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &days))
	require.Len(t, days, 1)
	assert.Equal(t, 2.0, days[0]["views"])
	assert.Equal(t, 2.0, days[0]["visitors"])

	for _, path := range []string{
		"/analytics/site/months/2025/13",
		"/analytics/site/months/x/1",
		"/analytics/top-mechanics/2025/0",
		"/analytics/site/monthly?months=0",
	} {
		rec = ts.do(t, request{method: "GET", path: path})
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
}

func TestDedupResetEndpoint(t *testing.T) {
	ts := setup(t)

	ts.do(t, request{method: "POST", path: "/mechanics/42/click", ua: browserUA, ip: "10.0.0.1"})
	rec := ts.do(t, request{method: "POST", path: "/admin/dedup/reset"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, request{method: "POST", path: "/mechanics/42/click", ua: browserUA, ip: "10.0.0.1"})
	assert.Equal(t, "accepted", decode(t, rec)["outcome"])
}

func TestHealthAndMetrics(t *testing.T) {
	ts := setup(t)

	rec := ts.do(t, request{method: "GET", path: "/health"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]interface{}{"status": "ok", "store": "memory", "redis": "disabled"}, decode(t, rec))

	ts.do(t, request{method: "POST", path: "/mechanics/42/click", ua: browserUA})
	rec = ts.do(t, request{method: "GET", path: "/metrics"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `test_clicks_total{outcome="accepted",subject="mechanic"} 1`)
}
