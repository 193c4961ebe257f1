package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// metricsRouter builds a router with the metrics middleware backed by a
// manual reader, plus billing-flavored routes to exercise it.
func metricsRouter(t *testing.T) (*gin.Engine, *sdkmetric.ManualReader) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	router := gin.New()
	router.Use(HTTPMetricsWithMeter(provider.Meter("http.server"), true))
	router.GET("/api/v1/entitlements/:org_id", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"org_id": c.Param("org_id")})
	})
	router.POST("/api/v1/usage", func(c *gin.Context) {
		c.JSON(http.StatusAccepted, gin.H{"status": "recorded"})
	})
	router.GET("/api/v1/paused", func(c *gin.Context) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "org paused"})
	})
	return router, reader
}

func metricByName(t *testing.T, reader *sdkmetric.ManualReader, name string) metricdata.Metrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name == name {
				return m
			}
		}
	}
	t.Fatalf("metric %q not found", name)
	return metricdata.Metrics{}
}

func requestSum(t *testing.T, reader *sdkmetric.ManualReader) metricdata.Sum[int64] {
	t.Helper()
	sum, ok := metricByName(t, reader, "http_server_request_total").Data.(metricdata.Sum[int64])
	require.True(t, ok, "expected Sum data for request counter")
	return sum
}

func attrValue(dp metricdata.DataPoint[int64], key string) (string, bool) {
	for _, attr := range dp.Attributes.ToSlice() {
		if string(attr.Key) == key {
			return attr.Value.AsString(), true
		}
	}
	return "", false
}

func serve(router *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(method, path, nil)
	router.ServeHTTP(w, req)
	return w
}

func TestHTTPMetrics_DisabledConfig(t *testing.T) {
	router := gin.New()
	router.Use(HTTPMetrics(HTTPMetricsConfig{Enabled: false}))
	router.GET("/api/v1/entitlements", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{})
	})

	assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/api/v1/entitlements").Code)
}

func TestHTTPMetrics_NilMeterProvider(t *testing.T) {
	router := gin.New()
	router.Use(HTTPMetrics(HTTPMetricsConfig{Enabled: true, MeterProvider: nil}))
	router.GET("/api/v1/entitlements", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{})
	})

	assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/api/v1/entitlements").Code)
}

func TestHTTPMetricsWithMeter_Disabled(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	router := gin.New()
	router.Use(HTTPMetricsWithMeter(provider.Meter("http.server"), false))
	router.GET("/api/v1/entitlements", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{})
	})

	assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/api/v1/entitlements").Code)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	assert.Empty(t, rm.ScopeMetrics)
}

func TestHTTPMetricsWithMeter_CountsRequests(t *testing.T) {
	router, reader := metricsRouter(t)

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/api/v1/entitlements/org-7").Code)
	}

	sum := requestSum(t, reader)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(3), sum.DataPoints[0].Value)
	assert.True(t, sum.IsMonotonic)
}

func TestHTTPMetricsWithMeter_SplitsByStatusAndMethod(t *testing.T) {
	router, reader := metricsRouter(t)

	serve(router, http.MethodGet, "/api/v1/entitlements/org-7")
	serve(router, http.MethodGet, "/api/v1/entitlements/org-7")
	serve(router, http.MethodPost, "/api/v1/usage")
	serve(router, http.MethodGet, "/api/v1/paused")

	sum := requestSum(t, reader)
	assert.Len(t, sum.DataPoints, 3)

	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	assert.Equal(t, int64(4), total)
}

func TestHTTPMetricsWithMeter_RecordsDuration(t *testing.T) {
	router, reader := metricsRouter(t)
	router.GET("/api/v1/slow", func(c *gin.Context) {
		time.Sleep(50 * time.Millisecond)
		c.JSON(http.StatusOK, gin.H{})
	})

	serve(router, http.MethodGet, "/api/v1/slow")

	hist, ok := metricByName(t, reader, "http_server_request_duration_seconds").Data.(metricdata.Histogram[float64])
	require.True(t, ok, "expected Histogram data for duration")
	require.Len(t, hist.DataPoints, 1)
	assert.Greater(t, hist.DataPoints[0].Sum, 0.05)
}

func TestHTTPMetricsWithMeter_RecordsBodySizes(t *testing.T) {
	router, reader := metricsRouter(t)

	body := strings.NewReader(`{"resource_type":"api_call","quantity":120}`)
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/api/v1/usage", body)
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)

	reqHist, ok := metricByName(t, reader, "http_server_request_size_bytes").Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, reqHist.DataPoints, 1)
	assert.Greater(t, reqHist.DataPoints[0].Sum, float64(0))

	respHist, ok := metricByName(t, reader, "http_server_response_size_bytes").Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, respHist.DataPoints, 1)
	assert.Greater(t, respHist.DataPoints[0].Sum, float64(0))
}

func TestHTTPMetricsWithMeter_ActiveRequestsReturnToZero(t *testing.T) {
	router, reader := metricsRouter(t)

	serve(router, http.MethodGet, "/api/v1/entitlements/org-7")

	sum, ok := metricByName(t, reader, "http_server_active_requests").Data.(metricdata.Sum[int64])
	require.True(t, ok, "expected Sum data for active requests")
	if len(sum.DataPoints) > 0 {
		assert.Equal(t, int64(0), sum.DataPoints[0].Value)
	}
}

func TestHTTPMetricsWithMeter_OrgIDAttribute(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	router := gin.New()
	router.Use(func(c *gin.Context) {
		c.Set(AuthOrgIDKey, "org-123")
		c.Next()
	})
	router.Use(HTTPMetricsWithMeter(provider.Meter("http.server"), true))
	router.GET("/api/v1/entitlements", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{})
	})

	serve(router, http.MethodGet, "/api/v1/entitlements")

	sum := requestSum(t, reader)
	require.Len(t, sum.DataPoints, 1)

	orgID, found := attrValue(sum.DataPoints[0], "org_id")
	require.True(t, found, "org_id attribute not found")
	assert.Equal(t, "org-123", orgID)
}

func TestHTTPMetricsWithMeter_RoutePatternBoundsCardinality(t *testing.T) {
	router, reader := metricsRouter(t)

	for _, orgID := range []string{"org-1", "org-2", "org-3", "org-4"} {
		serve(router, http.MethodGet, "/api/v1/entitlements/"+orgID)
	}

	sum := requestSum(t, reader)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(4), sum.DataPoints[0].Value)

	route, found := attrValue(sum.DataPoints[0], "http.route")
	require.True(t, found, "http.route attribute not found")
	assert.Equal(t, "/api/v1/entitlements/:org_id", route)
}

func TestGetRoutePattern(t *testing.T) {
	router := gin.New()
	router.GET("/api/v1/charges/:id", func(c *gin.Context) {
		c.String(http.StatusOK, getRoutePattern(c))
	})
	router.NoRoute(func(c *gin.Context) {
		c.String(http.StatusNotFound, getRoutePattern(c))
	})

	matched := serve(router, http.MethodGet, "/api/v1/charges/ch_42")
	assert.Equal(t, "/api/v1/charges/:id", matched.Body.String())

	unmatched := serve(router, http.MethodGet, "/nope")
	assert.Equal(t, "unknown", unmatched.Body.String())
}

func TestDefaultHTTPMetricsConfig(t *testing.T) {
	cfg := DefaultHTTPMetricsConfig()

	assert.Equal(t, "entitle-backend", cfg.ServiceName)
	assert.True(t, cfg.Enabled)
	assert.Nil(t, cfg.MeterProvider)
}
