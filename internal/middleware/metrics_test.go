package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	dto "github.com/prometheus/client_model/go"

	"stream-relay-go/internal/metrics"
)

var testRoutes = map[string]string{
	"/__health": metrics.RouteHealth,
	"/*":        metrics.RouteProxy,
}

// findRequestMetric returns the stream_relay_http_requests_total sample whose
// route label equals route, or nil.
func findRequestMetric(t *testing.T, m *metrics.Metrics, route string) *dto.Metric {
	t.Helper()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != "stream_relay_http_requests_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == "route" && lp.GetValue() == route {
					return metric
				}
			}
		}
	}
	return nil
}

func labelsOf(metric *dto.Metric) map[string]string {
	labels := make(map[string]string)
	for _, lp := range metric.GetLabel() {
		labels[lp.GetName()] = lp.GetValue()
	}
	return labels
}

func TestMetricsMiddleware_IncrementsCounter(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m, testRoutes))
	e.Any("/*", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/models", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	metric := findRequestMetric(t, m, metrics.RouteProxy)
	if metric == nil {
		t.Fatal("expected stream_relay_http_requests_total with route=proxy")
	}
	if v := metric.GetCounter().GetValue(); v != 1 {
		t.Errorf("counter value = %v, want 1", v)
	}
}

func TestMetricsMiddleware_RecordsDuration(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m, testRoutes))
	e.Any("/__health", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/__health", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	found := false
	for _, f := range families {
		if f.GetName() == "stream_relay_http_request_duration_seconds" {
			for _, metric := range f.GetMetric() {
				if metric.GetHistogram().GetSampleCount() > 0 && labelsOf(metric)["route"] == metrics.RouteHealth {
					found = true
				}
			}
		}
	}
	if !found {
		t.Error("expected stream_relay_http_request_duration_seconds with a route=health sample")
	}
}

func TestMetricsMiddleware_HTTPErrorStatus(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m, testRoutes))
	e.Any("/*", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "too large")
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/upload", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	metric := findRequestMetric(t, m, metrics.RouteProxy)
	if metric == nil {
		t.Fatal("expected stream_relay_http_requests_total with route=proxy")
	}
	if got := labelsOf(metric)["status_code"]; got != "413" {
		t.Errorf("status_code = %q, want %q", got, "413")
	}
}

func TestMetricsMiddleware_UnknownMethodNormalized(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m, testRoutes))
	e.Any("/*", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest("XYZZY", "/v1/models", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	metric := findRequestMetric(t, m, metrics.RouteProxy)
	if metric == nil {
		t.Fatal("expected stream_relay_http_requests_total with route=proxy")
	}
	if got := labelsOf(metric)["method"]; got != "other" {
		t.Errorf("method = %q, want %q", got, "other")
	}
}

func TestMetricsMiddleware_RouterNotFound(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m, testRoutes))
	// No routes registered; request should yield 404.

	req := httptest.NewRequest(http.MethodGet, "/nonexistent", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	metric := findRequestMetric(t, m, metrics.RouteOther)
	if metric == nil {
		t.Fatal("expected stream_relay_http_requests_total with route=other")
	}
	if got := labelsOf(metric)["status_code"]; got != "404" {
		t.Errorf("status_code = %q, want %q", got, "404")
	}
}
