package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestStripHopByHop(t *testing.T) {
	e := echo.New()
	e.Use(StripHopByHop())

	var got http.Header
	e.GET("/test", func(c echo.Context) error {
		got = c.Request().Header.Clone()
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	req.Header.Set("Connection", "keep-alive, X-Session-Hint")
	req.Header.Set("X-Session-Hint", "abc")
	req.Header.Set("Proxy-Authorization", "Basic abc")
	req.Header.Set("Keep-Alive", "timeout=5")
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	for _, name := range []string{"Connection", "X-Session-Hint", "Proxy-Authorization", "Keep-Alive"} {
		if v := got.Get(name); v != "" {
			t.Errorf("%s should be stripped, got %q", name, v)
		}
	}
	if v := got.Get("Content-Type"); v != "application/json" {
		t.Errorf("Content-Type = %q, want it preserved", v)
	}
}

func TestStripHopByHop_LeavesResponseHeaders(t *testing.T) {
	e := echo.New()
	e.Use(StripHopByHop())
	e.GET("/test", func(c echo.Context) error {
		c.Response().Header().Set("X-Upstream", "1")
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if v := rec.Header().Get("X-Upstream"); v != "1" {
		t.Errorf("X-Upstream = %q, want %q", v, "1")
	}
	if v := rec.Header().Get("X-Frame-Options"); v != "" {
		t.Errorf("X-Frame-Options = %q, want none added", v)
	}
}
