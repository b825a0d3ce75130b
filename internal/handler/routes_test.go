package handler

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"stream-relay-go/internal/config"
	"stream-relay-go/internal/metrics"
)

func TestRegisterRoutes_Wiring(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("upstream " + r.URL.Path))
	}))
	defer upstream.Close()

	s := newTestStack(t, testConfig(upstream.URL))

	tests := []struct {
		name     string
		method   string
		path     string
		wantBody string
	}{
		{"health", http.MethodGet, "/__health", "ok"},
		{"health any method", http.MethodDelete, "/__health", "ok"},
		{"root", http.MethodGet, "/", "upstream /"},
		{"nested path", http.MethodGet, "/v1/models/x:generate", "upstream /v1/models/x:generate"},
		{"post", http.MethodPost, "/v1/chat", "upstream /v1/chat"},
		{"health prefix is relayed", http.MethodGet, "/__healthz", "upstream /__healthz"},
		{"health with query is relayed", http.MethodGet, "/__health?x=1", "upstream /__health"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(tt.method, s.direct.URL+tt.path, http.NoBody)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			defer func() { _ = resp.Body.Close() }()

			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != http.StatusOK {
				t.Errorf("status = %d, want 200", resp.StatusCode)
			}
			if string(body) != tt.wantBody {
				t.Errorf("body = %q, want %q", body, tt.wantBody)
			}
		})
	}
}

func TestRegisterChannelRoutes(t *testing.T) {
	s := newTestStack(t, testConfig("http://127.0.0.1:1"))
	s.dial(t)

	t.Run("metrics", func(t *testing.T) {
		resp, err := http.Get(s.channel.URL + "/metrics")
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		defer func() { _ = resp.Body.Close() }()

		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d, want 200", resp.StatusCode)
		}
		if !strings.Contains(string(body), "stream_relay_channel_consumers 1") {
			t.Errorf("metrics output missing consumer gauge:\n%s", body)
		}
	})

	t.Run("plain GET on channel path", func(t *testing.T) {
		resp, err := http.Get(s.channel.URL + "/")
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})
}

func TestRouteLabels(t *testing.T) {
	direct := DirectRoutes()
	if direct[HealthPath] != metrics.RouteHealth || direct["/*"] != metrics.RouteProxy {
		t.Errorf("DirectRoutes() = %v", direct)
	}

	cfg := &config.Config{
		Channel: config.ChannelConfig{Path: "/ws"},
		Metrics: config.MetricsConfig{Enabled: false, Path: "/metrics"},
	}
	if got := ChannelRoutes(cfg); len(got) != 1 || got["/ws"] != metrics.RouteChannel {
		t.Errorf("ChannelRoutes(disabled) = %v", got)
	}
	cfg.Metrics.Enabled = true
	if got := ChannelRoutes(cfg); got["/metrics"] != metrics.RouteMetrics {
		t.Errorf("ChannelRoutes(enabled) = %v", got)
	}
}
