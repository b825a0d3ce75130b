package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stream-relay-go/internal/config"
	"stream-relay-go/internal/metrics"
)

// DirectRoutes maps the direct listener's route patterns to metric labels.
func DirectRoutes() map[string]string {
	return map[string]string{
		HealthPath: metrics.RouteHealth,
		"/":        metrics.RouteProxy,
		"/*":       metrics.RouteProxy,
	}
}

// ChannelRoutes maps the channel listener's route patterns to metric labels.
func ChannelRoutes(cfg *config.Config) map[string]string {
	routes := map[string]string{cfg.Channel.Path: metrics.RouteChannel}
	if cfg.Metrics.Enabled {
		routes[cfg.Metrics.Path] = metrics.RouteMetrics
	}
	return routes
}

// RegisterRoutes wires the direct ingress: the health check and a catch-all relay.
// Only the bare health path is answered locally; with a query string it is relayed.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler, health *HealthHandler) {
	e.Any(HealthPath, func(c echo.Context) error {
		if c.Request().URL.RawQuery != "" {
			return proxy.Handle(c)
		}
		return health.Health(c)
	})
	e.Any("/", proxy.Handle)
	e.Any("/*", proxy.Handle)
}

// RegisterChannelRoutes wires the WebSocket endpoint and, when enabled, the
// Prometheus scrape endpoint.
func RegisterChannelRoutes(e *echo.Echo, ch *ChannelHandler, cfg *config.Config, m *metrics.Metrics) {
	e.GET(cfg.Channel.Path, ch.Handle)
	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
}
