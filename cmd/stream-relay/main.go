package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"stream-relay-go/internal/client"
	"stream-relay-go/internal/config"
	"stream-relay-go/internal/consumer"
	"stream-relay-go/internal/handler"
	"stream-relay-go/internal/metrics"
	"stream-relay-go/internal/middleware"
	"stream-relay-go/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("stream-relay"),
		kong.Description("Streaming relay with HTTP and WebSocket ingress."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			config.Load,
			newLogger,
			metrics.New,
			consumer.NewRegistry,
			fx.Annotate(client.NewUpstreamClient, fx.As(new(service.Upstream))),
			service.NewTranscoder,
			service.NewRelay,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
			handler.NewChannelHandler,
			fx.Annotate(newDirectEcho, fx.ResultTags(`name:"direct"`)),
			fx.Annotate(newChannelEcho, fx.ResultTags(`name:"channel"`)),
		),
		fx.Invoke(registerRoutes, warnConfigPermissions, startServers),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h).With("version", version)
}

func newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout is disabled (0): relayed streams and WebSocket sessions
	// may legitimately run for a long time.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	return e
}

func newDirectEcho(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *echo.Echo {
	e := newEcho()

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.RequestLogger(logger.With("component", "direct_http")))
	e.Use(middleware.MetricsMiddleware(m, handler.DirectRoutes()))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.StripHopByHop())

	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimiter(cfg.Server.RateLimit))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func newChannelEcho(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *echo.Echo {
	e := newEcho()
	// The read timeout would cut long-lived WebSocket sessions short; the
	// channel handler manages its own read deadlines.
	e.Server.ReadTimeout = 0

	e.Use(echomw.Recover())
	e.Use(middleware.RequestLogger(logger.With("component", "channel_http")))
	e.Use(middleware.MetricsMiddleware(m, handler.ChannelRoutes(cfg)))

	return e
}

type servers struct {
	fx.In

	Direct  *echo.Echo `name:"direct"`
	Channel *echo.Echo `name:"channel"`
}

func registerRoutes(
	s servers,
	cfg *config.Config,
	m *metrics.Metrics,
	proxy *handler.ProxyHandler,
	health *handler.HealthHandler,
	channel *handler.ChannelHandler,
) {
	handler.RegisterRoutes(s.Direct, proxy, health)
	handler.RegisterChannelRoutes(s.Channel, channel, cfg, m)
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServers(lc fx.Lifecycle, s servers, reg *consumer.Registry, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			directLn, err := net.Listen("tcp", cfg.Server.Addr())
			if err != nil {
				return fmt.Errorf("bind %s: %w", cfg.Server.Addr(), err)
			}
			channelLn, err := net.Listen("tcp", cfg.Channel.Addr())
			if err != nil {
				_ = directLn.Close()
				return fmt.Errorf("bind %s: %w", cfg.Channel.Addr(), err)
			}

			logger.Info("starting direct ingress", "addr", cfg.Server.Addr(), "upstream", cfg.Upstream.BaseURL)
			logger.Info("starting channel ingress", "addr", cfg.Channel.Addr(), "path", cfg.Channel.Path)
			if cfg.Metrics.Enabled {
				logger.Info("metrics enabled", "addr", cfg.Channel.Addr(), "path", cfg.Metrics.Path)
			}

			go serve(s.Direct, directLn, logger)
			go serve(s.Channel, channelLn, logger)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down servers")
			reg.CloseAll()
			return errors.Join(
				s.Direct.Shutdown(ctx),
				s.Channel.Shutdown(ctx),
			)
		},
	})
}

func serve(e *echo.Echo, ln net.Listener, logger *slog.Logger) {
	if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "addr", ln.Addr().String(), "err", err)
	}
}
