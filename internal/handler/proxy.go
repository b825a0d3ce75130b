// Package handler implements the HTTP and WebSocket ingress endpoints.
package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"stream-relay-go/internal/config"
	"stream-relay-go/internal/consumer"
	"stream-relay-go/internal/model"
	"stream-relay-go/internal/service"
)

// keyPattern matches key-like query parameter values in URLs embedded in error messages.
var keyPattern = regexp.MustCompile(`(?i)\b([a-z_-]*key=)[^&\s"]+`)

// ProxyHandler relays plain HTTP requests to the upstream and mirrors every
// response to the registered WebSocket observers.
type ProxyHandler struct {
	transcoder *service.Transcoder
	relay      *service.Relay
	registry   *consumer.Registry
	enc        model.ChunkEncoding
	logger     *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(t *service.Transcoder, r *service.Relay, reg *consumer.Registry, cfg *config.Config, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		transcoder: t,
		relay:      r,
		registry:   reg,
		enc:        model.ChunkEncoding(cfg.Channel.ChunkEncoding),
		logger:     logger.With("component", "proxy_handler"),
	}
}

// Handle relays the request and streams the response back to the caller and
// to the observers. The upstream exchange outlives the caller as long as an
// observer is still receiving it.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return h.fail(c, err)
	}

	requestID := c.Response().Header().Get(echo.HeaderXRequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	up := h.transcoder.Normalize(&model.RequestDescriptor{
		Method:    req.Method,
		Path:      req.URL.EscapedPath(),
		RawQuery:  req.URL.RawQuery,
		Header:    req.Header,
		Body:      body,
		RequestID: requestID,
	})

	outcome, err := h.relay.Run(
		context.WithoutCancel(req.Context()),
		up,
		requestID,
		service.NewDirectSink(req.Context(), c.Response()),
		service.NewBroadcastSink(h.registry, h.enc, h.logger),
	)
	switch outcome {
	case service.OutcomeFailed:
		return h.fail(c, err)
	case service.OutcomeErrored:
		h.logger.Warn("upstream stream failed",
			"err", sanitizeError(err),
			"request_id", requestID,
		)
	}
	return nil
}

func (h *ProxyHandler) fail(c echo.Context, err error) error {
	msg := sanitizeError(err)
	h.logger.Error("relay setup failed",
		"err", msg,
		"path", c.Request().URL.Path,
	)
	if c.Response().Committed {
		return nil
	}
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": msg})
}

// sanitizeError redacts key values from error messages that may contain upstream URLs.
func sanitizeError(err error) string {
	return keyPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}
