package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"stream-relay-go/internal/config"
	"stream-relay-go/internal/consumer"
	"stream-relay-go/internal/metrics"
	"stream-relay-go/internal/middleware"
	"stream-relay-go/internal/model"
	"stream-relay-go/internal/service"
)

const (
	welcomeMessage     = "Welcome to proxy WS"
	invalidJSONMessage = "Invalid JSON"
)

// Inbound message results, used as metric labels.
const (
	messageAccepted    = "accepted"
	messageInvalid     = "invalid"
	messageRateLimited = "rate_limited"
)

// ChannelHandler accepts WebSocket consumers. Each inbound message is one
// request whose response is streamed back to that consumer only.
type ChannelHandler struct {
	upgrader   websocket.Upgrader
	transcoder *service.Transcoder
	relay      *service.Relay
	registry   *consumer.Registry
	cfg        config.ChannelConfig
	enc        model.ChunkEncoding
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewChannelHandler creates a ChannelHandler. The metrics parameter is optional.
func NewChannelHandler(t *service.Transcoder, r *service.Relay, reg *consumer.Registry, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *ChannelHandler {
	return &ChannelHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Consumers are local tools, not browsers bound to an origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		transcoder: t,
		relay:      r,
		registry:   reg,
		cfg:        cfg.Channel,
		enc:        model.ChunkEncoding(cfg.Channel.ChunkEncoding),
		metrics:    m,
		logger:     logger.With("component", "channel_handler"),
	}
}

// Handle upgrades the connection and serves the consumer until it disconnects.
func (h *ChannelHandler) Handle(c echo.Context) error {
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written an error response.
		h.logger.Warn("websocket upgrade failed", "err", err, "remote_ip", c.RealIP())
		return nil
	}
	c.Response().Status = http.StatusSwitchingProtocols

	cons := consumer.New(ws, consumer.Options{
		QueueSize:    h.cfg.SendQueueSize,
		WriteTimeout: h.cfg.WriteTimeout(),
		PingInterval: h.cfg.PingInterval(),
		OnClose:      h.onClose,
	}, h.logger)
	logger := h.logger.With("consumer_id", cons.ID())

	// Queued before registration so it precedes any mirrored frame.
	if err := cons.SendJSON(model.ControlMessage{Event: model.ControlConnected, Msg: welcomeMessage}); err != nil {
		logger.Warn("send welcome", "err", err)
	}
	h.registry.Add(cons)
	logger.Info("consumer connected", "remote_ip", c.RealIP(), "consumers", h.registry.Len())

	// In-flight requests of this consumer end with its connection.
	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request().Context()))
	var inflight sync.WaitGroup

	h.readLoop(ctx, ws, cons, &inflight, logger)

	h.registry.Remove(cons.ID())
	cancel()
	cons.Close()
	inflight.Wait()

	logger.Info("consumer disconnected", "consumers", h.registry.Len())
	return nil
}

func (h *ChannelHandler) readLoop(ctx context.Context, ws *websocket.Conn, cons *consumer.Consumer, inflight *sync.WaitGroup, logger *slog.Logger) {
	if h.cfg.ReadLimitBytes > 0 {
		ws.SetReadLimit(h.cfg.ReadLimitBytes)
	}
	if interval := h.cfg.PingInterval(); interval > 0 {
		pongWait := 2 * interval
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	var limiter *rate.Limiter
	if h.cfg.MessagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(h.cfg.MessagesPerSecond), h.cfg.MessageBurst)
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				logger.Debug("read failed", "err", err)
			}
			return
		}

		if limiter != nil && !limiter.Allow() {
			h.countMessage(messageRateLimited)
			h.sendControlError(cons, middleware.RateLimitMessage, logger)
			continue
		}

		d, ok := h.decode(cons, data, logger)
		if !ok {
			continue
		}
		h.countMessage(messageAccepted)

		inflight.Add(1)
		go func() {
			defer inflight.Done()
			h.serve(ctx, cons, d, logger)
		}()
	}
}

// decode parses one inbound message. Failures are reported to the sender.
func (h *ChannelHandler) decode(cons *consumer.Consumer, data []byte, logger *slog.Logger) (*model.RequestDescriptor, bool) {
	req, err := model.DecodeChannelRequest(data)
	if err != nil {
		h.countMessage(messageInvalid)
		logger.Debug("invalid message", "err", err)
		h.sendControlError(cons, invalidJSONMessage, logger)
		return nil, false
	}

	d, err := req.Descriptor(uuid.NewString())
	if err != nil {
		h.countMessage(messageInvalid)
		logger.Debug("invalid request body", "err", err)
		id := req.RequestID
		if id == "" {
			id = uuid.NewString()
		}
		ev := model.ErrorEvent(id, http.StatusBadRequest, err.Error())
		if err := cons.SendJSON(model.NewEventMessage(ev, h.enc)); err != nil {
			logger.Debug("send error event", "err", err)
		}
		return nil, false
	}
	return d, true
}

// serve relays one request back to the consumer that sent it.
func (h *ChannelHandler) serve(ctx context.Context, cons *consumer.Consumer, d *model.RequestDescriptor, logger *slog.Logger) {
	up := h.transcoder.Normalize(d)
	logger = logger.With("request_id", d.RequestID)
	logger.Debug("relaying", "method", up.Method, "path", d.Path)

	outcome, err := h.relay.Run(ctx, up, d.RequestID, service.NewChannelSink(cons, h.enc))
	switch outcome {
	case service.OutcomeFailed:
		msg := sanitizeError(err)
		logger.Error("relay setup failed", "err", msg)
		ev := model.ErrorEvent(d.RequestID, http.StatusInternalServerError, msg)
		if err := cons.SendJSON(model.NewEventMessage(ev, h.enc)); err != nil {
			logger.Debug("send error event", "err", err)
		}
	case service.OutcomeErrored:
		logger.Warn("upstream stream failed", "err", sanitizeError(err))
	}
}

func (h *ChannelHandler) sendControlError(cons *consumer.Consumer, message string, logger *slog.Logger) {
	if err := cons.SendJSON(model.ControlMessage{Event: model.ControlError, Message: message}); err != nil {
		logger.Debug("send control error", "err", err)
	}
}

func (h *ChannelHandler) onClose(c *consumer.Consumer, reason string) {
	h.registry.Remove(c.ID())
	if reason != consumer.ReasonClosed && h.metrics != nil {
		h.metrics.ChannelEvictions.WithLabelValues(reason).Inc()
	}
}

func (h *ChannelHandler) countMessage(result string) {
	if h.metrics != nil {
		h.metrics.ChannelMessages.WithLabelValues(result).Inc()
	}
}
