package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"stream-relay-go/internal/consumer"
	"stream-relay-go/internal/model"
)

var (
	// ErrSinkClosed is returned by a sink whose destination can no longer
	// accept events.
	ErrSinkClosed = errors.New("sink closed")
	// ErrNoRecipients is returned by a BroadcastSink with nobody left to
	// deliver to.
	ErrNoRecipients = errors.New("no broadcast recipients")
)

// Sink is a destination for the events of one relayed request. Deliver is
// called from a single goroutine, in event order.
type Sink interface {
	Deliver(ev model.Event) error
}

// hopByHopResponseHeaders are not copied onto the caller's response.
var hopByHopResponseHeaders = map[string]bool{
	"Connection":        true,
	"Keep-Alive":        true,
	"Proxy-Connection":  true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
}

// DirectSink writes events to the HTTP caller that issued the request.
type DirectSink struct {
	ctx context.Context
	w   http.ResponseWriter
	rc  *http.ResponseController
}

// NewDirectSink creates a DirectSink. ctx is the caller's request context;
// delivery fails once it is done.
func NewDirectSink(ctx context.Context, w http.ResponseWriter) *DirectSink {
	return &DirectSink{ctx: ctx, w: w, rc: http.NewResponseController(w)}
}

// Deliver writes the response head or a body chunk and flushes it.
// Terminal events write nothing; the response ends when the handler returns.
func (s *DirectSink) Deliver(ev model.Event) error {
	if err := s.ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrSinkClosed, err)
	}

	switch ev.Type {
	case model.EventHeaders:
		h := s.w.Header()
		for k, vals := range ev.Header {
			if hopByHopResponseHeaders[http.CanonicalHeaderKey(k)] {
				continue
			}
			h[k] = append([]string(nil), vals...)
		}
		s.w.WriteHeader(ev.Status)
	case model.EventChunk:
		if _, err := s.w.Write(ev.Data); err != nil {
			return fmt.Errorf("%w: write: %w", ErrSinkClosed, err)
		}
	default:
		return nil
	}

	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return fmt.Errorf("%w: flush: %w", ErrSinkClosed, err)
	}
	return nil
}

// ChannelSink sends events to the WebSocket consumer that issued the request.
type ChannelSink struct {
	consumer *consumer.Consumer
	enc      model.ChunkEncoding
}

// NewChannelSink creates a ChannelSink.
func NewChannelSink(c *consumer.Consumer, enc model.ChunkEncoding) *ChannelSink {
	return &ChannelSink{consumer: c, enc: enc}
}

func (s *ChannelSink) Deliver(ev model.Event) error {
	if err := s.consumer.SendJSON(model.NewEventMessage(ev, s.enc)); err != nil {
		return fmt.Errorf("%w: %w", ErrSinkClosed, err)
	}
	return nil
}

// BroadcastSink mirrors events to registered WebSocket observers. The
// recipients are the consumers registered when the response head is
// delivered; later joiners see nothing of this request, and a recipient that
// leaves is dropped without affecting the others.
type BroadcastSink struct {
	registry   *consumer.Registry
	enc        model.ChunkEncoding
	logger     *slog.Logger
	recipients []*consumer.Consumer
}

// NewBroadcastSink creates a BroadcastSink for one request.
func NewBroadcastSink(r *consumer.Registry, enc model.ChunkEncoding, logger *slog.Logger) *BroadcastSink {
	return &BroadcastSink{
		registry: r,
		enc:      enc,
		logger:   logger,
	}
}

// Deliver encodes ev once and queues it to every remaining recipient.
// It returns ErrNoRecipients when there is nobody to deliver to.
func (s *BroadcastSink) Deliver(ev model.Event) error {
	if ev.Type == model.EventHeaders {
		s.recipients = s.registry.Snapshot()
	}
	if len(s.recipients) == 0 {
		return ErrNoRecipients
	}

	frame, err := json.Marshal(model.NewEventMessage(ev, s.enc))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	live := s.recipients[:0]
	for _, c := range s.recipients {
		if !s.registry.Contains(c.ID()) {
			continue
		}
		if err := c.Send(frame); err != nil {
			s.logger.Debug("drop broadcast recipient",
				"consumer_id", c.ID(),
				"request_id", ev.RequestID,
				"err", err,
			)
			continue
		}
		live = append(live, c)
	}
	clear(s.recipients[len(live):])
	s.recipients = live

	if len(live) == 0 {
		return ErrNoRecipients
	}
	return nil
}

// sinkLabel returns the metrics label for s.
func sinkLabel(s Sink) string {
	switch s.(type) {
	case *DirectSink:
		return "direct"
	case *ChannelSink:
		return "channel"
	case *BroadcastSink:
		return "broadcast"
	default:
		return "other"
	}
}
