package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"stream-relay-go/internal/metrics"
	"stream-relay-go/internal/model"
)

// Upstream issues a request to the upstream endpoint and returns the
// response head with a streaming body. The body is closed by the caller.
type Upstream interface {
	DoStream(ctx context.Context, req *model.UpstreamRequest) (*model.UpstreamResponse, error)
}

// Outcome is the terminal state of one relayed request.
type Outcome int

const (
	// OutcomeClosed means the body was read to EOF and Close was delivered.
	OutcomeClosed Outcome = iota
	// OutcomeErrored means reading the body failed and Error was delivered.
	OutcomeErrored
	// OutcomeAborted means every sink failed and the upstream was canceled.
	OutcomeAborted
	// OutcomeFailed means the upstream call failed and no event was produced.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeClosed:
		return "closed"
	case OutcomeErrored:
		return "errored"
	case OutcomeAborted:
		return "aborted"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const defaultReadBufferSize = 32 * 1024

// Relay issues upstream requests and streams their responses to sinks.
type Relay struct {
	upstream Upstream
	logger   *slog.Logger
	metrics  *metrics.Metrics
	bufSize  int
}

// NewRelay creates a Relay. The metrics parameter is optional.
func NewRelay(up Upstream, logger *slog.Logger, m *metrics.Metrics) *Relay {
	return &Relay{
		upstream: up,
		logger:   logger.With("component", "relay"),
		metrics:  m,
		bufSize:  defaultReadBufferSize,
	}
}

// Run performs one relayed request. Every sink sees the response head, the
// body chunks in order and exactly one terminal event, unless its delivery
// fails, after which it receives nothing more. When no sink is left the
// upstream request is canceled.
//
// The returned error is non-nil for OutcomeFailed (the upstream call error)
// and OutcomeErrored (the body read error).
func (r *Relay) Run(ctx context.Context, req *model.UpstreamRequest, requestID string, sinks ...Sink) (Outcome, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := r.logger.With("request_id", requestID)

	resp, err := r.upstream.DoStream(ctx, req)
	if err != nil {
		r.recordOutcome(OutcomeFailed)
		return OutcomeFailed, fmt.Errorf("relay %s: %w", requestID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	fan := &fanout{sinks: sinks, dead: make([]bool, len(sinks)), relay: r, logger: logger}

	if !fan.deliver(model.HeadersEvent(requestID, resp.StatusCode, resp.Header)) {
		return r.abort(cancel, logger), nil
	}

	buf := make([]byte, r.bufSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			// Sinks may queue the payload, so each chunk gets its own copy.
			data := append([]byte(nil), buf[:n]...)
			if !fan.deliver(model.ChunkEvent(requestID, data)) {
				return r.abort(cancel, logger), nil
			}
		}
		if readErr == nil {
			continue
		}
		if errors.Is(readErr, io.EOF) {
			fan.deliver(model.CloseEvent(requestID))
			r.recordOutcome(OutcomeClosed)
			logger.Debug("relay closed")
			return OutcomeClosed, nil
		}

		logger.Warn("upstream body read failed", "err", readErr)
		fan.deliver(model.ErrorEvent(requestID, http.StatusInternalServerError, readErr.Error()))
		r.recordOutcome(OutcomeErrored)
		return OutcomeErrored, fmt.Errorf("relay %s: read body: %w", requestID, readErr)
	}
}

func (r *Relay) abort(cancel context.CancelFunc, logger *slog.Logger) Outcome {
	cancel()
	r.recordOutcome(OutcomeAborted)
	logger.Debug("relay aborted, no sink left")
	return OutcomeAborted
}

func (r *Relay) recordOutcome(o Outcome) {
	if r.metrics != nil {
		r.metrics.RelayOutcomes.WithLabelValues(o.String()).Inc()
	}
}

// fanout delivers events to the sinks of one request, skipping sinks that
// have failed. Nothing is delivered after a terminal event.
type fanout struct {
	sinks      []Sink
	dead       []bool
	terminated bool
	relay      *Relay
	logger     *slog.Logger
}

// deliver sends ev to every live sink and reports whether any is left.
func (f *fanout) deliver(ev model.Event) bool {
	if f.terminated {
		f.logger.Warn("event after terminal event dropped", "event_type", ev.Type)
		return false
	}
	f.terminated = ev.Type.Terminal()
	if f.relay.metrics != nil {
		f.relay.metrics.RelayEvents.WithLabelValues(string(ev.Type)).Inc()
	}

	alive := false
	for i, s := range f.sinks {
		if f.dead[i] {
			continue
		}
		if err := s.Deliver(ev); err != nil {
			f.dead[i] = true
			label := sinkLabel(s)
			if errors.Is(err, ErrNoRecipients) {
				f.logger.Debug("sink has no recipients", "sink", label, "event_type", ev.Type)
			} else {
				f.logger.Warn("sink delivery failed", "sink", label, "event_type", ev.Type, "err", err)
				if f.relay.metrics != nil {
					f.relay.metrics.SinkFailures.WithLabelValues(label).Inc()
				}
			}
			continue
		}
		alive = true
	}
	return alive
}
