// Package consumer tracks WebSocket consumers and serializes writes to them.
package consumer

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	// ErrClosed is returned when sending to a consumer that has been closed.
	ErrClosed = errors.New("consumer closed")
	// ErrSlowConsumer is returned when a consumer's outbound queue is full.
	// The consumer is closed before the error is returned.
	ErrSlowConsumer = errors.New("consumer outbound queue full")
)

// Close reasons reported to Options.OnClose.
const (
	ReasonClosed     = "closed"
	ReasonSlow       = "slow_consumer"
	ReasonWriteError = "write_error"
)

// Conn is the write side of a WebSocket connection.
// *websocket.Conn satisfies it.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Options configures a Consumer.
type Options struct {
	// QueueSize bounds the number of frames waiting to be written.
	QueueSize int
	// WriteTimeout is the deadline for a single frame write. Zero disables it.
	WriteTimeout time.Duration
	// PingInterval is the keepalive period. Zero disables pings.
	PingInterval time.Duration
	// OnClose is called once, after the connection is closed.
	OnClose func(c *Consumer, reason string)
}

const defaultQueueSize = 256

// Consumer is one connected WebSocket client. All writes go through a single
// goroutine that drains a bounded queue.
type Consumer struct {
	id     string
	conn   Conn
	opts   Options
	logger *slog.Logger

	queue chan []byte
	done  chan struct{}
	once  sync.Once
}

// New wraps conn and starts its writer goroutine.
func New(conn Conn, opts Options, logger *slog.Logger) *Consumer {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	id := uuid.NewString()
	c := &Consumer{
		id:     id,
		conn:   conn,
		opts:   opts,
		logger: logger.With("consumer_id", id),
		queue:  make(chan []byte, opts.QueueSize),
		done:   make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// ID returns the consumer's unique identifier.
func (c *Consumer) ID() string { return c.id }

// Alive reports whether the consumer still accepts frames.
func (c *Consumer) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Send queues one text frame. It never blocks: if the queue is full the
// consumer is closed and ErrSlowConsumer is returned, so a stream is never
// delivered with a frame missing from the middle.
func (c *Consumer) Send(frame []byte) error {
	if !c.Alive() {
		return ErrClosed
	}
	select {
	case c.queue <- frame:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		c.closeWith(ReasonSlow)
		return ErrSlowConsumer
	}
}

// SendJSON marshals v and queues it as one text frame.
func (c *Consumer) SendJSON(v any) error {
	frame, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return c.Send(frame)
}

// Close closes the connection. Frames still queued are discarded.
func (c *Consumer) Close() {
	c.closeWith(ReasonClosed)
}

func (c *Consumer) closeWith(reason string) {
	c.once.Do(func() {
		close(c.done)
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("close connection", "error", err)
		}
		if reason != ReasonClosed {
			c.logger.Warn("consumer disconnected", "reason", reason)
		}
		if c.opts.OnClose != nil {
			c.opts.OnClose(c, reason)
		}
	})
}

func (c *Consumer) writeLoop() {
	var pings <-chan time.Time
	if c.opts.PingInterval > 0 {
		ticker := time.NewTicker(c.opts.PingInterval)
		defer ticker.Stop()
		pings = ticker.C
	}

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.queue:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("write frame", "error", err)
				c.closeWith(ReasonWriteError)
				return
			}
		case <-pings:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("write ping", "error", err)
				c.closeWith(ReasonWriteError)
				return
			}
		}
	}
}

func (c *Consumer) write(messageType int, data []byte) error {
	if c.opts.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
			return err
		}
	}
	return c.conn.WriteMessage(messageType, data)
}
