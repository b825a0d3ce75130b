package consumer

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeConn records written frames. When block is non-nil, writes wait until
// it is closed or the connection is closed.
type fakeConn struct {
	mu       sync.Mutex
	frames   [][]byte
	pings    int
	writeErr error
	block    chan struct{}
	closed   chan struct{}
	once     sync.Once
	written  chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{closed: make(chan struct{}), written: make(chan struct{}, 64)}
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-f.closed:
			return errors.New("use of closed connection")
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	switch messageType {
	case websocket.TextMessage:
		f.frames = append(f.frames, append([]byte(nil), data...))
	case websocket.PingMessage:
		f.pings++
	}
	select {
	case f.written <- struct{}{}:
	default:
	}
	return nil
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) snapshot() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.frames...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConsumer_SendPreservesOrder(t *testing.T) {
	conn := newFakeConn()
	c := New(conn, Options{QueueSize: 16}, testLogger())
	defer c.Close()

	want := []string{"a", "b", "c", "d"}
	for _, s := range want {
		if err := c.Send([]byte(s)); err != nil {
			t.Fatalf("Send(%q) error = %v", s, err)
		}
	}

	waitFor(t, func() bool { return len(conn.snapshot()) == len(want) })
	for i, f := range conn.snapshot() {
		if string(f) != want[i] {
			t.Errorf("frame[%d] = %q, want %q", i, f, want[i])
		}
	}
}

func TestConsumer_SendJSON(t *testing.T) {
	conn := newFakeConn()
	c := New(conn, Options{}, testLogger())
	defer c.Close()

	if err := c.SendJSON(map[string]string{"event": "connected"}); err != nil {
		t.Fatalf("SendJSON() error = %v", err)
	}
	waitFor(t, func() bool { return len(conn.snapshot()) == 1 })
	if got := string(conn.snapshot()[0]); got != `{"event":"connected"}` {
		t.Errorf("frame = %s, want %s", got, `{"event":"connected"}`)
	}
}

func TestConsumer_SlowConsumerEvicted(t *testing.T) {
	conn := newFakeConn()
	conn.block = make(chan struct{})

	var reason string
	closed := make(chan struct{})
	c := New(conn, Options{
		QueueSize: 1,
		OnClose: func(_ *Consumer, r string) {
			reason = r
			close(closed)
		},
	}, testLogger())

	// The writer holds at most one frame and the queue at most one more.
	var err error
	for i := 0; i < 3 && err == nil; i++ {
		err = c.Send([]byte("x"))
	}
	if !errors.Is(err, ErrSlowConsumer) {
		t.Fatalf("Send() error = %v, want ErrSlowConsumer", err)
	}

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose was not called")
	}
	if reason != ReasonSlow {
		t.Errorf("reason = %q, want %q", reason, ReasonSlow)
	}
	if c.Alive() {
		t.Error("consumer should not be alive after eviction")
	}
	if err := c.Send([]byte("y")); !errors.Is(err, ErrClosed) {
		t.Errorf("Send() after eviction error = %v, want ErrClosed", err)
	}
}

func TestConsumer_WriteErrorCloses(t *testing.T) {
	conn := newFakeConn()
	conn.writeErr = errors.New("broken pipe")

	reasons := make(chan string, 1)
	c := New(conn, Options{OnClose: func(_ *Consumer, r string) { reasons <- r }}, testLogger())

	if err := c.Send([]byte("x")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case r := <-reasons:
		if r != ReasonWriteError {
			t.Errorf("reason = %q, want %q", r, ReasonWriteError)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose was not called")
	}
	<-c.done
}

func TestConsumer_CloseIsIdempotent(t *testing.T) {
	conn := newFakeConn()
	calls := 0
	var mu sync.Mutex
	c := New(conn, Options{OnClose: func(*Consumer, string) {
		mu.Lock()
		calls++
		mu.Unlock()
	}}, testLogger())

	c.Close()
	c.Close()

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("OnClose calls = %d, want 1", calls)
	}
	if err := c.Send([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("Send() error = %v, want ErrClosed", err)
	}
}

func TestConsumer_Pings(t *testing.T) {
	conn := newFakeConn()
	c := New(conn, Options{PingInterval: 10 * time.Millisecond}, testLogger())
	defer c.Close()

	waitFor(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return conn.pings >= 2
	})
}

func TestConsumer_UniqueIDs(t *testing.T) {
	a := New(newFakeConn(), Options{}, testLogger())
	b := New(newFakeConn(), Options{}, testLogger())
	defer a.Close()
	defer b.Close()

	if a.ID() == "" || a.ID() == b.ID() {
		t.Errorf("IDs = %q, %q, want distinct non-empty", a.ID(), b.ID())
	}
}
