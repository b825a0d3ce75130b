package consumer

import (
	"github.com/puzpuzpuz/xsync/v4"

	"stream-relay-go/internal/metrics"
)

// Registry is the set of live consumers, keyed by consumer ID.
// It is safe for concurrent use.
type Registry struct {
	consumers *xsync.Map[string, *Consumer]
	metrics   *metrics.Metrics
}

// NewRegistry creates an empty Registry. The metrics parameter is optional.
func NewRegistry(m *metrics.Metrics) *Registry {
	return &Registry{
		consumers: xsync.NewMap[string, *Consumer](),
		metrics:   m,
	}
}

// Add registers c.
func (r *Registry) Add(c *Consumer) {
	if _, loaded := r.consumers.LoadOrStore(c.ID(), c); !loaded && r.metrics != nil {
		r.metrics.ChannelConsumers.Inc()
	}
}

// Remove deregisters the consumer with the given ID. It reports whether the
// consumer was registered; removing twice is harmless.
func (r *Registry) Remove(id string) bool {
	_, ok := r.consumers.LoadAndDelete(id)
	if ok && r.metrics != nil {
		r.metrics.ChannelConsumers.Dec()
	}
	return ok
}

// Contains reports whether id is currently registered.
func (r *Registry) Contains(id string) bool {
	_, ok := r.consumers.Load(id)
	return ok
}

// Len returns the number of registered consumers.
func (r *Registry) Len() int {
	return r.consumers.Size()
}

// Snapshot returns the consumers registered at the time of the call.
func (r *Registry) Snapshot() []*Consumer {
	out := make([]*Consumer, 0, r.consumers.Size())
	r.consumers.Range(func(_ string, c *Consumer) bool {
		out = append(out, c)
		return true
	})
	return out
}

// CloseAll closes and deregisters every consumer.
func (r *Registry) CloseAll() {
	for _, c := range r.Snapshot() {
		c.Close()
		r.Remove(c.ID())
	}
}
