// Package dispatch fans classified feed events out to strategy callbacks.
//
// Callbacks for a kind run synchronously in registration order on the
// goroutine that calls Dispatch. A callback that returns an error or
// panics is logged and counted; the remaining callbacks still run.
package dispatch

import (
	"fmt"
	"sync"

	"bookstream/internal/feed"
	"bookstream/internal/metrics"
	"bookstream/internal/types"

	"go.uber.org/zap"
)

// Callback observes one event
type Callback func(ev feed.Event) error

// Dispatcher is a per-kind ordered list of callbacks
type Dispatcher struct {
	mu      sync.RWMutex
	topics  map[types.EventKind][]Callback
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New creates an empty Dispatcher
func New(logger *zap.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		topics:  make(map[types.EventKind][]Callback),
		logger:  logger.Named("dispatch"),
		metrics: m,
	}
}

// Subscribe appends cb to the callbacks for kind
func (d *Dispatcher) Subscribe(kind types.EventKind, cb Callback) {
	if cb == nil {
		return
	}
	d.mu.Lock()
	d.topics[kind] = append(d.topics[kind], cb)
	d.mu.Unlock()
}

// Count returns the number of callbacks registered for kind
func (d *Dispatcher) Count(kind types.EventKind) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.topics[kind])
}

// Dispatch invokes every callback registered for ev.Kind and returns how
// many of them failed
func (d *Dispatcher) Dispatch(ev feed.Event) (failed int) {
	d.mu.RLock()
	callbacks := d.topics[ev.Kind]
	d.mu.RUnlock()

	for i, cb := range callbacks {
		if err := invoke(cb, ev); err != nil {
			failed++
			d.metrics.CallbackFailures.WithLabelValues(string(ev.Kind)).Inc()
			d.logger.Warn("callback failed",
				zap.String("kind", string(ev.Kind)),
				zap.Int("index", i),
				zap.String("asset_id", string(ev.AssetID)),
				zap.Error(err))
		}
	}
	return failed
}

func invoke(cb Callback, ev feed.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panic: %v", r)
		}
	}()
	return cb(ev)
}
