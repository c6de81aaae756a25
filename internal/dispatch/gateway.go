// Package dispatch runs notifications on a single designated goroutine.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/groutine"
)

// ErrClosed is returned by Sync after the gateway has been closed.
var ErrClosed = errors.New("dispatch: gateway closed")

// Gateway delivers posted functions one at a time, in post order, on its own
// goroutine.
//
// The queue is unbounded: Post never blocks and never drops work while the
// gateway is open. A panicking function is recovered and logged; delivery
// continues with the next one.
//
//	gw := dispatch.NewGateway(logger)
//	defer gw.Close()
//	gw.Post(func() { fmt.Println("runs on the gateway goroutine") })
type Gateway struct {
	logger *logrus.Logger

	mu     sync.Mutex
	queue  []func()
	closed bool

	wake chan struct{} // capacity 1; coalesced wake-ups for the consumer
	done chan struct{} // closed when the consumer exits

	metrics Metrics
}

// Metrics counts gateway activity. Read with Snapshot.
type Metrics struct {
	posted    atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	panicked  atomic.Uint64
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	Posted    uint64
	Delivered uint64
	Dropped   uint64
	Panicked  uint64
}

// Snapshot returns current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Posted:    m.posted.Load(),
		Delivered: m.delivered.Load(),
		Dropped:   m.dropped.Load(),
		Panicked:  m.panicked.Load(),
	}
}

// NewGateway starts a gateway and its consumer goroutine.
func NewGateway(logger *logrus.Logger) *Gateway {
	if logger == nil {
		logger = logrus.New()
	}
	g := &Gateway{
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	groutine.Go(context.Background(), "dispatch-gateway", g.run)
	return g
}

// Post queues fn for delivery. After Close, fn is dropped.
func (g *Gateway) Post(fn func()) {
	if fn == nil {
		return
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		g.metrics.dropped.Add(1)
		g.logger.Debug("Dispatch gateway closed, dropping notification")
		return
	}
	g.queue = append(g.queue, fn)
	g.mu.Unlock()

	g.metrics.posted.Add(1)
	g.signal()
}

// Sync blocks until every function posted before the call has run.
// Must not be called from a function running on the gateway.
func (g *Gateway) Sync(ctx context.Context) error {
	barrier := make(chan struct{})

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrClosed
	}
	g.queue = append(g.queue, func() { close(barrier) })
	g.mu.Unlock()
	g.metrics.posted.Add(1)
	g.signal()

	select {
	case <-barrier:
		return nil
	case <-g.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work, delivers everything already queued and waits
// for the consumer to exit. Safe to call more than once.
// Must not be called from a function running on the gateway.
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		<-g.done
		return nil
	}
	g.closed = true
	g.mu.Unlock()

	g.signal()
	<-g.done
	return nil
}

// Metrics returns the gateway counters.
func (g *Gateway) Metrics() MetricsSnapshot {
	return g.metrics.Snapshot()
}

func (g *Gateway) signal() {
	select {
	case g.wake <- struct{}{}:
	default:
	}
}

func (g *Gateway) run(ctx context.Context) {
	defer close(g.done)

	for {
		g.mu.Lock()
		batch := g.queue
		g.queue = nil
		closed := g.closed
		g.mu.Unlock()

		for _, fn := range batch {
			g.deliver(fn)
		}

		if len(batch) > 0 {
			continue
		}
		if closed {
			g.logger.WithField("goroutine", groutine.Name(ctx)).Debug("Dispatch gateway drained and stopped")
			return
		}
		<-g.wake
	}
}

func (g *Gateway) deliver(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			g.metrics.panicked.Add(1)
			g.logger.WithField("panic", fmt.Sprint(r)).Error("Notification panicked on dispatch gateway")
		}
	}()
	fn()
	g.metrics.delivered.Add(1)
}
