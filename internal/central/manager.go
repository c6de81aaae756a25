// Package central implements the central-role connection manager: the
// registry of known peripherals, the scan session, and the per-peripheral
// connection state machine driven by a radio.Adapter.
//
// Every state change happens under one lock, whether it comes from a caller
// or from the adapter's event stream. Every outward notification (scan
// updates, connect completions, delegate calls) is posted to a single
// Executor, so callers observe them one at a time and in the order the
// triggering events were applied.
package central

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/dispatch"
	"github.com/srg/blecentral/internal/groutine"
	"github.com/srg/blecentral/internal/radio"
)

// ErrClosed is returned by operations on a closed Manager.
var ErrClosed = errors.New("central manager is closed")

// Manager is the central-role connection manager.
type Manager struct {
	adapter radio.Adapter
	logger  *logrus.Logger
	exec    Executor
	gateway *dispatch.Gateway // non-nil when the Manager owns its executor

	delegate atomic.Pointer[delegateRef]

	mu        sync.Mutex
	power     radio.PowerState
	poweredOn chan struct{} // closed while power == PoweredOn
	registry  *Registry
	pending   map[string][]ConnectHandler
	owed      map[string]*owedEvents // events still due for abandoned attempts
	held      map[string]struct{}    // connects waiting for owed events to land
	scan      *scanSession
	scanGen   uint64
	started   bool
	closed    bool
	done      chan struct{} // closed by Close
	stop      chan struct{} // stops the event loop
	loopDone  chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Defaults to logrus.New().
func WithLogger(logger *logrus.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithExecutor delivers notifications through exec instead of an internal
// dispatch.Gateway. The Manager does not close a caller-supplied executor.
func WithExecutor(exec Executor) Option {
	return func(m *Manager) {
		m.exec = exec
	}
}

// NewManager creates a Manager on top of adapter. Call Start before use.
func NewManager(adapter radio.Adapter, opts ...Option) *Manager {
	m := &Manager{
		adapter:   adapter,
		power:     radio.PowerUnknown,
		poweredOn: make(chan struct{}),
		registry:  NewRegistry(),
		pending:   make(map[string][]ConnectHandler),
		owed:      make(map[string]*owedEvents),
		held:      make(map[string]struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logrus.New()
	}
	if m.exec == nil {
		m.gateway = dispatch.NewGateway(m.logger)
		m.exec = m.gateway
	}
	return m
}

// Start begins consuming adapter events and starts the adapter.
// Calling Start on a running Manager is a no-op.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	stop, loopDone := make(chan struct{}), make(chan struct{})
	m.stop, m.loopDone = stop, loopDone
	m.mu.Unlock()

	groutine.Go(context.WithoutCancel(ctx), "central-event-loop", func(ctx context.Context) {
		m.eventLoop(ctx, stop, loopDone)
	})

	if err := m.adapter.Start(ctx); err != nil {
		close(stop)
		<-loopDone

		m.mu.Lock()
		m.started = false
		m.mu.Unlock()
		return fmt.Errorf("failed to start radio adapter: %w", device.NormalizeError(err))
	}

	m.logger.Info("Central manager started")
	return nil
}

// Close aborts outstanding work, stops the adapter and drains pending
// notifications. Pending connects complete with device.ErrCancelled and
// connected links are dropped without delegate calls.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.done)

	if m.scan != nil {
		m.scan = nil
		m.scanGen++
		if err := m.adapter.StopScan(); err != nil {
			m.logger.WithError(err).Warn("Failed to stop scan on close")
		}
	}

	m.registry.Range(func(p *Peripheral) bool {
		switch p.State() {
		case Connecting:
			if _, held := m.held[p.ID()]; !held {
				if err := m.adapter.CancelConnect(p.ID()); err != nil {
					m.logger.WithFields(logrus.Fields{"peripheral": p.ID(), "error": err}).Warn("Failed to cancel connect on close")
				}
			}
			m.complete(m.takeWaiters(p.ID()), device.ErrCancelled)
		case Connected:
			if err := m.adapter.Disconnect(p.ID()); err != nil {
				m.logger.WithFields(logrus.Fields{"peripheral": p.ID(), "error": err}).Warn("Failed to disconnect on close")
			}
		}
		m.transition(p, Disconnected, "manager closed")
		return true
	})
	clear(m.held)
	clear(m.owed)
	m.setPower(radio.PowerUnknown)

	started, stop, loopDone := m.started, m.stop, m.loopDone
	m.mu.Unlock()

	if started {
		close(stop)
		<-loopDone
	}

	err := m.adapter.Close()
	if m.gateway != nil {
		_ = m.gateway.Close()
	}

	m.logger.Info("Central manager closed")
	return err
}

// RadioState returns the last power state reported by the adapter.
func (m *Manager) RadioState() radio.PowerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.power
}

// AwaitPoweredOn blocks until the radio reports PoweredOn, ctx ends, or the Manager closes.
func (m *Manager) AwaitPoweredOn(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	ch := m.poweredOn
	m.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClearDelegate removes the delegate binding.
func (m *Manager) ClearDelegate() {
	m.delegate.Store(nil)
}

func (m *Manager) setDelegate(ref delegateRef) {
	m.delegate.Store(&ref)
}

func (m *Manager) currentDelegate() Delegate {
	ref := m.delegate.Load()
	if ref == nil {
		return nil
	}
	return (*ref)()
}

// Peripheral returns the registered record for id.
func (m *Manager) Peripheral(id string) (*Peripheral, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registry.Get(canonicalID(id))
}

// Peripherals returns every registered record in first-seen order.
func (m *Manager) Peripherals() []*Peripheral {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registry.Snapshot()
}

// ConnectedPeripherals returns the records currently in the Connected state.
func (m *Manager) ConnectedPeripherals() []*Peripheral {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Peripheral
	m.registry.Range(func(p *Peripheral) bool {
		if p.State() == Connected {
			out = append(out, p)
		}
		return true
	})
	return out
}

// RetrievePeripheral returns the record for id. A locally known peripheral is
// returned at once; otherwise the adapter's cache of bonded or previously seen
// devices is queried, which may block until ctx ends.
// Returns a *device.NotFoundError when the peripheral is unknown.
func (m *Manager) RetrievePeripheral(ctx context.Context, id string) (*Peripheral, error) {
	id = canonicalID(id)

	m.mu.Lock()
	if p, ok := m.registry.Get(id); ok {
		m.mu.Unlock()
		return p, nil
	}
	if err := m.requirePoweredOn(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.mu.Unlock()

	d, err := m.adapter.RetrieveKnown(ctx, id)
	if err != nil {
		var nf *device.NotFoundError
		if errors.As(err, &nf) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to retrieve peripheral %q: %w", id, device.NormalizeError(err))
	}
	d.ID = canonicalID(d.ID)
	if d.ID == "" {
		d.ID = id
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	p, created := m.registry.Upsert(d)
	if created {
		m.logger.WithField("peripheral", p.ID()).Debug("Retrieved known peripheral")
	}
	return p, nil
}

func (m *Manager) eventLoop(ctx context.Context, stop <-chan struct{}, loopDone chan<- struct{}) {
	defer close(loopDone)

	events := m.adapter.Events()
	for {
		select {
		case <-stop:
			m.logger.WithField("goroutine", groutine.Name(ctx)).Debug("Event loop stopped")
			return
		case ev := <-events:
			m.handleEvent(ev)
		}
	}
}

func (m *Manager) handleEvent(ev radio.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	switch e := ev.(type) {
	case radio.PowerStateChanged:
		m.onPowerState(e.State)
	case radio.Discovered:
		d := e.Discovery
		d.ID = canonicalID(d.ID)
		m.onDiscovered(d)
	case radio.ConnectResult:
		m.onConnectResult(canonicalID(e.ID), e.Err)
	case radio.Disconnected:
		m.onDisconnected(canonicalID(e.ID), e.Err)
	case radio.ScanFailed:
		m.onScanFailed(e.Err)
	default:
		m.logger.WithField("event", fmt.Sprintf("%T", ev)).Warn("Ignoring unknown radio event")
	}
}

// onPowerState applies a power transition. Leaving PoweredOn invalidates the
// scan session and every non-disconnected peripheral.
func (m *Manager) onPowerState(state radio.PowerState) {
	prev := m.power
	if prev == state {
		return
	}
	m.setPower(state)

	m.logger.WithFields(logrus.Fields{
		"from": prev,
		"to":   state,
	}).Info("Radio power state changed")

	if state == radio.PoweredOn {
		return
	}

	if m.scan != nil {
		m.logger.Debug("Scan session ended by power loss")
		m.scan = nil
		m.scanGen++
		// a radio that merely stopped reporting its state may still be scanning
		if state != radio.PoweredOff {
			if err := m.adapter.StopScan(); err != nil {
				m.logger.WithError(err).Warn("Failed to stop scan after losing power state")
			}
		}
	}

	m.registry.Range(func(p *Peripheral) bool {
		if p.State() == Disconnected {
			return true
		}
		if p.State() == Connecting {
			m.abandonAttempt(p.ID())
		}
		m.complete(m.takeWaiters(p.ID()), device.ErrRadioUnavailable)
		m.transition(p, Disconnected, "power loss")
		return true
	})

	if state == radio.PoweredOff {
		m.exec.Post(func() {
			if d := m.currentDelegate(); d != nil {
				d.OnRadioPoweredOff()
			}
		})
	}
}

func (m *Manager) setPower(state radio.PowerState) {
	prev := m.power
	m.power = state
	switch {
	case state == radio.PoweredOn && prev != radio.PoweredOn:
		close(m.poweredOn)
	case state != radio.PoweredOn && prev == radio.PoweredOn:
		m.poweredOn = make(chan struct{})
	}
}

// requirePoweredOn must be called with m.mu held.
func (m *Manager) requirePoweredOn() error {
	if m.closed {
		return &device.ConnectionError{State: device.RadioUnavailable, Msg: "manager closed"}
	}
	if m.power != radio.PoweredOn {
		return &device.ConnectionError{State: device.RadioUnavailable, Msg: "radio is " + m.power.String()}
	}
	return nil
}

func (m *Manager) transition(p *Peripheral, to ConnectionState, reason string) {
	from := p.setState(to)
	if from == to {
		return
	}
	m.logger.WithFields(logrus.Fields{
		"peripheral": p.ID(),
		"from":       from,
		"to":         to,
		"reason":     reason,
	}).Debug("Peripheral state changed")
}

// canonicalID upper-cases MAC addresses and UUIDs so that identifiers from
// different sources compare equal. Other identifiers are kept verbatim.
func canonicalID(id string) string {
	if c, err := device.ValidateIdentifier(id); err == nil {
		return c
	}
	return id
}
