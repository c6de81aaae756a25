// Package goble implements radio.Adapter on top of github.com/go-ble/ble
// (CoreBluetooth on macOS, raw HCI on Linux).
//
// go-ble exposes no power-state notifications. The adapter reports PoweredOn
// once a device handle opens, PoweredOff when a scan or dial fails with a
// powered-off error, and polls until the radio comes back.
package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/groutine"
	"github.com/srg/blecentral/internal/radio"
)

// DefaultPowerPollInterval is used when Options.PowerPollInterval is zero.
const DefaultPowerPollInterval = 2 * time.Second

var errLinkLost = errors.New("link lost")

// Options configures the adapter
type Options struct {
	AdapterID         string
	EventBuffer       int
	PowerPollInterval time.Duration
}

// link is an established connection
type link struct {
	client    ble.Client
	requested atomic.Bool // a Disconnect was issued locally
}

// Adapter is the go-ble radio.Adapter
type Adapter struct {
	opts   Options
	logger *logrus.Logger
	events *radio.EventStream

	dials *hashmap.Map[string, context.CancelFunc]
	links *hashmap.Map[string, *link]
	known *hashmap.Map[string, radio.Discovery]

	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	dev        ble.Device
	power      radio.PowerState
	polling    bool
	scanCancel context.CancelFunc
	scanGen    uint64
	closed     bool
}

var _ radio.Adapter = (*Adapter)(nil)

// NewAdapter creates a go-ble adapter. No device handle is opened until Start.
func NewAdapter(opts Options, logger *logrus.Logger) *Adapter {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.EventBuffer == 0 {
		opts.EventBuffer = radio.DefaultEventBuffer
	}
	if opts.PowerPollInterval <= 0 {
		opts.PowerPollInterval = DefaultPowerPollInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		opts:   opts,
		logger: logger,
		events: radio.NewEventStream(opts.EventBuffer),
		dials:  hashmap.New[string, context.CancelFunc](),
		links:  hashmap.New[string, *link](),
		known:  hashmap.New[string, radio.Discovery](),
		ctx:    ctx,
		cancel: cancel,
		power:  radio.PowerUnknown,
	}
}

func (a *Adapter) Events() <-chan radio.Event {
	return a.events.C()
}

// Start opens the device handle and reports the resulting power state.
// A powered-off radio is not an error: PoweredOff is reported and the adapter
// keeps probing in the background.
func (a *Adapter) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dev, err := DeviceFactory(a.opts.AdapterID)
	if err != nil {
		if !isRadioOff(err) {
			return fmt.Errorf("failed to create BLE device: %w", NormalizeError(err))
		}
		a.logger.WithError(err).Info("Bluetooth is off, waiting for it to power on")
		a.mu.Lock()
		a.power = radio.PoweredOff
		a.startPollingLocked()
		a.mu.Unlock()
		a.events.Emit(radio.PowerStateChanged{State: radio.PoweredOff})
		return nil
	}

	a.mu.Lock()
	a.dev = dev
	a.power = radio.PoweredOn
	a.mu.Unlock()

	a.logger.WithField("adapter", a.opts.AdapterID).Info("BLE device opened")
	a.events.Emit(radio.PowerStateChanged{State: radio.PoweredOn})
	return nil
}

// StartScan starts a scan; any previous scan is cancelled first.
// Filtering is left to the caller so that every sighting refreshes RSSI.
func (a *Adapter) StartScan(services []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.dev == nil {
		return device.ErrRadioUnavailable
	}
	if a.scanCancel != nil {
		a.scanCancel()
	}
	a.scanGen++
	gen := a.scanGen
	scanCtx, cancel := context.WithCancel(a.ctx)
	a.scanCancel = cancel
	dev := a.dev

	a.logger.WithFields(logrus.Fields{
		"generation": gen,
		"services":   services,
	}).Debug("Starting go-ble scan")

	groutine.Go(scanCtx, "goble-scan", func(ctx context.Context) {
		err := dev.Scan(ctx, true, func(adv ble.Advertisement) {
			d := discoveryFromAdvertisement(adv)
			a.known.Set(d.ID, d)
			a.events.Emit(radio.Discovered{Discovery: d})
		})
		a.scanEnded(gen, err)
	})
	return nil
}

func (a *Adapter) scanEnded(gen uint64, err error) {
	if err == nil || isCancellation(err) {
		return
	}

	a.mu.Lock()
	current := gen == a.scanGen && a.scanCancel != nil
	if current {
		a.scanCancel()
		a.scanCancel = nil
	}
	a.mu.Unlock()

	if !current {
		return
	}
	a.logger.WithError(err).Warn("go-ble scan failed")
	a.events.Emit(radio.ScanFailed{Err: NormalizeError(err)})
	if isRadioOff(err) {
		a.poweredOff()
	}
}

func (a *Adapter) StopScan() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.scanCancel != nil {
		a.scanCancel()
		a.scanCancel = nil
	}
	return nil
}

// Connect dials id in the background and reports a ConnectResult.
func (a *Adapter) Connect(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.dev == nil {
		return device.ErrRadioUnavailable
	}
	if _, ok := a.links.Get(id); ok {
		return fmt.Errorf("%w: %s", device.ErrAlreadyConnected, id)
	}
	dialCtx, cancel := context.WithCancel(a.ctx)
	if !a.dials.Insert(id, cancel) {
		cancel()
		return fmt.Errorf("connect to %s already in progress", id)
	}
	dev := a.dev

	a.logger.WithField("address", id).Debug("Dialing BLE device...")
	groutine.Go(dialCtx, "goble-dial", func(ctx context.Context) {
		client, err := dev.Dial(ctx, ble.NewAddr(id))
		a.dials.Del(id)
		cancel()

		if err != nil {
			a.logger.WithFields(logrus.Fields{
				"address": id,
				"error":   err,
			}).Debug("Dial failed")
			a.events.Emit(radio.ConnectResult{ID: id, Err: NormalizeError(err)})
			if isRadioOff(err) {
				a.poweredOff()
			}
			return
		}

		l := &link{client: client}
		a.links.Set(id, l)
		a.rememberConnected(id, client)
		a.events.Emit(radio.ConnectResult{ID: id})
		a.monitor(id, l)
	})
	return nil
}

// CancelConnect aborts an in-flight dial. The dial goroutine reports the
// cancellation as a failed ConnectResult.
func (a *Adapter) CancelConnect(id string) error {
	cancel, ok := a.dials.Get(id)
	if !ok {
		return nil
	}
	cancel()
	return nil
}

// Disconnect drops an established link; a Disconnected event follows.
func (a *Adapter) Disconnect(id string) error {
	l, ok := a.links.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", device.ErrNotConnected, id)
	}
	l.requested.Store(true)

	groutine.Go(a.ctx, "goble-disconnect", func(ctx context.Context) {
		if err := l.client.CancelConnection(); err != nil {
			a.logger.WithFields(logrus.Fields{
				"address": id,
				"error":   err,
			}).Warn("CancelConnection failed")
		}
		if _, hasMonitor := l.client.(interface{ Disconnected() <-chan struct{} }); !hasMonitor {
			a.linkDown(id, l)
		}
	})
	return nil
}

// RetrieveKnown returns a peripheral seen by this adapter since Start.
// go-ble has no access to the platform's bonded-device store.
func (a *Adapter) RetrieveKnown(ctx context.Context, id string) (radio.Discovery, error) {
	if err := ctx.Err(); err != nil {
		return radio.Discovery{}, err
	}
	if d, ok := a.known.Get(id); ok {
		return d, nil
	}
	return radio.Discovery{}, &device.NotFoundError{Resource: "peripheral", UUIDs: []string{id}}
}

// Close cancels all activity, drops every link and releases the device.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	dev := a.dev
	a.dev = nil
	a.mu.Unlock()

	a.cancel()
	a.events.Close()

	a.links.Range(func(id string, l *link) bool {
		l.requested.Store(true)
		if err := l.client.CancelConnection(); err != nil {
			a.logger.WithFields(logrus.Fields{"address": id, "error": err}).Debug("CancelConnection on close failed")
		}
		return true
	})

	if dev != nil {
		if err := dev.Stop(); err != nil {
			return fmt.Errorf("failed to stop BLE device: %w", err)
		}
	}
	return nil
}

// monitor waits for the platform to report link loss.
// Monitor go-ble client Disconnected() channel (Darwin-specific)
func (a *Adapter) monitor(id string, l *link) {
	notifier, ok := l.client.(interface{ Disconnected() <-chan struct{} })
	if !ok {
		a.logger.Debug("Client does not support Disconnected() channel (non-Darwin platform?)")
		return
	}
	groutine.Go(a.ctx, "goble-link-monitor", func(ctx context.Context) {
		select {
		case <-notifier.Disconnected():
			a.linkDown(id, l)
		case <-ctx.Done():
		}
	})
}

func (a *Adapter) linkDown(id string, l *link) {
	current, ok := a.links.Get(id)
	if !ok || current != l {
		return
	}
	a.links.Del(id)

	var err error
	if !l.requested.Load() {
		err = errLinkLost
	}
	a.logger.WithFields(logrus.Fields{
		"address":   id,
		"requested": err == nil,
	}).Debug("Link down")
	a.events.Emit(radio.Disconnected{ID: id, Err: err})
}

func (a *Adapter) rememberConnected(id string, client ble.Client) {
	d, ok := a.known.Get(id)
	if !ok {
		d = radio.Discovery{ID: id}
	}
	if name := client.Name(); name != "" {
		d.Name = name
	}
	d.SeenAt = time.Now()
	a.known.Set(id, d)
}

// poweredOff drops the device handle, reports PoweredOff and starts probing.
func (a *Adapter) poweredOff() {
	a.mu.Lock()
	if a.closed || a.power == radio.PoweredOff {
		a.mu.Unlock()
		return
	}
	a.power = radio.PoweredOff
	dev := a.dev
	a.dev = nil
	if a.scanCancel != nil {
		a.scanCancel()
		a.scanCancel = nil
	}
	a.startPollingLocked()
	a.mu.Unlock()

	if dev != nil {
		_ = dev.Stop()
	}
	a.links.Range(func(id string, l *link) bool {
		a.links.Del(id)
		return true
	})
	a.logger.Warn("Bluetooth powered off")
	a.events.Emit(radio.PowerStateChanged{State: radio.PoweredOff})
}

// startPollingLocked must be called with a.mu held.
func (a *Adapter) startPollingLocked() {
	if a.polling {
		return
	}
	a.polling = true
	groutine.Go(a.ctx, "goble-power-probe", a.pollPower)
}

func (a *Adapter) pollPower(ctx context.Context) {
	ticker := time.NewTicker(a.opts.PowerPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		dev, err := DeviceFactory(a.opts.AdapterID)
		if err != nil {
			a.logger.WithError(err).Debug("Bluetooth still unavailable")
			continue
		}

		a.mu.Lock()
		if a.closed {
			a.mu.Unlock()
			_ = dev.Stop()
			return
		}
		a.dev = dev
		a.power = radio.PoweredOn
		a.polling = false
		a.mu.Unlock()

		a.logger.Info("Bluetooth powered on")
		a.events.Emit(radio.PowerStateChanged{State: radio.PoweredOn})
		return
	}
}
