// Package tinygo implements radio.Adapter on tinygo.org/x/bluetooth.
//
// The library offers no way to abort a pending Connect or to observe power
// changes. CancelConnect therefore only marks the attempt abandoned; a link
// that completes afterwards is dropped and reported as cancelled.
package tinygo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/groutine"
	"github.com/srg/blecentral/internal/radio"
	"tinygo.org/x/bluetooth"
)

// DefaultPowerPollInterval is used when Options.PowerPollInterval is zero.
const DefaultPowerPollInterval = 2 * time.Second

var errLinkLost = errors.New("link lost")

// Radio is the subset of *bluetooth.Adapter the backend drives.
type Radio interface {
	Enable() error
	Scan(callback func(*bluetooth.Adapter, bluetooth.ScanResult)) error
	StopScan() error
	Connect(address bluetooth.Address, params bluetooth.ConnectionParams) (bluetooth.Device, error)
	SetConnectHandler(c func(device bluetooth.Device, connected bool))
}

// RadioFactory returns the platform default adapter.
var RadioFactory = func() Radio {
	return bluetooth.DefaultAdapter
}

// disconnectDevice is swapped in tests: a zero bluetooth.Device has no
// platform handle behind it.
var disconnectDevice = func(d bluetooth.Device) error {
	return d.Disconnect()
}

// Options configures the adapter
type Options struct {
	EventBuffer       int
	PowerPollInterval time.Duration
}

type dial struct {
	cancelled atomic.Bool
}

type link struct {
	device    bluetooth.Device
	requested atomic.Bool
}

// Adapter is the tinygo radio.Adapter
type Adapter struct {
	opts   Options
	logger *logrus.Logger
	radio  Radio
	events *radio.EventStream

	dials *hashmap.Map[string, *dial]
	links *hashmap.Map[string, *link]
	known *hashmap.Map[string, radio.Discovery]

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	enabled  bool
	scanning bool
	scanGen  uint64
	filter   []bluetooth.UUID
	closed   bool
}

var _ radio.Adapter = (*Adapter)(nil)

// NewAdapter creates an adapter over RadioFactory().
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
		radio:  RadioFactory(),
		events: radio.NewEventStream(opts.EventBuffer),
		dials:  hashmap.New[string, *dial](),
		links:  hashmap.New[string, *link](),
		known:  hashmap.New[string, radio.Discovery](),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (a *Adapter) Events() <-chan radio.Event {
	return a.events.C()
}

// Start enables the adapter. A failed Enable is reported as PoweredOff and
// retried in the background.
func (a *Adapter) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.radio.SetConnectHandler(a.onConnectChange)

	if err := a.radio.Enable(); err != nil {
		a.logger.WithError(err).Info("Bluetooth adapter not available, waiting for it to power on")
		a.events.Emit(radio.PowerStateChanged{State: radio.PoweredOff})
		groutine.Go(a.ctx, "tinygo-enable-probe", a.pollEnable)
		return nil
	}

	a.mu.Lock()
	a.enabled = true
	a.mu.Unlock()
	a.events.Emit(radio.PowerStateChanged{State: radio.PoweredOn})
	return nil
}

func (a *Adapter) pollEnable(ctx context.Context) {
	ticker := time.NewTicker(a.opts.PowerPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := a.radio.Enable(); err != nil {
			a.logger.WithError(err).Debug("Bluetooth adapter still unavailable")
			continue
		}
		a.mu.Lock()
		a.enabled = true
		a.mu.Unlock()
		a.logger.Info("Bluetooth adapter enabled")
		a.events.Emit(radio.PowerStateChanged{State: radio.PoweredOn})
		return
	}
}

// StartScan scans until StopScan. When services are given only those UUIDs
// are checked against each advertisement; the library exposes no full list.
func (a *Adapter) StartScan(services []string) error {
	filter := make([]bluetooth.UUID, 0, len(services))
	for _, s := range services {
		full, err := device.ExpandUUID(s)
		if err != nil {
			return err
		}
		u, err := bluetooth.ParseUUID(full)
		if err != nil {
			return fmt.Errorf("parse service UUID %s: %w", s, err)
		}
		filter = append(filter, u)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.enabled {
		return device.ErrRadioUnavailable
	}
	a.filter = filter
	if a.scanning {
		return nil
	}
	a.scanning = true
	a.scanGen++
	gen := a.scanGen

	groutine.Go(a.ctx, "tinygo-scan", func(ctx context.Context) {
		err := a.radio.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			d := a.discoveryFromResult(result)
			a.known.Set(d.ID, d)
			a.events.Emit(radio.Discovered{Discovery: d})
		})
		a.scanEnded(gen, err)
	})
	return nil
}

func (a *Adapter) discoveryFromResult(result bluetooth.ScanResult) radio.Discovery {
	a.mu.Lock()
	filter := a.filter
	a.mu.Unlock()

	var services []string
	for _, u := range filter {
		if result.HasServiceUUID(u) {
			services = append(services, device.NormalizeUUID(u.String()))
		}
	}
	return radio.Discovery{
		ID:       strings.ToUpper(result.Address.String()),
		Name:     result.LocalName(),
		Services: services,
		RSSI:     int(result.RSSI),
		SeenAt:   time.Now(),
	}
}

func (a *Adapter) scanEnded(gen uint64, err error) {
	a.mu.Lock()
	current := a.scanning && gen == a.scanGen
	if current {
		a.scanning = false
	}
	closed := a.closed
	a.mu.Unlock()

	if !current || closed {
		return
	}
	if err == nil {
		err = errors.New("scan ended")
	}
	a.logger.WithError(err).Warn("tinygo scan stopped unexpectedly")
	a.events.Emit(radio.ScanFailed{Err: device.NormalizeError(err)})
}

func (a *Adapter) StopScan() error {
	a.mu.Lock()
	if !a.scanning {
		a.mu.Unlock()
		return nil
	}
	a.scanning = false
	a.mu.Unlock()

	return a.radio.StopScan()
}

// Connect runs the blocking library Connect in the background.
func (a *Adapter) Connect(id string) error {
	var addr bluetooth.Address
	addr.Set(id)

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.enabled {
		return device.ErrRadioUnavailable
	}
	if _, ok := a.links.Get(id); ok {
		return fmt.Errorf("%w: %s", device.ErrAlreadyConnected, id)
	}
	pending := &dial{}
	if !a.dials.Insert(id, pending) {
		return fmt.Errorf("connect to %s already in progress", id)
	}

	groutine.Go(a.ctx, "tinygo-connect", func(ctx context.Context) {
		dev, err := a.radio.Connect(addr, bluetooth.ConnectionParams{})
		a.dials.Del(id)

		if err != nil {
			a.events.Emit(radio.ConnectResult{ID: id, Err: device.NormalizeError(err)})
			return
		}
		if pending.cancelled.Load() || ctx.Err() != nil {
			a.logger.WithField("address", id).Debug("Dropping link completed after cancel")
			if err := disconnectDevice(dev); err != nil {
				a.logger.WithFields(logrus.Fields{"address": id, "error": err}).Debug("Disconnect after cancel failed")
			}
			a.events.Emit(radio.ConnectResult{ID: id, Err: context.Canceled})
			return
		}

		a.links.Set(id, &link{device: dev})
		a.events.Emit(radio.ConnectResult{ID: id})
	})
	return nil
}

// CancelConnect marks a pending Connect as abandoned.
func (a *Adapter) CancelConnect(id string) error {
	if pending, ok := a.dials.Get(id); ok {
		pending.cancelled.Store(true)
	}
	return nil
}

func (a *Adapter) Disconnect(id string) error {
	l, ok := a.links.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", device.ErrNotConnected, id)
	}
	l.requested.Store(true)

	groutine.Go(a.ctx, "tinygo-disconnect", func(ctx context.Context) {
		if err := disconnectDevice(l.device); err != nil {
			a.logger.WithFields(logrus.Fields{"address": id, "error": err}).Warn("Disconnect failed")
			l.requested.Store(false)
			return
		}
		// not every platform calls the connect handler for a local disconnect
		a.linkDown(id, l)
	})
	return nil
}

// RetrieveKnown returns a peripheral seen by this adapter since Start.
func (a *Adapter) RetrieveKnown(ctx context.Context, id string) (radio.Discovery, error) {
	if err := ctx.Err(); err != nil {
		return radio.Discovery{}, err
	}
	if d, ok := a.known.Get(id); ok {
		return d, nil
	}
	return radio.Discovery{}, &device.NotFoundError{Resource: "peripheral", UUIDs: []string{id}}
}

func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	scanning := a.scanning
	a.scanning = false
	a.mu.Unlock()

	a.cancel()
	a.events.Close()
	if scanning {
		_ = a.radio.StopScan()
	}
	a.links.Range(func(id string, l *link) bool {
		l.requested.Store(true)
		if err := disconnectDevice(l.device); err != nil {
			a.logger.WithFields(logrus.Fields{"address": id, "error": err}).Debug("Disconnect on close failed")
		}
		a.links.Del(id)
		return true
	})
	return nil
}

func (a *Adapter) onConnectChange(dev bluetooth.Device, connected bool) {
	if connected {
		return
	}
	id := strings.ToUpper(dev.Address.String())
	if l, ok := a.links.Get(id); ok {
		a.linkDown(id, l)
	}
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
	a.events.Emit(radio.Disconnected{ID: id, Err: err})
}
