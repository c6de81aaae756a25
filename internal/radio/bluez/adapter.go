// Package bluez implements radio.Adapter over the BlueZ D-Bus API (Linux).
//
// Power, discovery and link state all come from org.freedesktop.DBus.Properties
// PropertiesChanged signals on the adapter and device objects; new devices
// arrive through ObjectManager InterfacesAdded.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/groutine"
	"github.com/srg/blecentral/internal/radio"
)

var (
	errLinkLost         = errors.New("link lost")
	errDiscoveryStopped = errors.New("discovery stopped by bluetoothd")
)

// Options configures the adapter
type Options struct {
	AdapterID   string // e.g. "hci0"
	EventBuffer int
}

type link struct {
	requested atomic.Bool
}

// Adapter is the BlueZ radio.Adapter
type Adapter struct {
	opts   Options
	path   dbus.ObjectPath
	logger *logrus.Logger
	events *radio.EventStream

	dials *hashmap.Map[string, context.CancelFunc]
	links *hashmap.Map[string, *link]
	known *hashmap.Map[string, radio.Discovery]

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	conn     Conn
	signals  chan *dbus.Signal
	power    radio.PowerState
	scanning bool
	closed   bool
}

var _ radio.Adapter = (*Adapter)(nil)

// NewAdapter creates a BlueZ adapter for the given controller. No bus
// connection is made until Start.
func NewAdapter(opts Options, logger *logrus.Logger) *Adapter {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.AdapterID == "" {
		opts.AdapterID = "hci0"
	}
	if opts.EventBuffer == 0 {
		opts.EventBuffer = radio.DefaultEventBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		opts:   opts,
		path:   dbus.ObjectPath("/org/bluez/" + opts.AdapterID),
		logger: logger,
		events: radio.NewEventStream(opts.EventBuffer),
		dials:  hashmap.New[string, context.CancelFunc](),
		links:  hashmap.New[string, *link](),
		known:  hashmap.New[string, radio.Discovery](),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (a *Adapter) Events() <-chan radio.Event {
	return a.events.C()
}

// Start connects to the system bus, subscribes to BlueZ signals and reports
// the controller's Powered state.
func (a *Adapter) Start(ctx context.Context) error {
	conn, err := ConnFactory()
	if err != nil {
		return fmt.Errorf("%w: %w", device.ErrRadioUnavailable, err)
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchPathNamespace(a.path),
	); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to subscribe to PropertiesChanged: %w", err)
	}
	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(objManagerIface),
		dbus.WithMatchMember("InterfacesAdded"),
	); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to subscribe to InterfacesAdded: %w", err)
	}

	var powered dbus.Variant
	if err := conn.Object(busName, a.path).CallWithContext(ctx, propsIface+".Get", 0, adapterIface, "Powered").Store(&powered); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to read %s Powered: %w", a.opts.AdapterID, NormalizeError(a.opts.AdapterID, err))
	}
	state := radio.PoweredOff
	if on, _ := powered.Value().(bool); on {
		state = radio.PoweredOn
	}

	signals := make(chan *dbus.Signal, 64)
	conn.Signal(signals)

	a.mu.Lock()
	a.conn = conn
	a.signals = signals
	a.power = state
	a.mu.Unlock()

	a.logger.WithFields(logrus.Fields{
		"adapter": a.opts.AdapterID,
		"power":   state,
	}).Info("Connected to BlueZ")

	a.events.Emit(radio.PowerStateChanged{State: state})
	groutine.Go(a.ctx, "bluez-signals", func(ctx context.Context) {
		a.signalLoop(ctx, signals)
	})
	return nil
}

// StartScan sets an LE discovery filter and starts discovery. Restarting an
// active scan only replaces the filter.
func (a *Adapter) StartScan(services []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn == nil || a.power != radio.PoweredOn {
		return device.ErrRadioUnavailable
	}

	filter := map[string]dbus.Variant{
		"Transport":     dbus.MakeVariant("le"),
		"DuplicateData": dbus.MakeVariant(true),
	}
	if len(services) > 0 {
		uuids := make([]string, 0, len(services))
		for _, s := range services {
			full, err := device.ExpandUUID(s)
			if err != nil {
				return err
			}
			uuids = append(uuids, full)
		}
		filter["UUIDs"] = dbus.MakeVariant(uuids)
	}

	obj := a.conn.Object(busName, a.path)
	if err := obj.Call(adapterIface+".SetDiscoveryFilter", 0, filter).Err; err != nil {
		return fmt.Errorf("failed to set discovery filter: %w", NormalizeError(a.opts.AdapterID, err))
	}
	if !a.scanning {
		if err := obj.Call(adapterIface+".StartDiscovery", 0).Err; err != nil {
			return fmt.Errorf("failed to start discovery: %w", NormalizeError(a.opts.AdapterID, err))
		}
	}
	a.scanning = true

	a.logger.WithField("services", services).Debug("BlueZ discovery started")
	return nil
}

func (a *Adapter) StopScan() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.scanning {
		return nil
	}
	a.scanning = false
	if err := a.conn.Object(busName, a.path).Call(adapterIface+".StopDiscovery", 0).Err; err != nil {
		return fmt.Errorf("failed to stop discovery: %w", NormalizeError(a.opts.AdapterID, err))
	}
	return nil
}

// Connect calls Device1.Connect in the background. The call returns once
// BlueZ has established the link or given up.
func (a *Adapter) Connect(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn == nil || a.power != radio.PoweredOn {
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
	obj := a.conn.Object(busName, devicePath(a.path, id))

	a.logger.WithField("address", id).Debug("Device1.Connect")
	groutine.Go(dialCtx, "bluez-connect", func(ctx context.Context) {
		err := obj.CallWithContext(ctx, deviceIface+".Connect", 0).Err
		a.dials.Del(id)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				err = fmt.Errorf("%w: %v", context.Canceled, err)
			}
			a.events.Emit(radio.ConnectResult{ID: id, Err: NormalizeError(id, err)})
			return
		}
		a.links.Set(id, &link{})
		a.events.Emit(radio.ConnectResult{ID: id})
	})
	return nil
}

// CancelConnect abandons the pending Connect call and asks BlueZ to drop the
// half-open connection.
func (a *Adapter) CancelConnect(id string) error {
	cancel, ok := a.dials.Get(id)
	if !ok {
		return nil
	}
	cancel()

	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return nil
	}
	obj := conn.Object(busName, devicePath(a.path, id))
	groutine.Go(a.ctx, "bluez-cancel-connect", func(ctx context.Context) {
		if err := obj.CallWithContext(ctx, deviceIface+".Disconnect", 0).Err; err != nil {
			a.logger.WithFields(logrus.Fields{"address": id, "error": err}).Debug("Disconnect after cancel failed")
		}
	})
	return nil
}

// Disconnect calls Device1.Disconnect; the Connected=false signal that
// follows produces the Disconnected event.
func (a *Adapter) Disconnect(id string) error {
	l, ok := a.links.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", device.ErrNotConnected, id)
	}
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return device.ErrRadioUnavailable
	}
	l.requested.Store(true)

	obj := conn.Object(busName, devicePath(a.path, id))
	groutine.Go(a.ctx, "bluez-disconnect", func(ctx context.Context) {
		if err := obj.CallWithContext(ctx, deviceIface+".Disconnect", 0).Err; err != nil {
			a.logger.WithFields(logrus.Fields{"address": id, "error": err}).Warn("Device1.Disconnect failed")
		}
	})
	return nil
}

// RetrieveKnown looks the peripheral up among BlueZ's device objects, which
// include bonded devices and anything cached from earlier discovery.
func (a *Adapter) RetrieveKnown(ctx context.Context, id string) (radio.Discovery, error) {
	if d, ok := a.known.Get(id); ok {
		return d, nil
	}

	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return radio.Discovery{}, device.ErrRadioUnavailable
	}

	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	call := conn.Object(busName, "/").CallWithContext(ctx, objManagerIface+".GetManagedObjects", 0)
	if call.Err != nil {
		return radio.Discovery{}, fmt.Errorf("GetManagedObjects: %w", call.Err)
	}
	if err := call.Store(&objs); err != nil {
		return radio.Discovery{}, fmt.Errorf("decode GetManagedObjects: %w", err)
	}

	for path, ifaces := range objs {
		props, ok := ifaces[deviceIface]
		if !ok {
			continue
		}
		addr, ok := addressFromPath(a.path, path)
		if !ok || !strings.EqualFold(addr, id) {
			continue
		}
		d := discoveryFromProps(addr, props)
		a.known.Set(addr, d)
		return d, nil
	}
	return radio.Discovery{}, &device.NotFoundError{Resource: "peripheral", UUIDs: []string{id}}
}

// Close stops discovery, unsubscribes and closes the bus connection.
// Established links are left to BlueZ.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	conn := a.conn
	a.conn = nil
	scanning := a.scanning
	a.scanning = false
	signals := a.signals
	a.mu.Unlock()

	a.cancel()
	a.events.Close()
	if conn == nil {
		return nil
	}

	if scanning {
		_ = conn.Object(busName, a.path).Call(adapterIface+".StopDiscovery", 0).Err
	}
	a.links.Range(func(id string, _ *link) bool {
		if err := conn.Object(busName, devicePath(a.path, id)).Call(deviceIface+".Disconnect", 0).Err; err != nil {
			a.logger.WithFields(logrus.Fields{"address": id, "error": err}).Debug("Disconnect on close failed")
		}
		return true
	})
	conn.RemoveSignal(signals)
	return conn.Close()
}

func (a *Adapter) signalLoop(ctx context.Context, signals <-chan *dbus.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			a.handleSignal(sig)
		}
	}
}

func (a *Adapter) handleSignal(sig *dbus.Signal) {
	if sig == nil || len(sig.Body) < 2 {
		return
	}
	switch sig.Name {
	case propsChangedSignal:
		iface, _ := sig.Body[0].(string)
		changed, _ := sig.Body[1].(map[string]dbus.Variant)
		switch {
		case iface == adapterIface && sig.Path == a.path:
			a.adapterChanged(changed)
		case iface == deviceIface:
			if id, ok := addressFromPath(a.path, sig.Path); ok {
				a.deviceChanged(id, sig.Path, changed)
			}
		}

	case interfacesAddedSignal:
		path, _ := sig.Body[0].(dbus.ObjectPath)
		ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
		props, ok := ifaces[deviceIface]
		if !ok {
			return
		}
		id, ok := addressFromPath(a.path, path)
		if !ok {
			return
		}
		d := discoveryFromProps(id, props)
		a.known.Set(id, d)
		if a.isScanning() {
			a.events.Emit(radio.Discovered{Discovery: d})
		}
	}
}

func (a *Adapter) adapterChanged(changed map[string]dbus.Variant) {
	if powered, ok := boolProp(changed, "Powered"); ok {
		a.powerChanged(powered)
	}
	if discovering, ok := boolProp(changed, "Discovering"); ok && !discovering {
		a.mu.Lock()
		lost := a.scanning
		a.scanning = false
		a.mu.Unlock()
		if lost {
			a.logger.Warn("BlueZ discovery stopped unexpectedly")
			a.events.Emit(radio.ScanFailed{Err: errDiscoveryStopped})
		}
	}
}

func (a *Adapter) powerChanged(powered bool) {
	state := radio.PoweredOff
	if powered {
		state = radio.PoweredOn
	}

	a.mu.Lock()
	if a.closed || a.power == state {
		a.mu.Unlock()
		return
	}
	a.power = state
	if !powered {
		a.scanning = false
	}
	a.mu.Unlock()

	if !powered {
		a.dials.Range(func(id string, cancel context.CancelFunc) bool {
			cancel()
			return true
		})
		a.links.Range(func(id string, _ *link) bool {
			a.links.Del(id)
			return true
		})
	}

	a.logger.WithField("power", state).Info("BlueZ adapter power changed")
	a.events.Emit(radio.PowerStateChanged{State: state})
}

func (a *Adapter) deviceChanged(id string, path dbus.ObjectPath, changed map[string]dbus.Variant) {
	if connected, ok := boolProp(changed, "Connected"); ok && !connected {
		if l, ok := a.links.Get(id); ok {
			a.links.Del(id)
			var err error
			if !l.requested.Load() {
				err = errLinkLost
			}
			a.events.Emit(radio.Disconnected{ID: id, Err: err})
		}
	}

	d, ok := a.known.Get(id)
	if !ok {
		d = a.fetchDevice(id, path)
	}
	sighted := mergeProps(&d, changed)
	a.known.Set(id, d)
	if sighted && a.isScanning() {
		a.events.Emit(radio.Discovered{Discovery: d})
	}
}

// fetchDevice reads all Device1 properties of a device first seen through a
// PropertiesChanged signal.
func (a *Adapter) fetchDevice(id string, path dbus.ObjectPath) radio.Discovery {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return radio.Discovery{ID: id}
	}

	var props map[string]dbus.Variant
	if err := conn.Object(busName, path).Call(propsIface+".GetAll", 0, deviceIface).Store(&props); err != nil {
		a.logger.WithFields(logrus.Fields{"address": id, "error": err}).Debug("GetAll failed")
		return radio.Discovery{ID: id}
	}
	return discoveryFromProps(id, props)
}

func (a *Adapter) isScanning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scanning
}
