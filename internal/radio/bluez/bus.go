package bluez

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/radio"
)

const (
	busName         = "org.bluez"
	adapterIface    = "org.bluez.Adapter1"
	deviceIface     = "org.bluez.Device1"
	propsIface      = "org.freedesktop.DBus.Properties"
	objManagerIface = "org.freedesktop.DBus.ObjectManager"

	propsChangedSignal    = propsIface + ".PropertiesChanged"
	interfacesAddedSignal = objManagerIface + ".InterfacesAdded"
)

// Conn is the subset of *dbus.Conn the adapter uses.
type Conn interface {
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)
	AddMatchSignal(options ...dbus.MatchOption) error
	Close() error
}

// ConnFactory opens a private system bus connection.
var ConnFactory = func() (Conn, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}
	return conn, nil
}

// devicePath converts "AA:BB:CC:DD:EE:FF" to "<adapter>/dev_AA_BB_CC_DD_EE_FF".
func devicePath(adapter dbus.ObjectPath, addr string) dbus.ObjectPath {
	return dbus.ObjectPath(string(adapter) + "/dev_" + strings.ReplaceAll(strings.ToUpper(addr), ":", "_"))
}

// addressFromPath extracts the MAC address from a BlueZ device object path.
func addressFromPath(adapter dbus.ObjectPath, path dbus.ObjectPath) (string, bool) {
	prefix := string(adapter) + "/dev_"
	s := string(path)
	if !strings.HasPrefix(s, prefix) {
		return "", false
	}
	rest := s[len(prefix):]
	if strings.Contains(rest, "/") {
		// GATT objects live below the device path
		return "", false
	}
	return strings.ReplaceAll(rest, "_", ":"), true
}

// discoveryFromProps builds a Discovery from org.bluez.Device1 properties.
// Alias is ignored: BlueZ defaults it to the address.
func discoveryFromProps(id string, props map[string]dbus.Variant) radio.Discovery {
	d := radio.Discovery{ID: id, SeenAt: time.Now()}
	mergeProps(&d, props)
	return d
}

// mergeProps applies changed Device1 properties to d. Reports whether the
// change counts as a fresh sighting (RSSI present).
func mergeProps(d *radio.Discovery, props map[string]dbus.Variant) bool {
	if v, ok := props["Name"]; ok {
		if name, ok := v.Value().(string); ok {
			d.Name = name
		}
	}
	if v, ok := props["UUIDs"]; ok {
		if uuids, ok := v.Value().([]string); ok {
			services := device.NormalizeUUIDs(uuids)
			slices.Sort(services)
			d.Services = slices.Compact(services)
		}
	}
	v, ok := props["RSSI"]
	if !ok {
		return false
	}
	if rssi, ok := v.Value().(int16); ok {
		d.RSSI = int(rssi)
	}
	d.SeenAt = time.Now()
	return true
}

func boolProp(props map[string]dbus.Variant, name string) (value, ok bool) {
	v, found := props[name]
	if !found {
		return false, false
	}
	value, ok = v.Value().(bool)
	return value, ok
}

// NormalizeError maps BlueZ D-Bus error names to the device error types.
func NormalizeError(id string, err error) error {
	if err == nil {
		return nil
	}
	switch dbusErrorName(err) {
	case "org.bluez.Error.NotReady", "org.bluez.Error.NotPowered":
		return fmt.Errorf("%w: %v", device.ErrRadioUnavailable, err)
	case "org.bluez.Error.AlreadyConnected":
		return fmt.Errorf("%w: %v", device.ErrAlreadyConnected, err)
	case "org.bluez.Error.NotConnected":
		return fmt.Errorf("%w: %v", device.ErrNotConnected, err)
	case "org.freedesktop.DBus.Error.UnknownObject", "org.bluez.Error.DoesNotExist":
		return &device.NotFoundError{Resource: "peripheral", UUIDs: []string{id}}
	}
	return device.NormalizeError(err)
}

func dbusErrorName(err error) string {
	var ptr *dbus.Error
	if errors.As(err, &ptr) && ptr != nil {
		return ptr.Name
	}
	var val dbus.Error
	if errors.As(err, &val) {
		return val.Name
	}
	return ""
}
