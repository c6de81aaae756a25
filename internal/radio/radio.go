// Package radio defines the boundary between the central manager and a
// platform Bluetooth stack.
//
// An Adapter accepts commands without blocking on their outcome and reports
// every outcome, plus unsolicited radio activity, as an Event on its event
// stream. Backends live in sub-packages (goble, bluez, tinygo).
package radio

import (
	"context"
	"time"
)

// PowerState is the radio's availability as reported by the platform.
type PowerState int

const (
	PowerUnknown PowerState = iota
	PoweredOff
	PoweredOn
)

func (s PowerState) String() string {
	switch s {
	case PoweredOff:
		return "powered_off"
	case PoweredOn:
		return "powered_on"
	default:
		return "unknown"
	}
}

// Discovery is a single advertisement sighting or a known-peripheral lookup result.
type Discovery struct {
	ID       string
	Name     string
	Services []string // normalized service UUIDs
	RSSI     int
	SeenAt   time.Time
}

// Adapter is implemented by each platform backend.
//
// Command methods must not block waiting for the radio: they return once the
// request is handed to the platform and report the outcome later as an Event.
// A synchronous error means the request was never issued.
//
// Every accepted Connect yields exactly one ConnectResult, a cancelled one
// included (Err wraps context.Canceled). The attempt is released before its
// result is emitted, so a Connect for the same id issued in response is
// accepted.
type Adapter interface {
	// Start opens the platform stack and begins emitting events. The first
	// event is a PowerStateChanged describing the current radio state.
	Start(ctx context.Context) error

	// Events returns the adapter's event stream. The channel is never closed;
	// it stops producing after Close.
	Events() <-chan Event

	StartScan(services []string) error
	StopScan() error

	Connect(id string) error
	CancelConnect(id string) error
	Disconnect(id string) error

	// RetrieveKnown asks the platform for a peripheral it already knows
	// (bonded, cached, or previously seen). Returns a *device.NotFoundError when unknown.
	RetrieveKnown(ctx context.Context, id string) (Discovery, error)

	Close() error
}

// Event is one asynchronous notification from an Adapter.
type Event interface {
	isEvent()
}

// PowerStateChanged reports a radio power transition.
type PowerStateChanged struct {
	State PowerState
}

// Discovered reports an advertisement seen while scanning.
type Discovered struct {
	Discovery
}

// ConnectResult completes a Connect request. Err is nil on success.
type ConnectResult struct {
	ID  string
	Err error
}

// Disconnected reports that a link went down, whether requested or not.
// Err is nil for a requested disconnect.
type Disconnected struct {
	ID  string
	Err error
}

// ScanFailed reports that an active scan stopped on its own.
type ScanFailed struct {
	Err error
}

func (PowerStateChanged) isEvent() {}
func (Discovered) isEvent()        {}
func (ConnectResult) isEvent()     {}
func (Disconnected) isEvent()      {}
func (ScanFailed) isEvent()        {}
