package device

import (
	"errors"
	"fmt"
	"strings"
)

// NotFoundError represents an error when a BLE resource is not found
type NotFoundError struct {
	Resource string   // "peripheral", "service"
	UUIDs    []string // One or more identifiers (e.g., [peripheralID])
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found (%d candidates)", e.Resource, e.UUIDs[0], len(e.UUIDs))
}

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	RadioUnavailable ConnectionState = "radio_unavailable"
	Cancelled        ConnectionState = "cancelled"
	Disconnecting    ConnectionState = "disconnecting"
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states
var (
	// ErrRadioUnavailable is reported when the radio is not powered on, or
	// when pending work was aborted by the radio powering off.
	ErrRadioUnavailable = &ConnectionError{State: RadioUnavailable}

	// ErrCancelled completes a connect attempt aborted by CancelConnection.
	ErrCancelled = &ConnectionError{State: Cancelled}

	ErrDisconnecting    = &ConnectionError{State: Disconnecting}
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
)

// Operation errors
var (
	ErrBluetoothOff     = errors.New("bluetooth is turned off")
	ErrConnectionFailed = errors.New("connection failed")
	ErrDisconnect       = errors.New("peripheral disconnected")
	ErrUnsupported      = errors.New("unsupported")
)

// ConnectionFailedError reports that the radio could not establish a link.
// Cause carries the platform error, when the platform reported one.
type ConnectionFailedError struct {
	ID    string
	Cause error
}

func (e *ConnectionFailedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("connection to %q failed", e.ID)
	}
	return fmt.Sprintf("connection to %q failed: %v", e.ID, e.Cause)
}

func (e *ConnectionFailedError) Unwrap() error { return e.Cause }

// Is matches ErrConnectionFailed
func (e *ConnectionFailedError) Is(target error) bool {
	return target == ErrConnectionFailed
}

// DisconnectError describes an abnormal loss of an established link.
type DisconnectError struct {
	ID    string
	Cause error
}

func (e *DisconnectError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("peripheral %q disconnected", e.ID)
	}
	return fmt.Sprintf("peripheral %q disconnected: %v", e.ID, e.Cause)
}

func (e *DisconnectError) Unwrap() error { return e.Cause }

// Is matches ErrDisconnect
func (e *DisconnectError) Is(target error) bool {
	return target == ErrDisconnect
}

// NormalizeError maps well-known radio error strings to structured error types.
// It ensures consistent handling even if the upstream library changes messages slightly.
// Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrBluetoothOff) {
		return fmt.Errorf("%w: %v", ErrRadioUnavailable, err)
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "bluetooth is turned off"),
		containsIgnoreCase(msg, "is Bluetooth turned on"),
		containsIgnoreCase(msg, "not powered"):
		return fmt.Errorf("%w: %v", ErrRadioUnavailable, err)
	case containsIgnoreCase(msg, "device not connected"):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	case containsIgnoreCase(msg, "device already connected"),
		containsIgnoreCase(msg, "already connected"):
		return fmt.Errorf("%w: %v", ErrAlreadyConnected, err)
	default:
		return err
	}
}

// containsIgnoreCase checks substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}
