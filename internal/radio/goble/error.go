package goble

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/blecentral/internal/device"
)

// darwinPoweredOff is the CoreBluetooth state error go-ble returns while the radio is off.
const darwinPoweredOff = "central manager has invalid state: have=4 want=5: is Bluetooth turned on?"

// NormalizeError maps known go-ble error strings to structured error types.
// It ensures consistent handling even if the upstream library changes messages slightly.
// Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	if err.Error() == darwinPoweredOff {
		return fmt.Errorf("%w: %w", device.ErrRadioUnavailable, device.ErrBluetoothOff)
	}
	return device.NormalizeError(err)
}

// isRadioOff reports whether err means the radio is not powered
func isRadioOff(err error) bool {
	return errors.Is(NormalizeError(err), device.ErrRadioUnavailable)
}

// isCancellation reports whether err only reflects our own context cancellation
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
