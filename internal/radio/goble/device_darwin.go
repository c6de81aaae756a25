//go:build darwin

package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests).
// CoreBluetooth has a single system radio, so adapterID is ignored.
//
//nolint:revive // DeviceFactory name is intentional for test mocking as goble.DeviceFactory
var DeviceFactory = func(adapterID string) (ble.Device, error) {
	dev, err := darwin.NewDevice()
	if err != nil {
		return nil, err
	}
	return dev, nil
}
