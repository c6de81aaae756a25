//go:build linux

package goble

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests).
// adapterID is an HCI device name such as "hci0".
//
//nolint:revive // DeviceFactory name is intentional for test mocking as goble.DeviceFactory
var DeviceFactory = func(adapterID string) (ble.Device, error) {
	index, err := hciIndex(adapterID)
	if err != nil {
		return nil, err
	}
	dev, err := linux.NewDevice(ble.OptDeviceID(index))
	if err != nil {
		return nil, err
	}
	return dev, nil
}

func hciIndex(adapterID string) (int, error) {
	if adapterID == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(strings.TrimPrefix(adapterID, "hci"))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid HCI adapter %q", adapterID)
	}
	return n, nil
}
