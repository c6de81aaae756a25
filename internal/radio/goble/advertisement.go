package goble

import (
	"slices"
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/radio"
)

// discoveryFromAdvertisement converts a go-ble advertisement into a radio.Discovery.
// Overflow services (iOS background advertising) count as advertised services.
func discoveryFromAdvertisement(adv ble.Advertisement) radio.Discovery {
	services := make([]string, 0, len(adv.Services())+len(adv.OverflowService()))
	for _, u := range adv.Services() {
		services = append(services, device.NormalizeUUID(u.String()))
	}
	for _, u := range adv.OverflowService() {
		services = append(services, device.NormalizeUUID(u.String()))
	}
	slices.Sort(services)

	return radio.Discovery{
		ID:       adv.Addr().String(),
		Name:     adv.LocalName(),
		Services: slices.Compact(services),
		RSSI:     adv.RSSI(),
		SeenAt:   time.Now(),
	}
}
