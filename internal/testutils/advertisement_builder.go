//go:build test

package testutils

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/radio"
	"github.com/srg/blecentral/internal/testutils/mocks"
)

// AdvertisementBuilder builds advertisements for tests, either as a mocked
// ble.Advertisement (for the goble backend) or as a radio.Discovery (for
// MockAdapter driven tests).
type AdvertisementBuilder struct {
	name     string
	address  string
	rssi     int
	services []string
	overflow []string
}

// NewAdvertisementBuilder creates a builder with an RSSI of -50 and no name.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{rssi: -50}
}

// WithName sets the local name for the advertisement.
func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.name = name
	return b
}

// WithAddress sets the peripheral identifier.
func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.address = addr
	return b
}

func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.rssi = rssi
	return b
}

// WithServices sets the advertised service UUIDs.
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.services = uuids
	return b
}

// WithOverflowServices sets the overflow-area service UUIDs (iOS background advertising).
func (b *AdvertisementBuilder) WithOverflowServices(uuids ...string) *AdvertisementBuilder {
	b.overflow = uuids
	return b
}

// FromJSON fills builder fields from a JSON string with format support.
// Panics on invalid JSON as this is intended for test data setup.
func (b *AdvertisementBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *AdvertisementBuilder {
	var data struct {
		Name     *string  `json:"name"`
		Address  *string  `json:"address"`
		RSSI     *int     `json:"rssi"`
		Services []string `json:"services"`
		Overflow []string `json:"overflow"`
	}
	if err := json.Unmarshal([]byte(fmt.Sprintf(jsonStrFmt, args...)), &data); err != nil {
		panic(fmt.Sprintf("FromJSON: %v", err))
	}

	if data.Name != nil {
		b.name = *data.Name
	}
	if data.Address != nil {
		b.address = *data.Address
	}
	if data.RSSI != nil {
		b.rssi = *data.RSSI
	}
	if data.Services != nil {
		b.services = data.Services
	}
	if data.Overflow != nil {
		b.overflow = data.Overflow
	}
	return b
}

// Build creates a MockAdvertisement that implements ble.Advertisement.
func (b *AdvertisementBuilder) Build() *mocks.MockAdvertisement {
	adv := &mocks.MockAdvertisement{}
	adv.On("Addr").Return(ble.NewAddr(b.address))
	adv.On("LocalName").Return(b.name)
	adv.On("RSSI").Return(b.rssi)
	adv.On("Services").Return(toBLEUUIDs(b.services))
	adv.On("OverflowService").Return(toBLEUUIDs(b.overflow))
	return adv
}

// BuildDiscovery returns the radio.Discovery a backend would report for this
// advertisement.
func (b *AdvertisementBuilder) BuildDiscovery() radio.Discovery {
	services := append(device.NormalizeUUIDs(b.services), device.NormalizeUUIDs(b.overflow)...)
	slices.Sort(services)
	return radio.Discovery{
		ID:       b.address,
		Name:     b.name,
		Services: slices.Compact(services),
		RSSI:     b.rssi,
		SeenAt:   time.Now(),
	}
}

func toBLEUUIDs(uuids []string) []ble.UUID {
	if len(uuids) == 0 {
		return nil
	}
	out := make([]ble.UUID, 0, len(uuids))
	for _, s := range uuids {
		out = append(out, ble.MustParse(s))
	}
	return out
}

// AdvertisementArrayBuilder builds a list of mocked advertisements.
//
// Example:
//
//	ads := NewAdvertisementArrayBuilder().
//	    WithNewAdvertisement(func(b *AdvertisementBuilder) {
//	        b.WithName("HR").WithAddress("AA:BB:CC:DD:EE:01")
//	    }).
//	    WithAdvertisements(existing).
//	    Build()
type AdvertisementArrayBuilder struct {
	advertisements []ble.Advertisement
}

// NewAdvertisementArrayBuilder creates an empty array builder.
func NewAdvertisementArrayBuilder() *AdvertisementArrayBuilder {
	return &AdvertisementArrayBuilder{}
}

// WithAdvertisements appends pre-built advertisements.
func (ab *AdvertisementArrayBuilder) WithAdvertisements(ads ...ble.Advertisement) *AdvertisementArrayBuilder {
	ab.advertisements = append(ab.advertisements, ads...)
	return ab
}

// WithNewAdvertisement appends an advertisement configured by fn.
func (ab *AdvertisementArrayBuilder) WithNewAdvertisement(fn func(b *AdvertisementBuilder)) *AdvertisementArrayBuilder {
	b := NewAdvertisementBuilder()
	fn(b)
	ab.advertisements = append(ab.advertisements, b.Build())
	return ab
}

func (ab *AdvertisementArrayBuilder) Build() []ble.Advertisement {
	return ab.advertisements
}
