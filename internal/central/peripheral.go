package central

import (
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/radio"
)

// ConnectionState is a peripheral's position in the connection lifecycle.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Disconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return "disconnected"
	}
}

// MarshalText implements encoding.TextMarshaler
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Peripheral is the registry record for one remote device.
//
// Discovery data is refreshed on every sighting; the connection state is
// changed only by the Manager. All getters are safe for concurrent use.
type Peripheral struct {
	mu       sync.RWMutex
	id       string
	name     string
	services []string
	rssi     int
	lastSeen time.Time
	state    ConnectionState
}

func newPeripheral(d radio.Discovery) *Peripheral {
	p := &Peripheral{id: d.ID}
	p.update(d)
	return p
}

func (p *Peripheral) ID() string {
	return p.id
}

// Name returns the advertised name, or the identifier when none was advertised.
func (p *Peripheral) Name() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.name == "" {
		return p.id
	}
	return p.name
}

// Services returns the normalized service UUIDs seen so far, sorted.
func (p *Peripheral) Services() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.services)
}

func (p *Peripheral) RSSI() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rssi
}

func (p *Peripheral) LastSeen() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastSeen
}

func (p *Peripheral) State() ConnectionState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// AdvertisesService reports whether uuid (any accepted notation) was advertised.
func (p *Peripheral) AdvertisesService(uuid string) bool {
	n := device.NormalizeUUID(uuid)
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, found := slices.BinarySearch(p.services, n)
	return found
}

// MarshalJSON renders a point-in-time view of the record.
func (p *Peripheral) MarshalJSON() ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	services := p.services
	if services == nil {
		services = []string{}
	}
	return json.Marshal(struct {
		ID       string          `json:"id"`
		Name     string          `json:"name"`
		RSSI     int             `json:"rssi"`
		Services []string        `json:"services"`
		State    ConnectionState `json:"state"`
		LastSeen time.Time       `json:"last_seen"`
	}{
		ID:       p.id,
		Name:     p.name,
		RSSI:     p.rssi,
		Services: services,
		State:    p.state,
		LastSeen: p.lastSeen,
	})
}

// update merges a sighting into the record. The connection state is left as is.
func (p *Peripheral) update(d radio.Discovery) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if d.Name != "" {
		p.name = d.Name
	}
	if d.RSSI != 0 {
		p.rssi = d.RSSI
	}
	for _, s := range d.Services {
		n := device.NormalizeUUID(s)
		if i, found := slices.BinarySearch(p.services, n); !found {
			p.services = slices.Insert(p.services, i, n)
		}
	}
	if d.SeenAt.IsZero() {
		p.lastSeen = time.Now()
	} else {
		p.lastSeen = d.SeenAt
	}
}

func (p *Peripheral) setState(s ConnectionState) (prev ConnectionState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev = p.state
	p.state = s
	return prev
}
