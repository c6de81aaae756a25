package central

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/blecentral/internal/radio"
)

// Registry owns every Peripheral record, one per identifier, in first-seen order.
// It is not synchronized; the Manager guards it with its own lock.
type Registry struct {
	records *orderedmap.OrderedMap[string, *Peripheral]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{records: orderedmap.New[string, *Peripheral]()}
}

// Upsert creates the record for d.ID or merges d into the existing one.
// The connection state of an existing record is never touched.
func (r *Registry) Upsert(d radio.Discovery) (p *Peripheral, created bool) {
	if existing, ok := r.records.Get(d.ID); ok {
		existing.update(d)
		return existing, false
	}
	p = newPeripheral(d)
	r.records.Set(d.ID, p)
	return p, true
}

func (r *Registry) Get(id string) (*Peripheral, bool) {
	return r.records.Get(id)
}

func (r *Registry) Len() int {
	return r.records.Len()
}

// Range calls fn for each record in first-seen order until fn returns false.
func (r *Registry) Range(fn func(p *Peripheral) bool) {
	for pair := r.records.Oldest(); pair != nil; pair = pair.Next() {
		if !fn(pair.Value) {
			return
		}
	}
}

// Snapshot returns all records in first-seen order.
func (r *Registry) Snapshot() []*Peripheral {
	out := make([]*Peripheral, 0, r.records.Len())
	r.Range(func(p *Peripheral) bool {
		out = append(out, p)
		return true
	})
	return out
}
