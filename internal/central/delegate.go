package central

import "weak"

// Delegate receives lifecycle notifications that are not tied to a caller request.
type Delegate interface {
	// OnPeripheralDisconnected is called once per link loss of a Connected or
	// Disconnecting peripheral. err is nil for a clean, requested disconnect
	// and a *device.DisconnectError otherwise.
	OnPeripheralDisconnected(p *Peripheral, err error)

	// OnRadioPoweredOff is called once per transition into the powered-off state.
	OnRadioPoweredOff()
}

// ScanHandler receives scan results. On a sighting p is set and err is nil;
// when the radio aborts the scan p is nil and err says why. No further calls
// follow an error.
type ScanHandler func(p *Peripheral, err error)

// ConnectHandler receives the single outcome of a Connect request.
type ConnectHandler func(err error)

// Executor runs notifications on the designated context. Post must not run
// fn before returning, and must preserve post order.
// *dispatch.Gateway is the default implementation.
type Executor interface {
	Post(fn func())
}

// delegateRef resolves the bound delegate, or nil once it has been collected.
type delegateRef func() Delegate

// SetDelegate binds d to m without keeping d alive. When the last strong
// reference to d goes away, delegate notifications are silently dropped.
//
//	type app struct{ ... }
//	func (a *app) OnPeripheralDisconnected(p *central.Peripheral, err error) { ... }
//	func (a *app) OnRadioPoweredOff() { ... }
//
//	central.SetDelegate(mgr, a)
func SetDelegate[T any, PT interface {
	*T
	Delegate
}](m *Manager, d PT) {
	if d == nil {
		m.ClearDelegate()
		return
	}
	wp := weak.Make((*T)(d))
	m.setDelegate(func() Delegate {
		if v := wp.Value(); v != nil {
			return PT(v)
		}
		return nil
	})
}
