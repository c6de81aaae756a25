package central

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/device"
)

// Connect asks the radio to connect to p and reports the outcome to onComplete
// exactly once.
//
// If an earlier, abandoned attempt on p has not been settled by the radio
// yet, the new attempt is held and issued once it has; a late success of the
// abandoned attempt is handed to the held one instead of being dropped.
//
// There is no timeout: the attempt stays pending until the radio reports a
// result or CancelConnection is called. Concurrent Connect calls for the same
// peripheral share one radio attempt and all receive its outcome. Connect on a
// connected peripheral succeeds immediately.
func (m *Manager) Connect(p *Peripheral, onComplete ConnectHandler) {
	if onComplete == nil {
		onComplete = func(error) {}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if p == nil {
		m.complete([]ConnectHandler{onComplete}, &device.NotFoundError{Resource: "peripheral"})
		return
	}
	id := p.ID()
	rec, ok := m.registry.Get(id)
	if !ok {
		m.complete([]ConnectHandler{onComplete}, &device.NotFoundError{Resource: "peripheral", UUIDs: []string{id}})
		return
	}
	if err := m.requirePoweredOn(); err != nil {
		m.complete([]ConnectHandler{onComplete}, err)
		return
	}

	switch rec.State() {
	case Connected:
		m.complete([]ConnectHandler{onComplete}, nil)

	case Connecting:
		m.pending[id] = append(m.pending[id], onComplete)
		m.logger.WithFields(logrus.Fields{
			"peripheral": id,
			"waiters":    len(m.pending[id]),
		}).Debug("Joined pending connect")

	case Disconnecting:
		m.complete([]ConnectHandler{onComplete}, &device.ConnectionError{
			State: device.Disconnecting,
			Msg:   "peripheral " + id + " is disconnecting",
		})

	default:
		m.pending[id] = []ConnectHandler{onComplete}
		m.transition(rec, Connecting, "connect requested")
		if m.owes(id) {
			m.held[id] = struct{}{}
			m.logger.WithField("peripheral", id).Debug("Holding connect until the abandoned attempt settles")
			return
		}
		m.dial(rec)
	}
}

// dial issues the radio connect for a record already in Connecting.
func (m *Manager) dial(rec *Peripheral) {
	id := rec.ID()
	if err := m.adapter.Connect(id); err != nil {
		m.logger.WithFields(logrus.Fields{"peripheral": id, "error": err}).Warn("Radio refused connect")
		waiters := m.takeWaiters(id)
		m.transition(rec, Disconnected, "radio refused connect")
		m.complete(waiters, &device.ConnectionFailedError{ID: id, Cause: device.NormalizeError(err)})
	}
}

// Disconnect asks the radio to drop the link to p. The delegate's
// OnPeripheralDisconnected reports completion. No-op unless p is connected.
func (m *Manager) Disconnect(p *Peripheral) {
	if p == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.registry.Get(p.ID())
	if !ok || rec.State() != Connected {
		return
	}
	if err := m.adapter.Disconnect(rec.ID()); err != nil {
		m.logger.WithFields(logrus.Fields{"peripheral": rec.ID(), "error": err}).Warn("Radio refused disconnect, link kept")
		return
	}
	m.transition(rec, Disconnecting, "disconnect requested")
}

// CancelConnection aborts a pending connect to p. Every waiter completes with
// device.ErrCancelled. No-op unless p is connecting; once the radio has
// reported the connection the attempt can no longer be cancelled.
func (m *Manager) CancelConnection(p *Peripheral) {
	if p == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.registry.Get(p.ID())
	if !ok || rec.State() != Connecting {
		return
	}
	if _, held := m.held[rec.ID()]; !held {
		if err := m.adapter.CancelConnect(rec.ID()); err != nil {
			m.logger.WithFields(logrus.Fields{"peripheral": rec.ID(), "error": err}).Warn("Radio failed to cancel connect")
		}
	}
	m.abandonAttempt(rec.ID())
	m.complete(m.takeWaiters(rec.ID()), device.ErrCancelled)
	m.transition(rec, Disconnected, "connect cancelled")
}

// owedEvents counts radio events still due for work nobody waits on: the
// ConnectResult of every abandoned attempt, and the Disconnected of every
// link torn down because its attempt was abandoned.
type owedEvents struct {
	results     int
	disconnects int
}

func (m *Manager) owes(id string) bool {
	_, ok := m.owed[id]
	return ok
}

// abandonAttempt gives up on the attempt of a Connecting record. A held
// attempt was never issued, so nothing is owed for it.
func (m *Manager) abandonAttempt(id string) {
	if _, held := m.held[id]; held {
		delete(m.held, id)
		return
	}
	o := m.owed[id]
	if o == nil {
		o = &owedEvents{}
		m.owed[id] = o
	}
	o.results++
}

// settle drops the owed entry once it is empty and issues a held connect.
func (m *Manager) settle(id string) {
	if o := m.owed[id]; o != nil && o.results+o.disconnects > 0 {
		return
	}
	delete(m.owed, id)

	if _, held := m.held[id]; !held {
		return
	}
	delete(m.held, id)
	if rec, ok := m.registry.Get(id); ok && rec.State() == Connecting {
		m.logger.WithField("peripheral", id).Debug("Issuing held connect")
		m.dial(rec)
	}
}

// onAbandonedResult consumes the result of an abandoned attempt.
func (m *Manager) onAbandonedResult(id string, cause error) {
	m.owed[id].results--
	defer m.settle(id)

	if cause != nil {
		m.logger.WithFields(logrus.Fields{"peripheral": id, "error": cause}).Debug("Abandoned connect settled")
		return
	}

	rec, ok := m.registry.Get(id)
	if _, held := m.held[id]; held && ok && m.owed[id].results == 0 && m.owed[id].disconnects == 0 {
		// the held attempt wanted exactly this link
		delete(m.held, id)
		waiters := m.takeWaiters(id)
		m.transition(rec, Connected, "abandoned connect completed")
		m.complete(waiters, nil)
		return
	}

	m.logger.WithField("peripheral", id).Debug("Tearing down stale connection")
	if err := m.adapter.Disconnect(id); err != nil {
		m.logger.WithFields(logrus.Fields{"peripheral": id, "error": err}).Warn("Failed to tear down stale connection")
		return
	}
	m.owed[id].disconnects++
}

func (m *Manager) onConnectResult(id string, cause error) {
	if o := m.owed[id]; o != nil && o.results > 0 {
		m.onAbandonedResult(id, cause)
		return
	}

	rec, ok := m.registry.Get(id)
	if !ok || rec.State() != Connecting {
		if cause == nil {
			// Nobody is waiting for this link any more.
			m.logger.WithField("peripheral", id).Debug("Tearing down stale connection")
			if err := m.adapter.Disconnect(id); err != nil {
				m.logger.WithFields(logrus.Fields{"peripheral": id, "error": err}).Warn("Failed to tear down stale connection")
			}
		}
		return
	}

	waiters := m.takeWaiters(id)
	if cause == nil {
		m.transition(rec, Connected, "radio connected")
		m.complete(waiters, nil)
		return
	}
	m.transition(rec, Disconnected, "radio connect failed")
	m.complete(waiters, &device.ConnectionFailedError{ID: id, Cause: device.NormalizeError(cause)})
}

func (m *Manager) onDisconnected(id string, cause error) {
	if o := m.owed[id]; o != nil && o.disconnects > 0 {
		o.disconnects--
		m.settle(id)
		return
	}
	if _, held := m.held[id]; held {
		// belongs to the abandoned attempt; the held one was never issued
		return
	}

	rec, ok := m.registry.Get(id)
	if !ok {
		return
	}

	switch rec.State() {
	case Connecting:
		waiters := m.takeWaiters(id)
		m.transition(rec, Disconnected, "link lost while connecting")
		m.complete(waiters, &device.ConnectionFailedError{ID: id, Cause: device.NormalizeError(cause)})

	case Connected, Disconnecting:
		var err error
		if cause != nil {
			err = &device.DisconnectError{ID: id, Cause: device.NormalizeError(cause)}
		}
		m.transition(rec, Disconnected, "radio disconnected")
		m.exec.Post(func() {
			if d := m.currentDelegate(); d != nil {
				d.OnPeripheralDisconnected(rec, err)
			}
		})
	}
}

// takeWaiters removes and returns the pending handlers for id.
func (m *Manager) takeWaiters(id string) []ConnectHandler {
	waiters := m.pending[id]
	delete(m.pending, id)
	return waiters
}

// complete posts err to every handler, in registration order.
func (m *Manager) complete(handlers []ConnectHandler, err error) {
	for _, h := range handlers {
		m.exec.Post(func() { h(err) })
	}
}
