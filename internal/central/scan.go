package central

import (
	"errors"
	"fmt"
	"slices"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/radio"
)

var errScanStopped = errors.New("scan stopped by radio")

type scanSession struct {
	gen     uint64
	filter  []string // normalized; empty matches any peripheral
	handler ScanHandler
}

// matches reports whether any advertised service is in the filter.
func (s *scanSession) matches(advertised []string) bool {
	if len(s.filter) == 0 {
		return true
	}
	for _, svc := range advertised {
		if slices.Contains(s.filter, device.NormalizeUUID(svc)) {
			return true
		}
	}
	return false
}

// StartScanning starts a scan session that reports peripherals advertising
// at least one of services (any peripheral when services is empty).
//
// An active session is replaced: its handler is never called again, including
// for results already queued. Returns device.ErrRadioUnavailable when the radio
// is not powered on.
func (m *Manager) StartScanning(services []string, onUpdate ScanHandler) error {
	if onUpdate == nil {
		return errors.New("scan handler is required")
	}

	var filter []string
	if len(services) > 0 {
		var err error
		filter, err = device.ValidateUUID(services...)
		if err != nil {
			return fmt.Errorf("invalid service filter: %w", err)
		}
		slices.Sort(filter)
		filter = slices.Compact(filter)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requirePoweredOn(); err != nil {
		return err
	}

	if m.scan != nil {
		m.logger.WithField("session", m.scan.gen).Debug("Replacing active scan session")
		m.scan = nil
		if err := m.adapter.StopScan(); err != nil {
			m.logger.WithError(err).Warn("Failed to stop previous scan")
		}
	}

	m.scanGen++
	if err := m.adapter.StartScan(filter); err != nil {
		return fmt.Errorf("failed to start scan: %w", device.NormalizeError(err))
	}
	m.scan = &scanSession{gen: m.scanGen, filter: filter, handler: onUpdate}

	m.logger.WithFields(logrus.Fields{
		"session":  m.scanGen,
		"services": filter,
	}).Info("Scan started")
	return nil
}

// StopScanning ends the active scan session. No-op when none is active.
func (m *Manager) StopScanning() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.scan == nil {
		return
	}
	gen := m.scan.gen
	m.scan = nil
	if err := m.adapter.StopScan(); err != nil {
		m.logger.WithError(err).Warn("Failed to stop scan")
	}
	m.logger.WithField("session", gen).Info("Scan stopped")
}

// Scanning reports whether a scan session is active.
func (m *Manager) Scanning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scan != nil
}

func (m *Manager) scanCurrent(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scan != nil && m.scan.gen == gen
}

func (m *Manager) onDiscovered(d radio.Discovery) {
	if m.scan == nil {
		return
	}
	if !m.scan.matches(d.Services) {
		return
	}

	p, created := m.registry.Upsert(d)
	if created {
		m.logger.WithFields(logrus.Fields{
			"peripheral": p.ID(),
			"name":       d.Name,
			"rssi":       d.RSSI,
		}).Debug("Discovered new peripheral")
	}

	gen, handler := m.scan.gen, m.scan.handler
	m.exec.Post(func() {
		if m.scanCurrent(gen) {
			handler(p, nil)
		}
	})
}

func (m *Manager) onScanFailed(cause error) {
	if m.scan == nil {
		return
	}
	if cause == nil {
		cause = errScanStopped
	}
	handler := m.scan.handler
	m.logger.WithFields(logrus.Fields{
		"session": m.scan.gen,
		"error":   cause,
	}).Warn("Scan aborted by radio")
	m.scan = nil

	err := fmt.Errorf("scan aborted: %w", device.NormalizeError(cause))
	m.exec.Post(func() {
		handler(nil, err)
	})
}
