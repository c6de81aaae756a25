//go:build test

package central_test

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/srg/blecentral/internal/central"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/radio"
	"github.com/stretchr/testify/mock"
)

// abandonFirstAttempt connects to p without a radio result, cancels, and
// starts a second attempt whose completion is returned.
func (s *ManagerTestSuite) abandonFirstAttempt(p *central.Peripheral) <-chan error {
	s.T().Helper()
	s.adapter.Expect("Connect", mock.Anything).Return(nil)

	first := make(chan error, 1)
	s.mgr.Connect(p, func(err error) { first <- err })
	s.mgr.CancelConnection(p)
	s.Require().ErrorIs(s.await(first), device.ErrCancelled)

	second := make(chan error, 1)
	s.mgr.Connect(p, func(err error) { second <- err })
	s.Require().Equal(central.Connecting, p.State())
	return second
}

func (s *ManagerTestSuite) TestRetry_WaitsForCancelledAttempt() {
	// GOAL: Verify the result of a cancelled attempt is never reported to a retry
	//
	// TEST SCENARIO: Connect → Cancel → Connect held → cancelled failure lands → retry issued → success reaches retry

	s.start()
	p := s.discoverSensor()
	second := s.abandonFirstAttempt(p)

	s.adapter.AssertNumberOfCalls(s.T(), "Connect", 1)

	s.adapter.Emit(radio.ConnectResult{ID: sensorID, Err: context.Canceled})
	s.sync()
	s.Empty(second, "cancelled attempt's result MUST NOT complete the retry")
	s.Equal(central.Connecting, p.State())
	s.adapter.AssertNumberOfCalls(s.T(), "Connect", 2)

	s.adapter.Emit(radio.ConnectResult{ID: sensorID})
	s.NoError(s.await(second), "retry MUST receive its own success")
	s.Equal(central.Connected, p.State())
	s.adapter.AssertNotCalled(s.T(), "Disconnect", mock.Anything)
}

func (s *ManagerTestSuite) TestRetry_NotRefusedWhileCancelledDialRuns() {
	// GOAL: Verify a retry right after cancel never reaches a radio still busy with the old dial
	//
	// TEST SCENARIO: radio refuses overlapping dials → Connect → Cancel → Connect → no refusal → success

	s.start()
	p := s.discoverSensor()

	var dialing atomic.Bool
	s.adapter.Expect("Connect", mock.Anything).Return(nil).Run(func(mock.Arguments) {
		s.False(dialing.Swap(true), "radio MUST NOT see overlapping dials")
	})

	first := make(chan error, 1)
	s.mgr.Connect(p, func(err error) { first <- err })
	s.mgr.CancelConnection(p)
	s.ErrorIs(s.await(first), device.ErrCancelled)

	second := make(chan error, 1)
	s.mgr.Connect(p, func(err error) { second <- err })

	s.adapter.AssertNumberOfCalls(s.T(), "Connect", 1)
	dialing.Store(false)
	s.adapter.Emit(radio.ConnectResult{ID: sensorID, Err: context.Canceled})
	s.adapter.Emit(radio.ConnectResult{ID: sensorID})
	s.NoError(s.await(second))
}

func (s *ManagerTestSuite) TestRetry_AdoptsLateSuccess() {
	s.start()
	p := s.discoverSensor()
	second := s.abandonFirstAttempt(p)

	s.adapter.Emit(radio.ConnectResult{ID: sensorID})

	s.NoError(s.await(second), "late link MUST satisfy the waiting retry")
	s.Equal(central.Connected, p.State())
	s.adapter.AssertNumberOfCalls(s.T(), "Connect", 1)
	s.adapter.AssertNotCalled(s.T(), "Disconnect", mock.Anything)
}

func (s *ManagerTestSuite) TestRetry_WaitsForTeardown() {
	// GOAL: Verify a retry is not issued while a stale link is being torn down
	//
	// TEST SCENARIO: Connect → Cancel → late success torn down → Connect held → teardown Disconnected → retry issued

	s.start()
	p := s.discoverSensor()
	s.adapter.Expect("Connect", mock.Anything).Return(nil)

	first := make(chan error, 1)
	s.mgr.Connect(p, func(err error) { first <- err })
	s.mgr.CancelConnection(p)
	s.ErrorIs(s.await(first), device.ErrCancelled)

	s.adapter.Emit(radio.ConnectResult{ID: sensorID})
	s.adapter.AssertCalled(s.T(), "Disconnect", sensorID)

	second := make(chan error, 1)
	s.mgr.Connect(p, func(err error) { second <- err })
	s.adapter.AssertNumberOfCalls(s.T(), "Connect", 1)

	s.adapter.Emit(radio.Disconnected{ID: sensorID})
	s.adapter.AssertNumberOfCalls(s.T(), "Connect", 2)

	s.adapter.Emit(radio.ConnectResult{ID: sensorID})
	s.NoError(s.await(second))
	s.Equal(central.Connected, p.State())
	s.sync()
	s.assertNoDisconnect()
}

func (s *ManagerTestSuite) TestRetry_HeldAttemptCancelled() {
	s.start()
	p := s.discoverSensor()
	second := s.abandonFirstAttempt(p)

	s.mgr.CancelConnection(p)
	s.ErrorIs(s.await(second), device.ErrCancelled)
	s.adapter.AssertNumberOfCalls(s.T(), "CancelConnect", 1)

	s.adapter.Emit(radio.ConnectResult{ID: sensorID, Err: context.Canceled})
	s.sync()
	s.adapter.AssertNumberOfCalls(s.T(), "Connect", 1)
	s.Equal(central.Disconnected, p.State())
}

func (s *ManagerTestSuite) TestRetry_IgnoresLinkEventsOfCancelledAttempt() {
	s.start()
	p := s.discoverSensor()
	second := s.abandonFirstAttempt(p)

	s.adapter.Emit(radio.Disconnected{ID: sensorID, Err: errors.New("connection cancelled")})
	s.sync()
	s.Empty(second, "held retry MUST NOT fail on the old attempt's link events")
	s.Equal(central.Connecting, p.State())

	s.adapter.Emit(radio.ConnectResult{ID: sensorID, Err: context.Canceled})
	s.adapter.AssertNumberOfCalls(s.T(), "Connect", 2)
	s.assertNoDisconnect()
}

func (s *ManagerTestSuite) TestRetry_AfterPowerLoss() {
	// GOAL: Verify attempts failed by power loss are settled before a new dial
	//
	// TEST SCENARIO: Connect → PoweredOff → PoweredOn → Connect held → old result lands → retry issued

	s.start()
	p := s.discoverSensor()
	s.adapter.Expect("Connect", mock.Anything).Return(nil)

	first := make(chan error, 1)
	s.mgr.Connect(p, func(err error) { first <- err })
	s.adapter.Emit(radio.PowerStateChanged{State: radio.PoweredOff})
	s.ErrorIs(s.await(first), device.ErrRadioUnavailable)
	s.adapter.Emit(radio.PowerStateChanged{State: radio.PoweredOn})

	second := make(chan error, 1)
	s.mgr.Connect(p, func(err error) { second <- err })
	s.adapter.AssertNumberOfCalls(s.T(), "Connect", 1)

	s.adapter.Emit(radio.ConnectResult{ID: sensorID, Err: errors.New("not powered")})
	s.adapter.AssertNumberOfCalls(s.T(), "Connect", 2)
	s.Empty(second)

	s.adapter.Emit(radio.ConnectResult{ID: sensorID})
	s.NoError(s.await(second))
}

func (s *ManagerTestSuite) TestPowerUnknown_StopsScan() {
	s.start()
	s.Require().NoError(s.mgr.StartScanning(nil, func(*central.Peripheral, error) {}))

	s.adapter.Emit(radio.PowerStateChanged{State: radio.PowerUnknown})

	s.False(s.mgr.Scanning())
	s.adapter.AssertNumberOfCalls(s.T(), "StopScan", 1)
}

func (s *ManagerTestSuite) TestPowerOff_LeavesScanToRadio() {
	s.start()
	s.Require().NoError(s.mgr.StartScanning(nil, func(*central.Peripheral, error) {}))

	s.adapter.Emit(radio.PowerStateChanged{State: radio.PoweredOff})

	s.False(s.mgr.Scanning())
	s.adapter.AssertNotCalled(s.T(), "StopScan")
}
