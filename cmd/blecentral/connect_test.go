//go:build test

package main

import (
	"errors"
	"testing"
	"time"

	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/radio"
	"github.com/srg/blecentral/internal/testutils"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type ConnectTestSuite struct {
	CommandTestSuite
}

func (s *ConnectTestSuite) SetupTest() {
	s.Discoveries = []radio.Discovery{
		testutils.CreateMockAdvertisement("Sensor", TestPeripheralID1, -48).WithServices("180d").BuildDiscovery(),
	}
	s.CommandTestSuite.SetupTest()
}

func (s *ConnectTestSuite) TestConnectCmd_ScansThenConnects() {
	// GOAL: Verify connect finds an uncached peripheral by scanning, holds and then closes the link
	//
	// TEST SCENARIO: retrieve misses → scan finds Sensor → connect → hold 50ms → disconnect confirmed

	output, err := s.ExecuteCommand("connect", "aa:bb:cc:dd:ee:01", "--hold=50ms", "--timeout=2s")
	s.Require().NoError(err, "connect MUST succeed")

	testutils.NewTextAsserter(s.T()).Assert(output, `connected to Sensor (AA:BB:CC:DD:EE:01)
disconnected from Sensor (AA:BB:CC:DD:EE:01)
`)
	s.Adapter.AssertCalled(s.T(), "RetrieveKnown", mock.Anything, TestPeripheralID1)
	s.Adapter.AssertCalled(s.T(), "StartScan", []string(nil))
	s.Adapter.AssertCalled(s.T(), "Connect", TestPeripheralID1)
	s.Adapter.AssertCalled(s.T(), "Disconnect", TestPeripheralID1)
}

func (s *ConnectTestSuite) TestConnectCmd_UsesPlatformCache() {
	s.Adapter.Expect("RetrieveKnown", mock.Anything, TestPeripheralID2).
		Return(radio.Discovery{ID: TestPeripheralID2, Name: "Bonded"}, nil)

	output, err := s.ExecuteCommand("connect", TestPeripheralID2, "--hold=10ms")
	s.Require().NoError(err, "connect MUST succeed")

	s.Contains(output, "connected to Bonded (AA:BB:CC:DD:EE:02)")
	s.Adapter.AssertNotCalled(s.T(), "StartScan", mock.Anything)
}

func (s *ConnectTestSuite) TestConnectCmd_ScanFilter() {
	_, err := s.ExecuteCommand("connect", TestPeripheralID1, "--hold=10ms", "--services=180D")
	s.Require().NoError(err, "connect MUST succeed")
	s.Adapter.AssertCalled(s.T(), "StartScan", []string{"180d"})
}

func (s *ConnectTestSuite) TestConnectCmd_NotFound() {
	_, err := s.ExecuteCommand("connect", TestPeripheralID2, "--timeout=150ms")
	s.Require().Error(err, "unknown peripheral MUST fail")

	var nf *device.NotFoundError
	s.Require().ErrorAs(err, &nf)
	s.Contains(FormatUserError(err), "make sure it is advertising")
	s.Adapter.AssertNotCalled(s.T(), "Connect", mock.Anything)
}

func (s *ConnectTestSuite) TestConnectCmd_Timeout() {
	// GOAL: Verify the caller-side deadline cancels a connect the radio never completes
	//
	// TEST SCENARIO: Connect accepted, no result → timeout → CancelConnection → ErrCancelled

	s.Adapter.Expect("Connect", mock.Anything).Return(nil)

	_, err := s.ExecuteCommand("connect", TestPeripheralID1, "--timeout=200ms")
	s.Require().Error(err, "connect MUST time out")
	s.ErrorIs(err, device.ErrCancelled)
	s.Contains(err.Error(), "timed out after 200ms")
	s.Adapter.AssertCalled(s.T(), "CancelConnect", TestPeripheralID1)
}

func (s *ConnectTestSuite) TestConnectCmd_Refused() {
	s.Adapter.Expect("Connect", mock.Anything).Return(errors.New("le-connection-abort-by-local"))

	_, err := s.ExecuteCommand("connect", TestPeripheralID1, "--timeout=2s")
	s.Require().Error(err)
	s.ErrorIs(err, device.ErrConnectionFailed)
	s.Contains(FormatUserError(err), "could not connect to AA:BB:CC:DD:EE:01: le-connection-abort-by-local")
}

func (s *ConnectTestSuite) TestConnectCmd_LinkLost() {
	// GOAL: Verify an unrequested disconnect fails the command
	//
	// TEST SCENARIO: connect → hold indefinitely → radio reports link loss → ErrConnectionLost

	s.Adapter.Expect("Connect", mock.Anything).Return(nil).Run(func(args mock.Arguments) {
		id := args.String(0)
		go func() {
			s.Adapter.Emit(radio.ConnectResult{ID: id})
			time.Sleep(50 * time.Millisecond)
			s.Adapter.Emit(radio.Disconnected{ID: id, Err: errors.New("supervision timeout")})
		}()
	})

	output, err := s.ExecuteCommand("connect", TestPeripheralID1)
	s.Require().Error(err, "link loss MUST fail the command")
	s.ErrorIs(err, ErrConnectionLost)
	s.ErrorIs(err, device.ErrDisconnect)
	s.Contains(output, "connected to Sensor")
	s.Adapter.AssertNotCalled(s.T(), "Disconnect", mock.Anything)
}

func (s *ConnectTestSuite) TestConnectCmd_RadioPoweredOff() {
	s.Adapter.Expect("Connect", mock.Anything).Return(nil).Run(func(args mock.Arguments) {
		id := args.String(0)
		go func() {
			s.Adapter.Emit(radio.ConnectResult{ID: id})
			time.Sleep(50 * time.Millisecond)
			s.Adapter.Emit(radio.PowerStateChanged{State: radio.PoweredOff})
		}()
	})

	_, err := s.ExecuteCommand("connect", TestPeripheralID1)
	s.Require().Error(err)
	s.ErrorIs(err, ErrConnectionLost)
	s.ErrorIs(err, device.ErrRadioUnavailable)
}

func (s *ConnectTestSuite) TestConnectCmd_InvalidArguments() {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"missing id", []string{"connect"}, "accepts 1 arg(s), received 0"},
		{"bad id", []string{"connect", "kitchen-sensor"}, "invalid peripheral identifier"},
		{"bad service", []string{"connect", TestPeripheralID1, "--services=nope"}, "invalid service UUID"},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			resetCommandFlags(rootCmd)
			_, err := s.ExecuteCommand(tt.args...)
			s.Require().Error(err)
			s.Contains(err.Error(), tt.wantErr)
		})
	}
	s.Adapter.AssertNotCalled(s.T(), "Start", mock.Anything)
}

func TestConnectTestSuite(t *testing.T) {
	suite.Run(t, new(ConnectTestSuite))
}
