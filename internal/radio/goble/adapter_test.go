//go:build test

package goble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/radio"
	"github.com/srg/blecentral/internal/testutils"
	"github.com/srg/blecentral/internal/testutils/mocks"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

const eventTimeout = 2 * time.Second

type AdapterTestSuite struct {
	suite.Suite

	logger          *logrus.Logger
	dev             *mocks.MockDevice
	factoryMu       sync.Mutex
	factoryErr      error
	originalFactory func(string) (ble.Device, error)
	adapter         *Adapter
}

func (s *AdapterTestSuite) SetupTest() {
	s.logger = logrus.New()
	s.logger.SetLevel(logrus.DebugLevel)

	s.dev = &mocks.MockDevice{}
	s.dev.On("Stop").Return(nil).Maybe()
	s.setFactoryErr(nil)

	s.originalFactory = DeviceFactory
	DeviceFactory = func(string) (ble.Device, error) {
		s.factoryMu.Lock()
		defer s.factoryMu.Unlock()
		if s.factoryErr != nil {
			return nil, s.factoryErr
		}
		return s.dev, nil
	}

	s.adapter = NewAdapter(Options{AdapterID: "hci0", PowerPollInterval: 10 * time.Millisecond}, s.logger)
}

func (s *AdapterTestSuite) TearDownTest() {
	s.NoError(s.adapter.Close())
	DeviceFactory = s.originalFactory
}

func (s *AdapterTestSuite) setFactoryErr(err error) {
	s.factoryMu.Lock()
	s.factoryErr = err
	s.factoryMu.Unlock()
}

func (s *AdapterTestSuite) nextEvent() radio.Event {
	s.T().Helper()
	select {
	case ev := <-s.adapter.Events():
		return ev
	case <-time.After(eventTimeout):
		s.FailNow("timed out waiting for adapter event")
		return nil
	}
}

func (s *AdapterTestSuite) start() {
	s.Require().NoError(s.adapter.Start(context.Background()))
	s.Require().Equal(radio.PowerStateChanged{State: radio.PoweredOn}, s.nextEvent(), "first event MUST report power state")
}

func (s *AdapterTestSuite) TestStart_PoweredOn() {
	// GOAL: Verify a successful device open reports PoweredOn
	//
	// TEST SCENARIO: Factory succeeds → Start → PowerStateChanged(PoweredOn)

	s.start()
}

func (s *AdapterTestSuite) TestStart_PoweredOffThenRecovers() {
	// GOAL: Verify a powered-off radio is reported and re-probed until it comes back
	//
	// TEST SCENARIO: Factory reports radio off → PoweredOff → factory recovers → PoweredOn

	s.setFactoryErr(errors.New(darwinPoweredOff))
	s.Require().NoError(s.adapter.Start(context.Background()), "powered-off radio MUST NOT fail Start")
	s.Equal(radio.PowerStateChanged{State: radio.PoweredOff}, s.nextEvent())

	s.setFactoryErr(nil)
	s.Equal(radio.PowerStateChanged{State: radio.PoweredOn}, s.nextEvent(), "poller MUST report recovery")
}

func (s *AdapterTestSuite) TestStart_FactoryFailure() {
	// GOAL: Verify unrelated factory errors are returned from Start

	s.setFactoryErr(errors.New("permission denied"))
	err := s.adapter.Start(context.Background())
	s.ErrorContains(err, "failed to create BLE device")
}

func (s *AdapterTestSuite) TestCommands_BeforeStart() {
	// GOAL: Verify commands without an open device are rejected synchronously

	s.ErrorIs(s.adapter.StartScan(nil), device.ErrRadioUnavailable)
	s.ErrorIs(s.adapter.Connect("AA:BB:CC:DD:EE:01"), device.ErrRadioUnavailable)
	s.ErrorIs(s.adapter.Disconnect("AA:BB:CC:DD:EE:01"), device.ErrNotConnected)
}

func (s *AdapterTestSuite) TestScan_ReportsDiscoveries() {
	// GOAL: Verify advertisements become Discovered events and are remembered
	//
	// TEST SCENARIO: Scan yields two advertisements → two Discovered events → RetrieveKnown finds them

	ads := testutils.NewAdvertisementArrayBuilder().
		WithNewAdvertisement(func(b *testutils.AdvertisementBuilder) {
			b.WithName("HeartRate").WithAddress("aa:bb:cc:dd:ee:01").WithRSSI(-42).WithServices("180D")
		}).
		WithNewAdvertisement(func(b *testutils.AdvertisementBuilder) {
			b.WithAddress("aa:bb:cc:dd:ee:02").WithServices("180F").WithOverflowServices("180F", "1812")
		}).
		Build()

	s.dev.On("Scan", mock.Anything, true, mock.Anything).Run(func(args mock.Arguments) {
		handler := args.Get(2).(ble.AdvHandler)
		for _, adv := range ads {
			handler(adv)
		}
	}).Return(nil)

	s.start()
	s.Require().NoError(s.adapter.StartScan([]string{"180d"}))

	first, ok := s.nextEvent().(radio.Discovered)
	s.Require().True(ok, "MUST emit Discovered")
	s.Equal("aa:bb:cc:dd:ee:01", first.ID)
	s.Equal("HeartRate", first.Name)
	s.Equal(-42, first.RSSI)
	s.Equal([]string{"180d"}, first.Services)

	second, ok := s.nextEvent().(radio.Discovered)
	s.Require().True(ok, "MUST emit Discovered")
	s.Equal([]string{"180f", "1812"}, second.Services, "overflow services MUST be merged and deduplicated")

	known, err := s.adapter.RetrieveKnown(context.Background(), "aa:bb:cc:dd:ee:02")
	s.Require().NoError(err)
	s.Equal(second.Discovery, known)
}

func (s *AdapterTestSuite) TestScan_FailureReported() {
	// GOAL: Verify a scan that stops with an error produces ScanFailed

	s.dev.On("Scan", mock.Anything, true, mock.Anything).Return(errors.New("hci: command disallowed"))

	s.start()
	s.Require().NoError(s.adapter.StartScan(nil))

	failed, ok := s.nextEvent().(radio.ScanFailed)
	s.Require().True(ok, "MUST emit ScanFailed")
	s.ErrorContains(failed.Err, "command disallowed")
}

func (s *AdapterTestSuite) TestScan_StopIsSilent() {
	// GOAL: Verify stopping a scan does not report a failure
	//
	// TEST SCENARIO: Scan blocks until cancelled → StopScan → no ScanFailed

	stopped := make(chan struct{})
	s.dev.On("Scan", mock.Anything, true, mock.Anything).Run(func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
		close(stopped)
	}).Return(context.Canceled)

	s.start()
	s.Require().NoError(s.adapter.StartScan(nil))
	s.Require().NoError(s.adapter.StopScan())

	select {
	case <-stopped:
	case <-time.After(eventTimeout):
		s.FailNow("scan MUST observe cancellation")
	}
	select {
	case ev := <-s.adapter.Events():
		s.Failf("unexpected event", "%#v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func (s *AdapterTestSuite) TestConnect_SuccessThenLinkLoss() {
	// GOAL: Verify a dial success is reported and an unrequested drop carries an error
	//
	// TEST SCENARIO: Dial succeeds → ConnectResult(nil) → platform drops link → Disconnected(err)

	client := mocks.NewMockClient("Sensor")
	s.dev.On("Dial", mock.Anything, mock.Anything).Return(client, nil)

	s.start()
	s.Require().NoError(s.adapter.Connect("AA:BB:CC:DD:EE:01"))
	s.Equal(radio.ConnectResult{ID: "AA:BB:CC:DD:EE:01"}, s.nextEvent())

	client.Drop()
	ev, ok := s.nextEvent().(radio.Disconnected)
	s.Require().True(ok, "MUST emit Disconnected")
	s.Equal("AA:BB:CC:DD:EE:01", ev.ID)
	s.ErrorIs(ev.Err, errLinkLost, "unrequested drop MUST carry a cause")

	known, err := s.adapter.RetrieveKnown(context.Background(), "AA:BB:CC:DD:EE:01")
	s.Require().NoError(err)
	s.Equal("Sensor", known.Name, "connected peripherals MUST be remembered")
}

func (s *AdapterTestSuite) TestDisconnect_Requested() {
	// GOAL: Verify a requested disconnect reports Disconnected without an error

	client := mocks.NewMockClient("")
	client.On("CancelConnection").Run(func(mock.Arguments) { client.Drop() }).Return(nil)
	s.dev.On("Dial", mock.Anything, mock.Anything).Return(client, nil)

	s.start()
	s.Require().NoError(s.adapter.Connect("AA:BB:CC:DD:EE:01"))
	s.Equal(radio.ConnectResult{ID: "AA:BB:CC:DD:EE:01"}, s.nextEvent())

	s.Require().NoError(s.adapter.Disconnect("AA:BB:CC:DD:EE:01"))
	s.Equal(radio.Disconnected{ID: "AA:BB:CC:DD:EE:01"}, s.nextEvent())
	s.ErrorIs(s.adapter.Disconnect("AA:BB:CC:DD:EE:01"), device.ErrNotConnected)
}

func (s *AdapterTestSuite) TestCancelConnect_AbortsDial() {
	// GOAL: Verify CancelConnect aborts an in-flight dial and reports a failed result
	//
	// TEST SCENARIO: Dial blocks → CancelConnect → ConnectResult(err)

	s.dev.On("Dial", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
	}).Return(nil, context.Canceled)

	s.start()
	s.Require().NoError(s.adapter.Connect("AA:BB:CC:DD:EE:01"))
	s.Error(s.adapter.Connect("AA:BB:CC:DD:EE:01"), "second dial to the same peripheral MUST be rejected")
	s.Require().NoError(s.adapter.CancelConnect("AA:BB:CC:DD:EE:01"))

	result, ok := s.nextEvent().(radio.ConnectResult)
	s.Require().True(ok, "MUST emit ConnectResult")
	s.ErrorIs(result.Err, context.Canceled)
	s.NoError(s.adapter.CancelConnect("AA:BB:CC:DD:EE:01"), "cancel without a dial MUST be a no-op")
}

func (s *AdapterTestSuite) TestDial_RadioOff() {
	// GOAL: Verify a dial failing with a powered-off error also reports PoweredOff

	s.dev.On("Dial", mock.Anything, mock.Anything).Return(nil, errors.New(darwinPoweredOff))

	s.start()
	s.setFactoryErr(errors.New(darwinPoweredOff))
	s.Require().NoError(s.adapter.Connect("AA:BB:CC:DD:EE:01"))

	result, ok := s.nextEvent().(radio.ConnectResult)
	s.Require().True(ok, "MUST emit ConnectResult")
	s.ErrorIs(result.Err, device.ErrRadioUnavailable)
	s.Equal(radio.PowerStateChanged{State: radio.PoweredOff}, s.nextEvent())
}

func (s *AdapterTestSuite) TestRetrieveKnown_Unknown() {
	// GOAL: Verify unknown identifiers produce NotFoundError

	s.start()
	_, err := s.adapter.RetrieveKnown(context.Background(), "AA:BB:CC:DD:EE:99")

	var notFound *device.NotFoundError
	s.ErrorAs(err, &notFound)
}

func TestAdapterTestSuite(t *testing.T) {
	suite.Run(t, new(AdapterTestSuite))
}
