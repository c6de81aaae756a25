//go:build test

package device_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/srg/blecentral/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

type ErrorsTestSuite struct {
	suite.Suite
}

func (s *ErrorsTestSuite) TestConnectionError_IsMatchesByState() {
	// GOAL: Verify ConnectionError values compare by State, regardless of message
	//
	// TEST SCENARIO: Wrap sentinel with message → errors.Is against every sentinel → only same state matches

	err := fmt.Errorf("connect: %w", &device.ConnectionError{State: device.RadioUnavailable, Msg: "powered off"})

	s.ErrorIs(err, device.ErrRadioUnavailable, "same state MUST match")
	s.NotErrorIs(err, device.ErrCancelled, "different state MUST NOT match")
	s.True(device.IsConnectionState(err, device.RadioUnavailable))
	s.False(device.IsConnectionState(errors.New("plain"), device.RadioUnavailable))
	s.Equal("radio_unavailable: powered off", errors.Unwrap(err).Error())
}

func (s *ErrorsTestSuite) TestConnectionFailedError() {
	// GOAL: Verify ConnectionFailedError is matchable by sentinel and exposes its cause
	//
	// TEST SCENARIO: Build error with cause → errors.Is(ErrConnectionFailed) and cause → message carries both

	cause := errors.New("le-connection-abort-by-local")
	err := error(&device.ConnectionFailedError{ID: "AA:BB:CC:DD:EE:FF", Cause: cause})

	s.ErrorIs(err, device.ErrConnectionFailed, "MUST match ErrConnectionFailed")
	s.ErrorIs(err, cause, "MUST unwrap to the platform cause")
	s.Contains(err.Error(), "AA:BB:CC:DD:EE:FF")
	s.Contains(err.Error(), "le-connection-abort-by-local")

	bare := &device.ConnectionFailedError{ID: "X"}
	s.Equal(`connection to "X" failed`, bare.Error())
}

func (s *ErrorsTestSuite) TestDisconnectError() {
	// GOAL: Verify DisconnectError is matchable by sentinel and exposes its cause
	//
	// TEST SCENARIO: Build error with cause → errors.Is(ErrDisconnect) and cause → bare form has no cause suffix

	cause := errors.New("supervision timeout")
	err := error(&device.DisconnectError{ID: "P1", Cause: cause})

	s.ErrorIs(err, device.ErrDisconnect)
	s.ErrorIs(err, cause)
	s.NotErrorIs(err, device.ErrConnectionFailed)
	s.Equal(`peripheral "P1" disconnected`, (&device.DisconnectError{ID: "P1"}).Error())
}

func (s *ErrorsTestSuite) TestNotFoundError() {
	s.Equal("peripheral not found", (&device.NotFoundError{Resource: "peripheral"}).Error())
	s.Equal(`peripheral "P1" not found`, (&device.NotFoundError{Resource: "peripheral", UUIDs: []string{"P1"}}).Error())

	var nf *device.NotFoundError
	s.True(errors.As(fmt.Errorf("retrieve: %w", &device.NotFoundError{Resource: "peripheral"}), &nf))
}

func (s *ErrorsTestSuite) TestNormalizeError() {
	// GOAL: Verify platform-specific radio errors normalize to sentinel errors
	//
	// TEST SCENARIO: Feed raw errors → normalized chain holds sentinel and original text

	tests := []struct {
		name          string
		err           error
		expectIsError error
	}{
		{
			name:          "darwin powered-off",
			err:           errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?"),
			expectIsError: device.ErrRadioUnavailable,
		},
		{
			name:          "generic powered-off",
			err:           errors.New("bluetooth is turned off"),
			expectIsError: device.ErrRadioUnavailable,
		},
		{
			name:          "wrapped ErrBluetoothOff",
			err:           fmt.Errorf("probe: %w", device.ErrBluetoothOff),
			expectIsError: device.ErrRadioUnavailable,
		},
		{
			name:          "bluez not ready",
			err:           errors.New("org.bluez.Error.NotReady: Resource Not Ready (not powered)"),
			expectIsError: device.ErrRadioUnavailable,
		},
		{
			name:          "already connected",
			err:           errors.New("org.bluez.Error.AlreadyConnected: Already Connected"),
			expectIsError: device.ErrAlreadyConnected,
		},
		{
			name:          "context canceled passes through",
			err:           context.Canceled,
			expectIsError: context.Canceled,
		},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			got := device.NormalizeError(tt.err)
			s.ErrorIs(got, tt.expectIsError, "error chain MUST contain expected sentinel error")
			s.Contains(got.Error(), tt.err.Error(), "normalized error MUST keep the original text")
		})
	}

	s.Nil(device.NormalizeError(nil))

	unknown := errors.New("some other error")
	s.Same(unknown, device.NormalizeError(unknown), "unknown errors MUST pass through unchanged")
}

func TestErrorsTestSuite(t *testing.T) {
	suite.Run(t, new(ErrorsTestSuite))
}

func TestSentinelsAreDistinct(t *testing.T) {
	assert.NotErrorIs(t, device.ErrCancelled, device.ErrRadioUnavailable)
	assert.NotErrorIs(t, device.ErrDisconnecting, device.ErrCancelled)
}
