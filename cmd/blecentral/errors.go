package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/blecentral/internal/device"
)

// Command-level errors
var (
	// ErrConnectionLost is returned by connect when the link drops without
	// being asked to. Unlike device.ErrNotConnected, the link did exist.
	ErrConnectionLost = errors.New("connection lost")
)

// FormatUserError turns an error chain into a message for the terminal.
func FormatUserError(err error) string {
	var (
		notFound *device.NotFoundError
		failed   *device.ConnectionFailedError
	)

	switch {
	case errors.Is(err, device.ErrRadioUnavailable):
		return "Bluetooth is not available: make sure the adapter is present and powered on"
	case errors.As(err, &notFound):
		return fmt.Sprintf("%s: make sure it is advertising and in range", notFound.Error())
	case errors.Is(err, ErrConnectionLost), errors.Is(err, device.ErrDisconnect):
		return fmt.Sprintf("the peripheral dropped the connection (%v)", err)
	case errors.Is(err, device.ErrCancelled):
		return fmt.Sprintf("connection attempt abandoned (%v)", err)
	case errors.As(err, &failed):
		if failed.Cause == nil {
			return fmt.Sprintf("could not connect to %s", failed.ID)
		}
		return fmt.Sprintf("could not connect to %s: %v", failed.ID, failed.Cause)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("operation timed out (%v)", err)
	default:
		return err.Error()
	}
}
