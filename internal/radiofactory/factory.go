// Package radiofactory selects the radio backend named in the configuration.
package radiofactory

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/radio"
	"github.com/srg/blecentral/internal/radio/bluez"
	"github.com/srg/blecentral/internal/radio/goble"
	"github.com/srg/blecentral/internal/radio/tinygo"
	"github.com/srg/blecentral/pkg/config"
)

// AdapterFactory creates the radio.Adapter for cfg.
// This is a variable so that it can be overridden in tests.
var AdapterFactory = func(cfg *config.Config, logger *logrus.Logger) (radio.Adapter, error) {
	return NewAdapter(cfg, logger)
}

// NewAdapter builds the backend selected by cfg.Radio.Backend.
func NewAdapter(cfg *config.Config, logger *logrus.Logger) (radio.Adapter, error) {
	rc := cfg.Radio
	logger.WithFields(logrus.Fields{
		"backend": rc.Backend,
		"adapter": rc.AdapterID,
	}).Debug("Creating radio adapter")

	switch rc.Backend {
	case config.BackendGoBLE, "":
		return goble.NewAdapter(goble.Options{
			AdapterID:         rc.AdapterID,
			EventBuffer:       rc.EventBuffer,
			PowerPollInterval: rc.PowerPollInterval,
		}, logger), nil
	case config.BackendBlueZ:
		return bluez.NewAdapter(bluez.Options{
			AdapterID:   rc.AdapterID,
			EventBuffer: rc.EventBuffer,
		}, logger), nil
	case config.BackendTinyGo:
		return tinygo.NewAdapter(tinygo.Options{
			EventBuffer:       rc.EventBuffer,
			PowerPollInterval: rc.PowerPollInterval,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown radio backend '%s'", rc.Backend)
	}
}
