package radiofactory

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/radio/bluez"
	"github.com/srg/blecentral/internal/radio/goble"
	"github.com/srg/blecentral/internal/radio/tinygo"
	"github.com/srg/blecentral/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAdapter(t *testing.T) {
	logger := logrus.New()

	tests := []struct {
		backend string
		check   func(t *testing.T, a any)
	}{
		{config.BackendGoBLE, func(t *testing.T, a any) { assert.IsType(t, &goble.Adapter{}, a) }},
		{config.BackendBlueZ, func(t *testing.T, a any) { assert.IsType(t, &bluez.Adapter{}, a) }},
		{config.BackendTinyGo, func(t *testing.T, a any) { assert.IsType(t, &tinygo.Adapter{}, a) }},
	}

	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			cfg := config.DefaultConfig()
			cfg.Radio.Backend = tt.backend

			a, err := NewAdapter(cfg, logger)
			require.NoError(t, err)
			tt.check(t, a)
			assert.NoError(t, a.Close(), "closing an unstarted adapter MUST succeed")
		})
	}

	t.Run("unknown", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Radio.Backend = "winrt"
		_, err := NewAdapter(cfg, logger)
		assert.ErrorContains(t, err, "unknown radio backend 'winrt'")
	})
}
