//go:build test

package main

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLoggingCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("log-level", "", "")
	cmd.Flags().Bool("verbose", false, "")
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func TestConfigureLogger(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want logrus.Level
	}{
		{"silent by default", nil, logrus.PanicLevel},
		{"verbose", []string{"--verbose"}, logrus.DebugLevel},
		{"explicit level", []string{"--log-level=warn"}, logrus.WarnLevel},
		{"level wins over verbose", []string{"--verbose", "--log-level=error"}, logrus.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := configureLogger(newLoggingCmd(t, tt.args...), "verbose")
			require.NoError(t, err)
			assert.Equal(t, tt.want, logger.GetLevel())
		})
	}
}

func TestConfigureLogger_InvalidLevel(t *testing.T) {
	_, err := configureLogger(newLoggingCmd(t, "--log-level=trace"), "verbose")
	assert.EqualError(t, err, "invalid log level: trace (must be debug, info, warn, or error)")
}
