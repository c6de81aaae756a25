//go:build test

package testutils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug-level logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

func CreateMockAdvertisement(name, address string, rssi int) *AdvertisementBuilder {
	return NewAdvertisementBuilder().WithName(name).WithAddress(address).WithRSSI(rssi)
}

func CreateMockAdvertisementFromJSON(jsonStrFmt string, args ...interface{}) *AdvertisementBuilder {
	return NewAdvertisementBuilder().FromJSON(jsonStrFmt, args...)
}

// WriteConfig writes a YAML config into the test's temp dir and returns its path.
func (h *TestHelper) WriteConfig(content string) string {
	h.T.Helper()
	path := filepath.Join(h.T.TempDir(), "blecentral.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		h.T.Fatalf("failed to write config: %v", err)
	}
	return path
}
