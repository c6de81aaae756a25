//go:build test

package main

import (
	"bytes"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/srg/blecentral/internal/radio"
	"github.com/srg/blecentral/internal/radiofactory"
	"github.com/srg/blecentral/internal/testutils"
	"github.com/srg/blecentral/pkg/config"
	"github.com/stretchr/testify/suite"
)

// Test peripheral identifiers for consistent mock identification
const (
	TestPeripheralID1 = "AA:BB:CC:DD:EE:01"
	TestPeripheralID2 = "AA:BB:CC:DD:EE:02"
)

// CommandTestSuite runs commands against a MockAdapter.
//
// Every radiofactory.AdapterFactory call during a test returns the same
// MockAdapter: powered on at Start, connecting on request, and advertising
// Discoveries when a scan starts.
//
//	type ScanSuite struct {
//	    CommandTestSuite
//	}
//
//	func (s *ScanSuite) SetupTest() {
//	    s.Discoveries = []radio.Discovery{...}
//	    s.CommandTestSuite.SetupTest() // Call parent last to apply configuration
//	}
type CommandTestSuite struct {
	suite.Suite

	Helper *testutils.TestHelper

	// Adapter is the mock handed out by the factory in the current test
	Adapter *testutils.MockAdapter

	// Discoveries are reported, in order, when a scan starts
	Discoveries []radio.Discovery

	originalFactory        func(*config.Config, *logrus.Logger) (radio.Adapter, error)
	originalPowerOnTimeout time.Duration
	originalDisconnectWait time.Duration
}

func (s *CommandTestSuite) SetupSuite() {
	s.Helper = testutils.NewTestHelper(s.T())
	s.originalFactory = radiofactory.AdapterFactory
	s.originalPowerOnTimeout = powerOnTimeout
	s.originalDisconnectWait = disconnectWait
	color.NoColor = true
}

func (s *CommandTestSuite) TearDownSuite() {
	radiofactory.AdapterFactory = s.originalFactory
	powerOnTimeout = s.originalPowerOnTimeout
	disconnectWait = s.originalDisconnectWait
}

// SetupTest installs a fresh MockAdapter and resets every command flag.
func (s *CommandTestSuite) SetupTest() {
	s.Adapter = testutils.NewMockAdapter().PowerOnAtStart().ConnectOnRequest()
	if len(s.Discoveries) > 0 {
		s.Adapter.AdvertiseOnScan(s.Discoveries...)
	}

	adapter := s.Adapter
	radiofactory.AdapterFactory = func(*config.Config, *logrus.Logger) (radio.Adapter, error) {
		return adapter, nil
	}
	powerOnTimeout = 2 * time.Second
	disconnectWait = 2 * time.Second

	resetCommandFlags(rootCmd)
}

func (s *CommandTestSuite) TearDownTest() {
	radiofactory.AdapterFactory = s.originalFactory
	s.Discoveries = nil
}

// ExecuteCommand runs the root command with args, returns output and error.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(new(bytes.Buffer))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

// resetCommandFlags restores every flag of cmd and its subcommands to its default.
func resetCommandFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.PersistentFlags().VisitAll(reset)
	cmd.Flags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetCommandFlags(sub)
	}
}
