//go:build test

package main

import (
	"bytes"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/suite"

	"github.com/srg/blecon/internal/session"
	"github.com/srg/blecon/internal/testutils"
	"github.com/srg/blecon/pkg/config"
)

// Test device addresses for consistent fake device identification
const (
	TestDeviceAddress1 = "00:00:00:00:00:01"
	TestDeviceAddress2 = "00:00:00:00:00:02"
)

// CommandTestSuite runs cobra commands against a FakeRadio. Every command
// invocation gets a fresh controller on the suite's radio.
type CommandTestSuite struct {
	suite.Suite

	Helper *testutils.TestHelper
	Radio  *testutils.FakeRadio

	originalController func(*config.Config, *logrus.Logger) (*session.Controller, error)
}

func (s *CommandTestSuite) SetupSuite() {
	s.Helper = testutils.NewTestHelper(s.T())
	s.originalController = newController
	color.NoColor = true
}

func (s *CommandTestSuite) TearDownSuite() {
	newController = s.originalController
}

// SetupTest simulates a heart-rate sensor and a nameless beacon, and routes
// the commands to them.
func (s *CommandTestSuite) SetupTest() {
	// Keep a config file in the real home directory out of the tests.
	s.T().Setenv("HOME", s.T().TempDir())
	resetFlags(rootCmd)

	s.Radio = testutils.NewFakeRadio().
		WithPeripheral(testutils.CreateMockPeripheralDevice(TestDeviceAddress1).
			WithService("180d").
			WithCharacteristic("2a37", "read,notify", []byte("72 bpm")).
			WithCharacteristic("2a38", "read", []byte("chest")).
			WithService("fff0").
			WithCharacteristic("fff1", "write", nil).
			WithCharacteristic("fff2", "read,write", []byte("hello")).
			Build()).
		WithScanAdvertisements(
			testutils.CreateMockAdvertisement("Heart Rate", TestDeviceAddress1, -50).WithServices("180d").Build(),
			testutils.CreateMockAdvertisement("Thermometer", TestDeviceAddress2, -70).Build(),
			testutils.NewAdvertisementBuilder().WithAddress("00:00:00:00:00:03").WithRSSI(-40).Build(),
		)

	newController = func(_ *config.Config, logger *logrus.Logger) (*session.Controller, error) {
		return session.New(s.Radio, session.Options{Logger: logger}), nil
	}
}

// ExecuteCommand runs the root command with args, returns stdout and error.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	}()
	err := rootCmd.Execute()
	return buf.String(), err
}

// resetFlags restores every flag of cmd and its subcommands to its default,
// since cobra keeps flag values between executions.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

// TestTimeout bounds waits on asynchronous shell output.
const TestTimeout = 2 * time.Second
