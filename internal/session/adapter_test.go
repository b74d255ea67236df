//go:build test

package session_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/srg/blecon/internal/radio"
	"github.com/srg/blecon/internal/session"
	"github.com/srg/blecon/internal/testutils"
)

type AdapterTestSuite struct {
	testutils.SessionSuite
}

func TestAdapterTestSuite(t *testing.T) {
	suite.Run(t, new(AdapterTestSuite))
}

func (s *AdapterTestSuite) lastNotice() session.Notice {
	notices := s.Controller.RecentNotices()
	s.Require().NotEmpty(notices, "a notice MUST have been raised")
	return notices[len(notices)-1]
}

func (s *AdapterTestSuite) TestPowerOn() {
	// GOAL: Verify power on sets the powered flag and is idempotent
	//
	// TEST SCENARIO: Power on twice → one platform call → adapter powered, success notice

	s.Require().NoError(s.Controller.PowerOn(s.Ctx))
	s.Require().NoError(s.Controller.PowerOn(s.Ctx), "second power on MUST be a no-op success")

	s.True(s.Controller.Snapshot().AdapterPowered, "adapter MUST be powered")
	s.Radio.AssertNumberOfCalls(s.T(), "PowerOn", 1)
	s.Equal(session.LevelSuccess, s.lastNotice().Level)
}

func (s *AdapterTestSuite) TestPowerOnFailure() {
	// GOAL: Verify a platform power-on failure surfaces as AdapterError and leaves state alone
	//
	// TEST SCENARIO: Platform fails power on → PowerOnFailed with cause → adapter still off, error notice

	s.Radio.FailOn(radio.OpPowerOn, radio.ErrBluetoothOff)

	err := s.Controller.PowerOn(s.Ctx)

	s.Require().Error(err)
	s.ErrorIs(err, session.ErrPowerOnFailed, "error MUST be PowerOnFailed")
	s.ErrorIs(err, radio.ErrBluetoothOff, "platform cause MUST be preserved")

	var adapterErr *session.AdapterError
	s.Require().True(errors.As(err, &adapterErr))
	s.Equal(session.PowerOnFailed, adapterErr.Kind)

	s.False(s.Controller.Snapshot().AdapterPowered, "adapter MUST stay unpowered")
	s.Equal(session.LevelError, s.lastNotice().Level)
}

func (s *AdapterTestSuite) TestPowerOffTearsEverythingDown() {
	// GOAL: Verify power off stops the scan, disconnects and powers off, in that order
	//
	// TEST SCENARIO: Powered, scanning, connected → PowerOff → stop scan, close, power off issued → state cleared

	s.Radio.WithScanAdvertisements(
		testutils.CreateMockAdvertisement("HRM", testutils.DefaultPeripheralAddress, -60).Build(),
	)

	s.PowerOn()
	s.Require().NoError(s.Controller.StartScan(s.Ctx))
	s.EventuallySnapshot(func(snap session.Snapshot) bool { return len(snap.Discovered) == 1 }, "device MUST be discovered")
	s.ConnectReady(testutils.DefaultPeripheralAddress)

	s.Require().NoError(s.Controller.PowerOff(s.Ctx))

	snap := s.Controller.Snapshot()
	s.False(snap.AdapterPowered)
	s.False(snap.Scanning)
	s.Empty(snap.Discovered, "discovered set MUST be cleared")
	s.Equal(session.Disconnected, snap.ConnectionState)
	s.Empty(snap.ConnectedDeviceID)
	s.Empty(snap.Characteristics)
	s.Empty(snap.NotifySubscriptions)

	ops := s.Radio.Ops()
	s.Require().GreaterOrEqual(len(ops), 3)
	s.Equal([]radio.Op{radio.OpStopScan, radio.OpClose, radio.OpPowerOff}, ops[len(ops)-3:],
		"teardown MUST stop scan, then close, then power off")
}

func (s *AdapterTestSuite) TestPowerOffIsBestEffort() {
	// GOAL: Verify power off never fails observably, even when every platform step fails
	//
	// TEST SCENARIO: Stop scan, close and power off all fail → PowerOff returns nil → state cleared, warnings raised

	s.PowerOn()
	s.Require().NoError(s.Controller.StartScan(s.Ctx))
	s.ConnectReady(testutils.DefaultPeripheralAddress)

	s.Radio.FailOn(radio.OpStopScan, errors.New("hci busy"))
	s.Radio.FailOn(radio.OpClose, errors.New("link gone"))
	s.Radio.FailOn(radio.OpPowerOff, errors.New("rfkill"))

	s.Require().NoError(s.Controller.PowerOff(s.Ctx), "power off MUST NOT fail")

	snap := s.Controller.Snapshot()
	s.False(snap.AdapterPowered)
	s.False(snap.Scanning)
	s.Equal(session.Disconnected, snap.ConnectionState)

	warnings := 0
	for _, n := range s.Controller.RecentNotices() {
		if n.Level == session.LevelWarning {
			warnings++
		}
	}
	s.Equal(3, warnings, "every failed step MUST raise a warning")
}

func (s *AdapterTestSuite) TestPowerOffIdempotent() {
	// GOAL: Verify power off on an unpowered adapter makes no platform call
	//
	// TEST SCENARIO: PowerOff twice without power on → no PowerOff calls

	s.Require().NoError(s.Controller.PowerOff(s.Ctx))
	s.Require().NoError(s.Controller.PowerOff(s.Ctx))

	s.Radio.AssertNumberOfCalls(s.T(), "PowerOff", 0)
}

func (s *AdapterTestSuite) TestPowerOffAbandonsPendingPowerOn() {
	// GOAL: Verify a power-on completing after power off does not re-power the adapter
	//
	// TEST SCENARIO: PowerOn held → PowerOff → caller gets PowerOnFailed → late success ignored

	s.Radio.Hold(radio.OpPowerOn)

	result := make(chan error, 1)
	go func() { result <- s.Controller.PowerOn(s.Ctx) }()
	call := s.RequireCall(radio.OpPowerOn)

	s.Require().NoError(s.Controller.PowerOff(s.Ctx))
	s.ErrorIs(<-result, session.ErrPowerOnFailed, "abandoned power on MUST fail")

	s.Radio.Complete(call, nil)
	s.Require().NoError(s.Controller.StopScan(s.Ctx)) // round trip through the loop
	s.False(s.Controller.Snapshot().AdapterPowered, "stale power-on MUST be discarded")
}
