//go:build test

package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/srg/blecon/internal/radio"
	"github.com/srg/blecon/internal/session"
	"github.com/srg/blecon/internal/testutils"
)

type ControllerTestSuite struct {
	testutils.SessionSuite
}

func TestControllerTestSuite(t *testing.T) {
	suite.Run(t, new(ControllerTestSuite))
}

func (s *ControllerTestSuite) TestSnapshotsStream() {
	// GOAL: Verify accepted transitions are published on the snapshot stream
	//
	// TEST SCENARIO: PowerOn → stream delivers a snapshot with the adapter powered and a higher version

	before := s.Controller.Snapshot().Version
	s.PowerOn()

	select {
	case snap := <-s.Controller.Snapshots():
		s.True(snap.AdapterPowered)
		s.Greater(snap.Version, before)
	case <-time.After(s.TestTimeout):
		s.Fail("no snapshot published")
	}
}

func (s *ControllerTestSuite) TestRejectedCommandPublishesNothing() {
	// GOAL: Verify a rejected command leaves the published snapshot alone
	//
	// TEST SCENARIO: StartScan while unpowered → error → version unchanged

	before := s.Controller.Snapshot().Version
	s.Require().Error(s.Controller.StartScan(s.Ctx))
	s.Equal(before, s.Controller.Snapshot().Version)
}

func (s *ControllerTestSuite) TestNoticesStream() {
	// GOAL: Verify notices are delivered live and kept in history
	//
	// TEST SCENARIO: PowerOn → live notice "Bluetooth powered on" → same notice in RecentNotices

	s.PowerOn()

	select {
	case n := <-s.Controller.Notices():
		s.Equal(session.LevelSuccess, n.Level)
		s.Contains(n.Message, "powered on")
		s.Equal(n, s.Controller.RecentNotices()[0], "history MUST hold the live notice")
	case <-time.After(s.TestTimeout):
		s.Fail("no notice raised")
	}
}

func (s *ControllerTestSuite) TestCommandHonoursContext() {
	// GOAL: Verify a caller stops waiting when its context ends
	//
	// TEST SCENARIO: PowerOn held, context cancelled → PowerOn returns context.Canceled

	s.Radio.Hold(radio.OpPowerOn)
	ctx, cancel := context.WithCancel(s.Ctx)
	cancel()

	s.ErrorIs(s.Controller.PowerOn(ctx), context.Canceled)
}

func (s *ControllerTestSuite) TestRunTwice() {
	// GOAL: Verify a controller loop can only be started once
	//
	// TEST SCENARIO: loop running → second Run returns an error immediately

	s.PowerOn() // the loop is up
	s.Error(s.Controller.Run(s.Ctx))
}

func (s *ControllerTestSuite) TestCloseTearsDown() {
	// GOAL: Verify Close runs the teardown protocol, stops the loop and shuts the radio down
	//
	// TEST SCENARIO: Powered, scanning, connected → Close → stop scan, close, power off → ErrClosed afterwards

	s.PowerOn()
	s.Require().NoError(s.Controller.StartScan(s.Ctx))
	s.ConnectReady(testutils.DefaultPeripheralAddress)

	ctx, cancel := context.WithTimeout(context.Background(), s.TestTimeout)
	defer cancel()
	s.Require().NoError(s.Controller.Close(ctx))

	ops := s.Radio.Ops()
	s.Equal([]radio.Op{radio.OpStopScan, radio.OpClose, radio.OpPowerOff}, ops[len(ops)-3:])
	s.True(s.Radio.IsShutdown(), "radio MUST be shut down")

	snap := s.Controller.Snapshot()
	s.False(snap.AdapterPowered)
	s.False(snap.Scanning)
	s.Equal(session.Disconnected, snap.ConnectionState)

	s.ErrorIs(s.Controller.PowerOn(s.Ctx), session.ErrClosed)
	s.ErrorIs(s.Controller.Connect(s.Ctx, testutils.DefaultPeripheralAddress), session.ErrClosed)
	s.NoError(s.Controller.Close(ctx), "second Close MUST be a no-op")

	s.Eventually(func() bool {
		for {
			select {
			case _, ok := <-s.Controller.Snapshots():
				if !ok {
					return true
				}
			default:
				return false
			}
		}
	}, s.TestTimeout, 2*time.Millisecond, "snapshot stream MUST be closed")
}

func TestCloseWithoutRun(t *testing.T) {
	// GOAL: Verify a controller that never ran can be closed and rejects commands
	//
	// TEST SCENARIO: New → Close → radio shut down → PowerOn returns ErrClosed → Run returns at once

	r := testutils.NewFakeRadio()
	c := session.New(r, session.Options{Logger: testutils.NewTestHelper(t).Logger})

	require.NoError(t, c.Close(context.Background()))
	assert.True(t, r.IsShutdown())
	assert.ErrorIs(t, c.PowerOn(context.Background()), session.ErrClosed)
	assert.NoError(t, c.Run(context.Background()), "Run after Close MUST return immediately")
	r.AssertNumberOfCalls(t, "PowerOff", 0)
}

func TestCloseAfterRunStopped(t *testing.T) {
	// GOAL: Verify Close still switches the adapter off when Run's context ended first
	//
	// TEST SCENARIO: powered and scanning → Run ctx cancelled → Close → stop scan, power off, radio shut down

	r := testutils.NewFakeRadio()
	c := session.New(r, session.Options{Logger: testutils.NewTestHelper(t).Logger})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.NoError(t, c.PowerOn(context.Background()))
	require.NoError(t, c.StartScan(context.Background()))
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	closeCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
	defer stop()
	require.NoError(t, c.Close(closeCtx))

	r.AssertCalled(t, "StopScan", mock.Anything)
	r.AssertCalled(t, "PowerOff", mock.Anything)
	assert.True(t, r.IsShutdown())

	snap := c.Snapshot()
	assert.False(t, snap.AdapterPowered, "adapter MUST be reported off")
	assert.False(t, snap.Scanning)
}
