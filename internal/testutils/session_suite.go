//go:build test

package testutils

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/srg/blecon/internal/radio"
	"github.com/srg/blecon/internal/session"
)

// DefaultPeripheralAddress is the address of the peripheral SessionSuite
// simulates when a test configures none.
const DefaultPeripheralAddress = "AA:BB:CC:DD:EE:FF"

// SessionSuite provides a reusable test suite running a session.Controller
// against a FakeRadio.
//
// Basic usage (default heart-rate peripheral):
//
//	type ConnectSuite struct {
//	    testutils.SessionSuite
//	}
//
//	func TestConnectSuite(t *testing.T) {
//	    suite.Run(t, new(ConnectSuite))
//	}
//
// Custom peripheral and advertisements:
//
//	func (s *ScanSuite) SetupTest() {
//	    s.WithPeripheral("11:22:33:44:55:66").
//	        WithService("180f").
//	        WithCharacteristic("2a19", "read,notify", []byte("99"))
//
//	    s.WithAdvertisements().
//	        WithAdvertisements(testutils.CreateMockAdvertisement("Battery", "11:22:33:44:55:66", -60).Build()).
//	        Build()
//
//	    s.SessionSuite.SetupTest() // call parent last to apply configuration
//	}
type SessionSuite struct {
	suite.Suite

	Helper      *TestHelper
	Logger      *logrus.Logger
	TestTimeout time.Duration

	Radio      *FakeRadio
	Controller *session.Controller
	Ctx        context.Context

	cancel         context.CancelFunc
	runDone        chan struct{}
	peripherals    []*PeripheralDeviceBuilder
	advertisements []radio.Advertisement
}

// SetupSuite initializes the test suite.
func (s *SessionSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.TestTimeout = 2 * time.Second
}

// WithPeripheral adds a simulated peripheral. Call before SetupTest.
func (s *SessionSuite) WithPeripheral(address string) *PeripheralDeviceBuilder {
	b := NewPeripheralDeviceBuilder(address)
	s.peripherals = append(s.peripherals, b)
	return b
}

// WithAdvertisements configures the batch delivered after a scan starts. Call before SetupTest.
func (s *SessionSuite) WithAdvertisements() *AdvertisementArrayBuilder[*SessionSuite] {
	ab := NewAdvertisementArrayBuilder[*SessionSuite]()
	ab.parent = s
	ab.buildFunc = func(parent *SessionSuite, ads []radio.Advertisement) *SessionSuite {
		parent.advertisements = append(parent.advertisements, ads...)
		return parent
	}
	return ab
}

// SetupTest builds the fake radio and starts a controller on it.
func (s *SessionSuite) SetupTest() {
	if len(s.peripherals) == 0 {
		s.peripherals = append(s.peripherals, defaultPeripheral())
	}

	s.Radio = NewFakeRadio()
	for _, p := range s.peripherals {
		s.Radio.WithPeripheral(p.Build())
	}
	s.Radio.WithScanAdvertisements(s.advertisements...)

	s.Controller = session.New(s.Radio, session.Options{Logger: s.Logger})

	s.Ctx, s.cancel = context.WithTimeout(context.Background(), 10*s.TestTimeout)
	s.runDone = make(chan struct{})
	go func() {
		defer close(s.runDone)
		_ = s.Controller.Run(s.Ctx)
	}()
}

// TearDownTest closes the controller and resets the configuration.
func (s *SessionSuite) TearDownTest() {
	ctx, cancel := context.WithTimeout(context.Background(), s.TestTimeout)
	defer cancel()

	// Radio calls held by the test would block teardown forever.
	s.Radio.Release(radio.OpPowerOff, radio.OpStopScan, radio.OpClose)
	_ = s.Controller.Close(ctx)
	s.cancel()
	<-s.runDone

	s.peripherals = nil
	s.advertisements = nil
}

// RequireCall waits for the next unanswered call of op.
func (s *SessionSuite) RequireCall(op radio.Op) RadioCall {
	call, err := s.Radio.WaitForCall(op, s.TestTimeout)
	s.Require().NoError(err)
	return call
}

// EventuallySnapshot waits until a published snapshot satisfies cond and returns it.
func (s *SessionSuite) EventuallySnapshot(cond func(session.Snapshot) bool, msg string) session.Snapshot {
	var snap session.Snapshot
	s.Require().Eventually(func() bool {
		snap = s.Controller.Snapshot()
		return cond(snap)
	}, s.TestTimeout, 2*time.Millisecond, msg)
	return snap
}

// PowerOn powers the adapter on and fails the test on error.
func (s *SessionSuite) PowerOn() {
	s.Require().NoError(s.Controller.PowerOn(s.Ctx), "power on MUST succeed")
}

// ConnectReady connects to address and waits until enumeration has finished.
func (s *SessionSuite) ConnectReady(address string) session.Snapshot {
	s.Require().NoError(s.Controller.Connect(s.Ctx, address), "connect MUST succeed")
	return s.EventuallySnapshot(func(snap session.Snapshot) bool {
		return snap.ConnectionState == session.Ready && !snap.Enumerating
	}, "session MUST become ready")
}

func defaultPeripheral() *PeripheralDeviceBuilder {
	return NewPeripheralDeviceBuilder(DefaultPeripheralAddress).
		WithService("180d").
		WithCharacteristic("2a37", "read,notify", []byte("72 bpm")).
		WithCharacteristic("2a38", "read", []byte("chest")).
		WithCharacteristic("2a3a", "notify", nil).
		WithService("fff0").
		WithCharacteristic("fff1", "write", nil).
		WithCharacteristic("fff2", "read,write", []byte("hello"))
}
