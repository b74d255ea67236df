//go:build test

package goble

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"

	"github.com/srg/blecon/internal/radio"
)

const peripheral = "aa:bb:cc:dd:ee:ff"

type RadioTestSuite struct {
	suite.Suite

	originalFactory func(DeviceOptions) (Device, error)
	dev             *fakeDevice
	client          *fakeClient
	power           *fakePower
	radio           *Radio

	// events received by do while it waited for its own completion
	pending []radio.Event
}

type fakePower struct {
	mock.Mock
}

func (p *fakePower) SetPowered(_ context.Context, on bool) error {
	return p.Called(on).Error(0)
}

func TestRadioTestSuite(t *testing.T) {
	suite.Run(t, new(RadioTestSuite))
}

func (s *RadioTestSuite) SetupSuite() {
	s.originalFactory = DeviceFactory
}

func (s *RadioTestSuite) TearDownSuite() {
	DeviceFactory = s.originalFactory
}

func (s *RadioTestSuite) SetupTest() {
	s.client = newFakeClient(
		service("180d",
			characteristic("2a37", ble.CharRead|ble.CharNotify),
			characteristic("2a38", ble.CharRead),
			characteristic("2a3a", ble.CharIndicate),
		),
		service("fff0",
			characteristic("fff1", ble.CharWriteNR),
			characteristic("fff2", ble.CharRead|ble.CharWrite),
		),
	)
	s.client.values["2a37"] = []byte("72 bpm")

	s.pending = nil
	s.dev = newFakeDevice().withClient(peripheral, s.client)
	DeviceFactory = func(DeviceOptions) (Device, error) { return s.dev, nil }

	s.power = &fakePower{}
	s.power.On("SetPowered", mock.Anything).Return(nil).Maybe()

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	s.radio = New(Options{
		Logger:         logger,
		ConnectTimeout: time.Second,
		StartGrace:     20 * time.Millisecond,
		BatchInterval:  10 * time.Millisecond,
		BatchSize:      2,
		Power:          s.power,
	})
}

func (s *RadioTestSuite) TearDownTest() {
	s.radio.Shutdown()
}

// next returns the next event of type T, events set aside by do first.
// Other events read from the stream are skipped.
func next[T radio.Event](s *RadioTestSuite) T {
	for i, ev := range s.pending {
		if t, ok := ev.(T); ok {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return t
		}
	}

	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-s.radio.Events():
			s.Require().True(ok, "event stream closed")
			if t, ok := ev.(T); ok {
				return t
			}
		case <-timeout:
			var zero T
			s.FailNow("no event", "waiting for %T", zero)
			return zero
		}
	}
}

// setAside reports whether do kept an event of type T.
func setAside[T radio.Event](s *RadioTestSuite) bool {
	for _, ev := range s.pending {
		if _, ok := ev.(T); ok {
			return true
		}
	}
	return false
}

// do issues a request and waits for its completion. Everything else that
// arrives meanwhile is kept for next.
func (s *RadioTestSuite) do(issue func(req radio.RequestID)) radio.Completion {
	req := radio.NewRequestID()
	issue(req)

	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-s.radio.Events():
			s.Require().True(ok, "event stream closed")
			if c, ok := ev.(radio.Completion); ok && c.Req == req {
				return c
			}
			s.pending = append(s.pending, ev)
		case <-timeout:
			s.FailNow("no completion", "waiting for request %s", req.Short())
			return radio.Completion{}
		}
	}
}

func (s *RadioTestSuite) powerOn() {
	c := s.do(s.radio.PowerOn)
	s.Require().NoError(c.Err)
}

func (s *RadioTestSuite) open() {
	s.powerOn()
	s.Require().NoError(s.do(func(req radio.RequestID) { s.radio.Open(req, peripheral) }).Err)
	s.Require().NoError(s.do(func(req radio.RequestID) { s.radio.ListServices(req, peripheral) }).Err)
	for _, svc := range []string{"180d", "fff0"} {
		s.Require().NoError(s.do(func(req radio.RequestID) { s.radio.ListCharacteristics(req, peripheral, svc) }).Err)
	}
}

func (s *RadioTestSuite) TestPowerOnCreatesDevice() {
	// GOAL: Verify PowerOn powers the adapter and creates the platform device once
	//
	// TEST SCENARIO: PowerOn twice → both succeed → power hook called with true

	s.powerOn()
	s.powerOn()
	s.power.AssertCalled(s.T(), "SetPowered", true)
}

func (s *RadioTestSuite) TestPowerOnFactoryFailure() {
	// GOAL: Verify a factory failure is normalized into a radio error class
	//
	// TEST SCENARIO: factory returns the darwin "powered off" error → completion carries ErrBluetoothOff

	DeviceFactory = func(DeviceOptions) (Device, error) {
		return nil, errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?")
	}

	c := s.do(s.radio.PowerOn)
	s.ErrorIs(c.Err, radio.ErrBluetoothOff)
	s.Equal(radio.OpPowerOn, c.Op)
}

func (s *RadioTestSuite) TestPowerOffStopsDevice() {
	// GOAL: Verify PowerOff stops the device and switches power off
	//
	// TEST SCENARIO: PowerOn → PowerOff → device Stop called, hook called with false → StartScan fails

	s.powerOn()
	s.NoError(s.do(s.radio.PowerOff).Err)

	s.dev.AssertCalled(s.T(), "Stop")
	s.power.AssertCalled(s.T(), "SetPowered", false)

	c := s.do(func(req radio.RequestID) { s.radio.StartScan(req, false) })
	s.ErrorIs(c.Err, radio.ErrBluetoothOff, "scan MUST require power")
}

func (s *RadioTestSuite) TestScanBatchesAdvertisements() {
	// GOAL: Verify advertisements are converted and delivered in batches
	//
	// TEST SCENARIO: three advertisements, batch size 2 → StartScan succeeds → batches cover all three

	s.dev.ads = []Advertisement{
		&fakeAdvertisement{addr: "AA:00:00:00:00:01", localName: "Sensor", rssi: -40, txPower: 4, connectable: true},
		&fakeAdvertisement{addr: "AA:00:00:00:00:02", rssi: -60, txPower: txPowerUnknown},
		&fakeAdvertisement{addr: "AA:00:00:00:00:03", localName: "Tag", services: []ble.UUID{ble.UUID16(0x180d)}},
	}
	s.powerOn()

	c := s.do(func(req radio.RequestID) { s.radio.StartScan(req, false) })
	s.Require().NoError(c.Err)
	s.dev.AssertCalled(s.T(), "Scan", false)

	var seen []radio.Advertisement
	for len(seen) < 3 {
		batch := next[radio.DevicesFound](s)
		s.LessOrEqual(len(batch.Devices), 2, "batch MUST NOT exceed BatchSize")
		seen = append(seen, batch.Devices...)
	}

	s.Equal("aa:00:00:00:00:01", seen[0].DeviceID)
	s.Equal("Sensor", seen[0].LocalName)
	s.Require().NotNil(seen[0].Metadata.TxPower)
	s.Equal(4, *seen[0].Metadata.TxPower)
	s.True(seen[0].Metadata.Connectable)
	s.Nil(seen[1].Metadata.TxPower, "unknown TX power MUST be absent")
	s.Equal([]string{"180d"}, seen[2].Metadata.Services)
}

func (s *RadioTestSuite) TestScanFailsToStart() {
	// GOAL: Verify a scan that fails immediately reports the error on StartScan
	//
	// TEST SCENARIO: Scan returns "bluetooth is turned off" → StartScan completion carries ErrBluetoothOff → no ScanStopped

	s.dev.scanErr = errors.New("bluetooth is turned off")
	s.powerOn()

	c := s.do(func(req radio.RequestID) { s.radio.StartScan(req, false) })
	s.ErrorIs(c.Err, radio.ErrBluetoothOff)

	// a new scan can be attempted once the failure is reported
	s.dev.scanErr = nil
	s.NoError(s.do(func(req radio.RequestID) { s.radio.StartScan(req, false) }).Err)
}

func (s *RadioTestSuite) TestScanEndsUnexpectedly() {
	// GOAL: Verify a running scan that ends on its own is reported as ScanStopped
	//
	// TEST SCENARIO: StartScan succeeds → platform ends scan with error → ScanStopped carries it

	s.dev.scanEnd = make(chan error, 1)
	s.powerOn()
	s.Require().NoError(s.do(func(req radio.RequestID) { s.radio.StartScan(req, false) }).Err)

	s.dev.scanEnd <- errors.New("hci reset")

	stopped := next[radio.ScanStopped](s)
	s.EqualError(stopped.Err, "hci reset")
}

func (s *RadioTestSuite) TestStopScan() {
	// GOAL: Verify StopScan ends the scan without an unsolicited ScanStopped
	//
	// TEST SCENARIO: StartScan → StopScan → completion ok → no ScanStopped follows

	s.powerOn()
	s.Require().NoError(s.do(func(req radio.RequestID) { s.radio.StartScan(req, false) }).Err)
	s.Require().NoError(s.do(s.radio.StopScan).Err)

	s.Never(func() bool {
		select {
		case ev := <-s.radio.Events():
			_, isStop := ev.(radio.ScanStopped)
			return isStop
		default:
			return false
		}
	}, 50*time.Millisecond, 5*time.Millisecond)
	s.False(setAside[radio.ScanStopped](s), "StopScan MUST NOT report ScanStopped")

	s.NoError(s.do(s.radio.StopScan).Err, "StopScan while idle MUST succeed")
}

func (s *RadioTestSuite) TestEnumeration() {
	// GOAL: Verify services and characteristics are listed with normalized ids and capabilities
	//
	// TEST SCENARIO: Open → ListServices → ListCharacteristics(180d) → capabilities from properties → descriptors for notifiable only

	s.powerOn()
	s.Require().NoError(s.do(func(req radio.RequestID) { s.radio.Open(req, peripheral) }).Err)

	svcs := s.do(func(req radio.RequestID) { s.radio.ListServices(req, peripheral) })
	s.Require().NoError(svcs.Err)
	s.Equal([]string{"180d", "fff0"}, svcs.Services)

	chars := s.do(func(req radio.RequestID) { s.radio.ListCharacteristics(req, peripheral, "180D") })
	s.Require().NoError(chars.Err)
	s.Equal([]radio.CharacteristicInfo{
		{ID: "2a37", Capabilities: radio.Capabilities{Read: true, Notify: true}},
		{ID: "2a38", Capabilities: radio.Capabilities{Read: true}},
		{ID: "2a3a", Capabilities: radio.Capabilities{Notify: true}},
	}, chars.Characteristics)

	s.client.AssertCalled(s.T(), "DiscoverDescriptors", "2a37")
	s.client.AssertCalled(s.T(), "DiscoverDescriptors", "2a3a")
	s.client.AssertNotCalled(s.T(), "DiscoverDescriptors", "2a38")

	unknown := s.do(func(req radio.RequestID) { s.radio.ListCharacteristics(req, peripheral, "beef") })
	s.ErrorIs(unknown.Err, radio.ErrNotFound)
}

func (s *RadioTestSuite) TestOpenUnknownDevice() {
	s.powerOn()
	c := s.do(func(req radio.RequestID) { s.radio.Open(req, "11:22:33:44:55:66") })
	s.ErrorIs(c.Err, radio.ErrNotFound)
}

func (s *RadioTestSuite) TestCloseCancelsDial() {
	// GOAL: Verify Close aborts a connection attempt still in progress
	//
	// TEST SCENARIO: Dial blocks → Close → Open completes with ErrNotConnected → Close succeeds

	s.client.dialBlock = true
	s.powerOn()

	openReq := radio.NewRequestID()
	s.radio.Open(openReq, peripheral)
	s.Eventually(func() bool {
		_, dialing := s.radio.dialing.Get(peripheral)
		return dialing
	}, time.Second, 2*time.Millisecond)

	closeReq := radio.NewRequestID()
	s.radio.Close(closeReq, peripheral)

	got := map[radio.RequestID]radio.Completion{}
	for len(got) < 2 {
		c := next[radio.Completion](s)
		got[c.Req] = c
	}
	s.ErrorIs(got[openReq].Err, radio.ErrNotConnected)
	s.NoError(got[closeReq].Err)
}

func (s *RadioTestSuite) TestReadAndWrite() {
	// GOAL: Verify reads return the value and long writes are chunked
	//
	// TEST SCENARIO: read 2a37 → "72 bpm" → write 45 bytes to fff2 → three chunks with response

	s.open()

	rd := s.do(func(req radio.RequestID) { s.radio.Read(req, peripheral, "180d", "2a37") })
	s.Require().NoError(rd.Err)
	s.Equal([]byte("72 bpm"), rd.Value)

	data := make([]byte, 45)
	for i := range data {
		data[i] = byte('a' + i%26)
	}
	wr := s.do(func(req radio.RequestID) { s.radio.Write(req, peripheral, "fff0", "fff2", data) })
	s.Require().NoError(wr.Err)

	writes := s.client.writesSeen()
	s.Require().Len(writes, 3)
	s.Len(writes[0], DefaultWriteChunkSize)
	s.Len(writes[2], 5)
	s.client.AssertCalled(s.T(), "WriteCharacteristic", "fff2", false)
}

func (s *RadioTestSuite) TestWriteWithoutResponse() {
	s.open()

	s.Require().NoError(s.do(func(req radio.RequestID) { s.radio.Write(req, peripheral, "fff0", "fff1", []byte("go")) }).Err)
	s.client.AssertCalled(s.T(), "WriteCharacteristic", "fff1", true)
}

func (s *RadioTestSuite) TestGattRequiresLink() {
	// GOAL: Verify GATT requests on an unknown link or characteristic fail with the right class
	//
	// TEST SCENARIO: Read before Open → ErrNotConnected; Read of unknown characteristic → ErrNotFound; read failure normalized

	s.powerOn()
	c := s.do(func(req radio.RequestID) { s.radio.Read(req, peripheral, "180d", "2a37") })
	s.ErrorIs(c.Err, radio.ErrNotConnected)

	s.Require().NoError(s.do(func(req radio.RequestID) { s.radio.Open(req, peripheral) }).Err)
	c = s.do(func(req radio.RequestID) { s.radio.Read(req, peripheral, "180d", "2a37") })
	s.ErrorIs(c.Err, radio.ErrNotFound, "characteristics MUST be listed before use")

	s.Require().NoError(s.do(func(req radio.RequestID) { s.radio.ListServices(req, peripheral) }).Err)
	s.Require().NoError(s.do(func(req radio.RequestID) { s.radio.ListCharacteristics(req, peripheral, "180d") }).Err)
	s.client.readErr = errors.New("device not connected")
	c = s.do(func(req radio.RequestID) { s.radio.Read(req, peripheral, "180d", "2a37") })
	s.ErrorIs(c.Err, radio.ErrNotConnected)
}

func (s *RadioTestSuite) TestSubscribeDeliversValues() {
	// GOAL: Verify notifications become ValueChanged events and subscriptions are idempotent
	//
	// TEST SCENARIO: subscribe 2a37 twice → one platform subscribe (notify) → notification → ValueChanged

	s.open()

	for i := 0; i < 2; i++ {
		c := s.do(func(req radio.RequestID) { s.radio.SubscribeNotify(req, peripheral, "180d", "2a37", true) })
		s.Require().NoError(c.Err)
	}
	s.client.AssertNumberOfCalls(s.T(), "Subscribe", 1)
	s.client.AssertCalled(s.T(), "Subscribe", "2a37", false)

	s.Require().True(s.client.notify("2a37", []byte("80 bpm")))

	ev := next[radio.ValueChanged](s)
	s.Equal(radio.ValueChanged{DeviceID: peripheral, ServiceID: "180d", CharacteristicID: "2a37", Value: []byte("80 bpm")}, ev)
}

func (s *RadioTestSuite) TestSubscribeIndicateOnly() {
	s.open()

	s.Require().NoError(s.do(func(req radio.RequestID) { s.radio.SubscribeNotify(req, peripheral, "180d", "2a3a", true) }).Err)
	s.client.AssertCalled(s.T(), "Subscribe", "2a3a", true)

	s.Require().NoError(s.do(func(req radio.RequestID) { s.radio.SubscribeNotify(req, peripheral, "180d", "2a3a", false) }).Err)
	s.client.AssertCalled(s.T(), "Unsubscribe", "2a3a", true)
}

func (s *RadioTestSuite) TestSubscribeFailure() {
	s.client.subscribeErr = errors.New("device not connected")
	s.open()

	c := s.do(func(req radio.RequestID) { s.radio.SubscribeNotify(req, peripheral, "180d", "2a37", true) })
	s.ErrorIs(c.Err, radio.ErrNotConnected)
}

func (s *RadioTestSuite) TestCloseUnsubscribesAndCancels() {
	// GOAL: Verify Close drops subscriptions, cancels the connection and reports no link loss
	//
	// TEST SCENARIO: subscribe 2a37 → Close → Unsubscribe + CancelConnection → platform signals disconnect → no Disconnected event

	s.open()
	s.Require().NoError(s.do(func(req radio.RequestID) { s.radio.SubscribeNotify(req, peripheral, "180d", "2a37", true) }).Err)

	s.Require().NoError(s.do(func(req radio.RequestID) { s.radio.Close(req, peripheral) }).Err)
	s.client.AssertCalled(s.T(), "Unsubscribe", "2a37", false)
	s.client.AssertCalled(s.T(), "CancelConnection")
	close(s.client.disconnected)

	s.Never(func() bool {
		select {
		case ev := <-s.radio.Events():
			_, lost := ev.(radio.Disconnected)
			return lost
		default:
			return false
		}
	}, 50*time.Millisecond, 5*time.Millisecond)
	s.False(setAside[radio.Disconnected](s), "Close MUST NOT report link loss")

	s.NoError(s.do(func(req radio.RequestID) { s.radio.Close(req, peripheral) }).Err, "second Close MUST succeed")
}

func (s *RadioTestSuite) TestLinkLoss() {
	// GOAL: Verify a platform disconnect is reported once and drops the link
	//
	// TEST SCENARIO: Open → platform closes Disconnected() → Disconnected event → Read fails ErrNotConnected

	s.open()
	close(s.client.disconnected)

	ev := next[radio.Disconnected](s)
	s.Equal(peripheral, ev.DeviceID)
	s.ErrorIs(ev.Err, radio.ErrNotConnected)

	c := s.do(func(req radio.RequestID) { s.radio.Read(req, peripheral, "180d", "2a37") })
	s.ErrorIs(c.Err, radio.ErrNotConnected)
}

func (s *RadioTestSuite) TestShutdownClosesEvents() {
	// GOAL: Verify Shutdown releases everything and closes the event stream
	//
	// TEST SCENARIO: scanning and connected → Shutdown → CancelConnection, device Stop → Events closed → later requests dropped

	s.open()
	s.Require().NoError(s.do(func(req radio.RequestID) { s.radio.StartScan(req, false) }).Err)

	s.radio.Shutdown()
	s.client.AssertCalled(s.T(), "CancelConnection")
	s.dev.AssertCalled(s.T(), "Stop")

	s.Eventually(func() bool {
		for {
			select {
			case _, ok := <-s.radio.Events():
				if !ok {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 2*time.Millisecond)

	s.radio.PowerOn(radio.NewRequestID())
	s.Zero(s.radio.group.Running(), "requests after Shutdown MUST NOT start")
}
