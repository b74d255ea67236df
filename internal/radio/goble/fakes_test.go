//go:build test

package goble

import (
	"context"
	"errors"
	"sync"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/mock"
)

// fakeAdvertisement is a canned go-ble advertisement.
type fakeAdvertisement struct {
	addr        string
	localName   string
	mfr         []byte
	serviceData []ble.ServiceData
	services    []ble.UUID
	txPower     int
	connectable bool
	rssi        int
}

func (a *fakeAdvertisement) LocalName() string              { return a.localName }
func (a *fakeAdvertisement) ManufacturerData() []byte       { return a.mfr }
func (a *fakeAdvertisement) ServiceData() []ble.ServiceData { return a.serviceData }
func (a *fakeAdvertisement) Services() []ble.UUID           { return a.services }
func (a *fakeAdvertisement) TxPowerLevel() int              { return a.txPower }
func (a *fakeAdvertisement) Connectable() bool              { return a.connectable }
func (a *fakeAdvertisement) RSSI() int                      { return a.rssi }
func (a *fakeAdvertisement) Addr() ble.Addr                 { return ble.NewAddr(a.addr) }

// fakeDevice scripts scanning and dialing.
type fakeDevice struct {
	mock.Mock

	ads     []Advertisement
	scanErr error      // Scan fails at once
	scanEnd chan error // Scan ends with the value sent here

	mu      sync.Mutex
	clients map[string]*fakeClient
}

func newFakeDevice() *fakeDevice {
	d := &fakeDevice{clients: make(map[string]*fakeClient)}
	d.On("Scan", mock.Anything).Maybe()
	d.On("Dial", mock.Anything).Maybe()
	d.On("Stop").Return(nil).Maybe()
	return d
}

func (d *fakeDevice) withClient(address string, c *fakeClient) *fakeDevice {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clients[address] = c
	return d
}

func (d *fakeDevice) Scan(ctx context.Context, allowDup bool, h func(Advertisement)) error {
	d.Called(allowDup)
	if d.scanErr != nil {
		return d.scanErr
	}
	for _, a := range d.ads {
		h(a)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-d.scanEnd:
		return err
	}
}

func (d *fakeDevice) Dial(ctx context.Context, address string) (Client, error) {
	d.Called(address)
	d.mu.Lock()
	c, ok := d.clients[address]
	d.mu.Unlock()
	if !ok {
		return nil, errors.New("peripheral not found")
	}
	if c.dialBlock {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return c, nil
}

func (d *fakeDevice) Stop() error {
	return d.Called().Error(0)
}

// fakeClient serves a fixed GATT table.
type fakeClient struct {
	mock.Mock

	dialBlock    bool
	services     []*ble.Service
	values       map[string][]byte
	readErr      error
	subscribeErr error
	disconnected chan struct{}

	mu       sync.Mutex
	handlers map[string]ble.NotificationHandler
	writes   [][]byte
}

func newFakeClient(services ...*ble.Service) *fakeClient {
	c := &fakeClient{
		services:     services,
		values:       make(map[string][]byte),
		handlers:     make(map[string]ble.NotificationHandler),
		disconnected: make(chan struct{}),
	}
	c.On("DiscoverDescriptors", mock.Anything).Maybe()
	c.On("WriteCharacteristic", mock.Anything, mock.Anything).Maybe()
	c.On("Subscribe", mock.Anything, mock.Anything).Maybe()
	c.On("Unsubscribe", mock.Anything, mock.Anything).Maybe()
	c.On("CancelConnection").Maybe()
	return c
}

func service(uuid string, chars ...*ble.Characteristic) *ble.Service {
	return &ble.Service{UUID: ble.MustParse(uuid), Characteristics: chars}
}

func characteristic(uuid string, props ble.Property) *ble.Characteristic {
	return &ble.Characteristic{UUID: ble.MustParse(uuid), Property: props}
}

func (c *fakeClient) DiscoverServices(_ []ble.UUID) ([]*ble.Service, error) {
	return c.services, nil
}

func (c *fakeClient) DiscoverCharacteristics(_ []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error) {
	return s.Characteristics, nil
}

func (c *fakeClient) DiscoverDescriptors(_ []ble.UUID, ch *ble.Characteristic) ([]*ble.Descriptor, error) {
	c.Called(ch.UUID.String())
	return nil, nil
}

func (c *fakeClient) ReadCharacteristic(ch *ble.Characteristic) ([]byte, error) {
	if c.readErr != nil {
		return nil, c.readErr
	}
	return c.values[ch.UUID.String()], nil
}

func (c *fakeClient) WriteCharacteristic(ch *ble.Characteristic, value []byte, noRsp bool) error {
	c.Called(ch.UUID.String(), noRsp)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, append([]byte(nil), value...))
	return nil
}

func (c *fakeClient) Subscribe(ch *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	c.Called(ch.UUID.String(), ind)
	if c.subscribeErr != nil {
		return c.subscribeErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[ch.UUID.String()] = h
	return nil
}

func (c *fakeClient) Unsubscribe(ch *ble.Characteristic, ind bool) error {
	c.Called(ch.UUID.String(), ind)
	return nil
}

func (c *fakeClient) CancelConnection() error {
	c.Called()
	return nil
}

func (c *fakeClient) Disconnected() <-chan struct{} {
	return c.disconnected
}

// notify invokes the handler registered for uuid, if any.
func (c *fakeClient) notify(uuid string, value []byte) bool {
	c.mu.Lock()
	h := c.handlers[uuid]
	c.mu.Unlock()
	if h == nil {
		return false
	}
	h(value)
	return true
}

func (c *fakeClient) writesSeen() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}
