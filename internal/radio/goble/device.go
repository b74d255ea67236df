// Package goble implements radio.Radio on top of github.com/go-ble/ble.
//
// The backend talks to the platform through the narrow Device, Client and
// Advertisement interfaces below; ble.Client and ble.Advertisement satisfy
// them as they are, and ble.Device is wrapped by bleDevice.
package goble

import (
	"context"

	"github.com/go-ble/ble"
)

// Advertisement is the subset of ble.Advertisement the backend reads.
type Advertisement interface {
	LocalName() string
	ManufacturerData() []byte
	ServiceData() []ble.ServiceData
	Services() []ble.UUID
	TxPowerLevel() int
	Connectable() bool
	RSSI() int
	Addr() ble.Addr
}

// Client is the subset of ble.Client used for one link.
type Client interface {
	DiscoverServices(filter []ble.UUID) ([]*ble.Service, error)
	DiscoverCharacteristics(filter []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error)
	DiscoverDescriptors(filter []ble.UUID, c *ble.Characteristic) ([]*ble.Descriptor, error)
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	CancelConnection() error
}

// disconnecter is implemented by clients that report link loss.
type disconnecter interface {
	Disconnected() <-chan struct{}
}

// Device is a local HCI or CoreBluetooth adapter.
type Device interface {
	Scan(ctx context.Context, allowDup bool, h func(Advertisement)) error
	Dial(ctx context.Context, address string) (Client, error)
	Stop() error
}

// DeviceOptions select the local adapter.
type DeviceOptions struct {
	DeviceID int
}

// DeviceFactory creates the platform Device (can be overridden in tests).
//
//nolint:revive // exported for test injection
var DeviceFactory = func(opts DeviceOptions) (Device, error) {
	dev, err := newPlatformDevice(opts)
	if err != nil {
		return nil, err
	}
	return &bleDevice{dev: dev}, nil
}

// bleDevice adapts ble.Device to Device.
type bleDevice struct {
	dev ble.Device
}

func (d *bleDevice) Scan(ctx context.Context, allowDup bool, h func(Advertisement)) error {
	return d.dev.Scan(ctx, allowDup, func(a ble.Advertisement) {
		h(a)
	})
}

func (d *bleDevice) Dial(ctx context.Context, address string) (Client, error) {
	cln, err := d.dev.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, err
	}
	return cln, nil
}

func (d *bleDevice) Stop() error {
	return d.dev.Stop()
}
