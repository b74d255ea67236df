// Package bluez switches a BlueZ adapter on and off over the system D-Bus.
package bluez

import (
	"context"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/srg/blecon/internal/radio"
)

const (
	bluezBus      = "org.bluez"
	adapter1      = "org.bluez.Adapter1"
	propertiesSet = "org.freedesktop.DBus.Properties.Set"
	poweredProp   = "Powered"
)

// propertyObject is the part of dbus.BusObject the power switch needs.
type propertyObject interface {
	CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call
	GetProperty(p string) (dbus.Variant, error)
}

// PowerSwitch implements goble.PowerHook for one adapter, e.g. hci0.
type PowerSwitch struct {
	adapter string
	obj     propertyObject
	logger  *logrus.Logger

	// settle bounds how long to wait for Powered to reflect a change
	settle time.Duration
}

// NewPowerSwitch connects to the system bus and binds to /org/bluez/<adapter>.
func NewPowerSwitch(adapter string, logger *logrus.Logger) (*PowerSwitch, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, errors.Wrap(err, "connecting to system bus")
	}
	path := dbus.ObjectPath("/org/bluez/" + adapter)
	return newPowerSwitch(adapter, conn.Object(bluezBus, path), logger), nil
}

func newPowerSwitch(adapter string, obj propertyObject, logger *logrus.Logger) *PowerSwitch {
	if logger == nil {
		logger = logrus.New()
	}
	return &PowerSwitch{adapter: adapter, obj: obj, logger: logger, settle: 2 * time.Second}
}

// Powered reports the adapter's current power state.
func (p *PowerSwitch) Powered() (bool, error) {
	v, err := p.obj.GetProperty(adapter1 + "." + poweredProp)
	if err != nil {
		return false, errors.Wrapf(err, "reading %s power state", p.adapter)
	}
	on, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("property %s.%s has unexpected type %T", adapter1, poweredProp, v.Value())
	}
	return on, nil
}

// SetPowered switches the adapter and waits until BlueZ reports the new state.
func (p *PowerSwitch) SetPowered(ctx context.Context, on bool) error {
	if cur, err := p.Powered(); err == nil && cur == on {
		return nil
	}

	p.logger.WithFields(logrus.Fields{
		"adapter": p.adapter,
		"powered": on,
	}).Debug("Switching BlueZ adapter power")

	call := p.obj.CallWithContext(ctx, propertiesSet, 0, adapter1, poweredProp, dbus.MakeVariant(on))
	if call.Err != nil {
		err := errors.Wrapf(call.Err, "setting %s powered=%t", p.adapter, on)
		if on {
			// typically rfkill or a missing adapter
			return fmt.Errorf("%w: %v", radio.ErrBluetoothOff, err)
		}
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, p.settle)
	defer cancel()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		cur, err := p.Powered()
		if err != nil {
			return err
		}
		if cur == on {
			return nil
		}
		select {
		case <-ctx.Done():
			if on {
				return fmt.Errorf("%w: adapter %s did not power on", radio.ErrBluetoothOff, p.adapter)
			}
			return errors.Errorf("adapter %s did not power off", p.adapter)
		case <-ticker.C:
		}
	}
}
