package session

import (
	"context"
	"errors"

	"github.com/srg/blecon/internal/radio"
)

var errPoweredOff = errors.New("adapter powered off before power-on completed")

// PowerOn switches the local adapter on. It is a no-op when the adapter is
// already powered. A platform failure leaves the session unchanged and returns
// an *AdapterError with Kind PowerOnFailed.
func (c *Controller) PowerOn(ctx context.Context) error {
	return c.call(ctx, c.powerOn)
}

// PowerOff stops scanning, drops any connection and switches the adapter off.
// Every step is best-effort: platform failures are logged and raised as
// notices, and the session always ends up unpowered with no discovered devices.
// The returned error is only ever ErrClosed or a ctx error.
func (c *Controller) PowerOff(ctx context.Context) error {
	return c.call(ctx, c.powerOff)
}

func (c *Controller) powerOn(reply chan<- error) {
	if c.session.AdapterPowered {
		c.answer(reply, nil)
		return
	}

	c.issue(&pendingOp{
		op:        radio.OpPowerOn,
		scope:     scopeAdapter,
		reply:     reply,
		abandoned: newAdapterError(PowerOnFailed, errPoweredOff),
		complete: func(p *pendingOp, comp radio.Completion) {
			if comp.Err != nil {
				c.logger.WithError(comp.Err).Error("Failed to power on adapter")
				c.notify(LevelError, "Bluetooth power on failed: %v", comp.Err)
				c.respond(p, newAdapterError(PowerOnFailed, comp.Err))
				return
			}

			c.session.AdapterPowered = true
			c.changed()
			c.logger.Info("Adapter powered on")
			c.notify(LevelSuccess, "Bluetooth powered on")
			c.respond(p, nil)
		},
	}, c.radio.PowerOn)
}

func (c *Controller) powerOff(reply chan<- error) {
	// A power-on still in flight must not resurrect the adapter afterwards.
	c.bump(scopeAdapter)

	if c.session.Scanning {
		c.stopScanning()
	}
	if c.session.connState != Disconnected {
		connecting := c.session.connState == Connecting
		id := c.teardownConnection()
		c.notify(LevelInfo, "Disconnected from %s", id)
		c.releaseLink(id, connecting, nil)
	}

	wasPowered := c.session.AdapterPowered
	if wasPowered || c.session.discovered.Len() > 0 {
		c.changed()
	}
	c.session.AdapterPowered = false
	c.session.Scanning = false
	c.session.clearDiscovered()

	if !wasPowered {
		c.answer(reply, nil)
		return
	}

	c.issue(&pendingOp{
		op:    radio.OpPowerOff,
		reply: reply,
		complete: func(p *pendingOp, comp radio.Completion) {
			if comp.Err != nil {
				c.logger.WithError(comp.Err).Warn("Platform power off failed")
				c.notify(LevelWarning, "Bluetooth power off reported an error: %v", comp.Err)
			} else {
				c.logger.Info("Adapter powered off")
				c.notify(LevelInfo, "Bluetooth powered off")
			}
			c.respond(p, nil)
		},
	}, c.radio.PowerOff)
}
