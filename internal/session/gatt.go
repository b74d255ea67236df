package session

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/srg/blecon/internal/radio"
)

var errConnectAbandoned = errors.New("connection attempt abandoned")

// Connect opens a connection to a discovered device and returns once the
// platform reports the outcome. Service discovery continues in the background:
// characteristics show up in snapshots as they are enumerated and the session
// becomes Ready with the first usable one.
//
// Connect fails with a *ConnectionError of Kind AlreadyActive while another
// connection is being set up or is open, AdapterOff when the adapter is not
// powered and ConnectFailed when the platform cannot connect.
func (c *Controller) Connect(ctx context.Context, deviceID string) error {
	return c.call(ctx, func(reply chan<- error) {
		c.connect(deviceID, reply)
	})
}

// Disconnect drops the current connection, or abandons an attempt in progress.
// Local connection state is cleared at once; a platform failure to close is
// only logged and raised as a notice.
func (c *Controller) Disconnect(ctx context.Context) error {
	return c.call(ctx, func(reply chan<- error) {
		if c.session.connState == Disconnected {
			c.answer(reply, nil)
			return
		}
		connecting := c.session.connState == Connecting
		id := c.teardownConnection()
		c.logger.WithField("device_id", id).Info("Disconnecting")
		c.notify(LevelInfo, "Disconnected from %s", id)
		c.releaseLink(id, connecting, reply)
	})
}

// Write sends text, encoded as UTF-8, to a characteristic of the connected device.
func (c *Controller) Write(ctx context.Context, ref CharacteristicRef, text string) error {
	return c.call(ctx, func(reply chan<- error) {
		c.write(ref, text, reply)
	})
}

// SetPendingText stores text as the characteristic's pending write buffer.
func (c *Controller) SetPendingText(ctx context.Context, ref CharacteristicRef, text string) error {
	return c.call(ctx, func(reply chan<- error) {
		ch, err := c.lookup(ref, newWriteError(UnknownCharacteristic, nil))
		if err != nil {
			c.answer(reply, err)
			return
		}
		if ch.PendingWriteText != text {
			ch.PendingWriteText = text
			c.changed()
		}
		c.answer(reply, nil)
	})
}

// WritePending writes the characteristic's pending write buffer.
func (c *Controller) WritePending(ctx context.Context, ref CharacteristicRef) error {
	return c.call(ctx, func(reply chan<- error) {
		ch, err := c.lookup(ref, newWriteError(UnknownCharacteristic, nil))
		if err != nil {
			c.answer(reply, err)
			return
		}
		c.write(ref, ch.PendingWriteText, reply)
	})
}

// Read requests the characteristic's value and, unless already done, subscribes
// to its notifications. The value read and every later notification replace
// the characteristic's LastReadText.
func (c *Controller) Read(ctx context.Context, ref CharacteristicRef) error {
	return c.call(ctx, func(reply chan<- error) {
		c.read(ref, reply)
	})
}

func (c *Controller) connect(id string, reply chan<- error) {
	if !c.session.AdapterPowered {
		c.answer(reply, newConnectionError(AdapterOff, nil))
		return
	}
	if c.session.connState != Disconnected {
		c.answer(reply, newConnectionError(AlreadyActive, nil))
		return
	}

	c.bump(scopeConn)
	c.session.connState = Connecting
	c.session.connectingID = id
	c.changed()

	logger := c.logger.WithField("device_id", id)
	logger.Info("Connecting")
	c.notify(LevelInfo, "Connecting to %s", id)

	c.issue(&pendingOp{
		op:        radio.OpOpen,
		scope:     scopeConn,
		device:    id,
		reply:     reply,
		abandoned: newConnectionError(ConnectFailed, errConnectAbandoned),
		complete: func(p *pendingOp, comp radio.Completion) {
			if comp.Err != nil {
				c.session.resetConnection()
				c.changed()
				logger.WithError(comp.Err).Error("Connection failed")
				c.notify(LevelError, "Connection to %s failed: %v", id, comp.Err)
				c.respond(p, newConnectionError(ConnectFailed, comp.Err))
				return
			}
			c.onConnected(id)
			c.respond(p, nil)
		},
		stale: func(comp radio.Completion) {
			if comp.Err == nil {
				logger.Debug("Closing connection that completed after it was abandoned")
				c.closeLink(id, nil)
			}
		},
	}, func(req radio.RequestID) {
		c.radio.Open(req, id)
	})
}

func (c *Controller) onConnected(id string) {
	c.session.connState = ServiceDiscovery
	c.session.connectingID = ""
	c.session.ConnectedDeviceID = id
	c.session.characteristics = nil
	c.session.notifySubs = make(map[CharacteristicRef]struct{})
	c.subsPending = make(map[CharacteristicRef]struct{})
	c.changed()

	logger := c.logger.WithField("device_id", id)
	logger.Info("Connected, discovering services")
	c.notify(LevelSuccess, "Connected to %s", id)

	c.enumerating++
	c.issue(&pendingOp{
		op:     radio.OpListServices,
		scope:  scopeConn,
		device: id,
		complete: func(_ *pendingOp, comp radio.Completion) {
			c.enumerating--
			c.changed()
			if comp.Err != nil {
				logger.WithError(comp.Err).Warn("Service discovery failed")
				c.notify(LevelWarning, "Service discovery failed: %v", comp.Err)
				return
			}
			logger.WithField("services", len(comp.Services)).Debug("Services discovered")
			for _, svc := range comp.Services {
				c.listCharacteristics(id, svc)
			}
		},
	}, func(req radio.RequestID) {
		c.radio.ListServices(req, id)
	})
}

func (c *Controller) listCharacteristics(id, serviceID string) {
	logger := c.logger.WithFields(logrus.Fields{"device_id": id, "service": serviceID})

	c.enumerating++
	c.issue(&pendingOp{
		op:     radio.OpListCharacteristics,
		scope:  scopeConn,
		device: id,
		ref:    CharacteristicRef{ServiceID: serviceID},
		complete: func(_ *pendingOp, comp radio.Completion) {
			c.enumerating--
			c.changed()
			if comp.Err != nil {
				logger.WithError(comp.Err).Warn("Characteristic discovery failed")
				c.notify(LevelWarning, "Characteristic discovery for %s failed: %v", serviceID, comp.Err)
				return
			}

			for _, info := range comp.Characteristics {
				if !qualifies(info.Capabilities) {
					logger.WithField("characteristic", info.ID).Debug("Skipping characteristic that is neither readable nor writable")
					continue
				}
				ref := CharacteristicRef{ServiceID: serviceID, CharacteristicID: info.ID}
				if c.session.findCharacteristic(ref) != nil {
					continue
				}
				c.session.characteristics = append(c.session.characteristics, &Characteristic{
					ServiceID:        serviceID,
					CharacteristicID: info.ID,
					Readable:         info.Capabilities.Read,
					Writable:         info.Capabilities.Write,
					Notifiable:       info.Capabilities.Notify,
				})
				if c.session.connState == ServiceDiscovery {
					c.session.connState = Ready
					logger.Info("Session ready")
				}
			}
		},
	}, func(req radio.RequestID) {
		c.radio.ListCharacteristics(req, id, serviceID)
	})
}

// teardownConnection clears all connection state, answers callers waiting on
// the old connection and returns the ID of the device that was involved.
func (c *Controller) teardownConnection() string {
	id := c.session.ConnectedDeviceID
	if id == "" {
		id = c.session.connectingID
	}

	c.bump(scopeConn)
	c.session.resetConnection()
	c.subsPending = make(map[CharacteristicRef]struct{})
	c.enumerating = 0
	c.changed()
	return id
}

// releaseLink closes the link to id once its state has been torn down. While
// the open is still in flight nothing is closed here: the open's stale
// handler closes the link if the platform reports success late.
func (c *Controller) releaseLink(id string, connecting bool, reply chan<- error) {
	if connecting {
		c.answer(reply, nil)
		return
	}
	c.closeLink(id, reply)
}

// closeLink asks the platform to close the link to id. Failures are reported
// but never returned: reply, when set, always receives nil.
func (c *Controller) closeLink(id string, reply chan<- error) {
	c.issue(&pendingOp{
		op:     radio.OpClose,
		device: id,
		reply:  reply,
		complete: func(p *pendingOp, comp radio.Completion) {
			if comp.Err != nil {
				c.logger.WithField("device_id", id).WithError(comp.Err).Warn("Platform failed to close connection")
				c.notify(LevelWarning, "Closing the connection to %s reported an error: %v", id, comp.Err)
			}
			c.respond(p, nil)
		},
	}, func(req radio.RequestID) {
		c.radio.Close(req, id)
	})
}

func (c *Controller) onDisconnected(e radio.Disconnected) {
	s := c.session
	if s.connState == Disconnected || (e.DeviceID != s.ConnectedDeviceID && e.DeviceID != s.connectingID) {
		c.logger.WithField("device_id", e.DeviceID).Debug("Discarding disconnect for a device that is not connected")
		return
	}

	c.teardownConnection()
	entry := c.logger.WithField("device_id", e.DeviceID)
	if e.Err != nil {
		entry = entry.WithError(e.Err)
	}
	entry.Warn("Device disconnected")
	c.notify(LevelWarning, "Lost connection to %s", e.DeviceID)
}

// lookup returns the characteristic ref names on the connected device. While
// services are still being discovered only the characteristics found so far
// are known.
func (c *Controller) lookup(ref CharacteristicRef, unknown error) (*Characteristic, error) {
	if c.session.ConnectedDeviceID == "" {
		return nil, newConnectionError(NotConnected, nil)
	}
	ch := c.session.findCharacteristic(ref)
	if ch == nil {
		return nil, unknown
	}
	return ch, nil
}

func (c *Controller) write(ref CharacteristicRef, text string, reply chan<- error) {
	if text == "" {
		c.answer(reply, newWriteError(EmptyInput, nil))
		return
	}
	if _, err := c.lookup(ref, newWriteError(UnknownCharacteristic, nil)); err != nil {
		c.answer(reply, err)
		return
	}

	id := c.session.ConnectedDeviceID
	logger := c.logger.WithFields(logrus.Fields{"device_id": id, "characteristic": ref.String()})
	data := []byte(text)

	c.issue(&pendingOp{
		op:        radio.OpWrite,
		scope:     scopeConn,
		device:    id,
		ref:       ref,
		reply:     reply,
		abandoned: newConnectionError(NotConnected, nil),
		complete: func(p *pendingOp, comp radio.Completion) {
			if comp.Err != nil {
				logger.WithError(comp.Err).Error("Write failed")
				c.notify(LevelError, "Write to %s failed: %v", ref.CharacteristicID, comp.Err)
				c.respond(p, newWriteError(PlatformRejected, comp.Err))
				return
			}
			logger.WithField("bytes", len(data)).Info("Write complete")
			c.notify(LevelSuccess, "Wrote %d bytes to %s", len(data), ref.CharacteristicID)
			c.respond(p, nil)
		},
	}, func(req radio.RequestID) {
		c.radio.Write(req, id, ref.ServiceID, ref.CharacteristicID, data)
	})
}

func (c *Controller) read(ref CharacteristicRef, reply chan<- error) {
	if _, err := c.lookup(ref, newReadError(UnknownCharacteristic, nil)); err != nil {
		c.answer(reply, err)
		return
	}

	id := c.session.ConnectedDeviceID
	logger := c.logger.WithFields(logrus.Fields{"device_id": id, "characteristic": ref.String()})

	c.issue(&pendingOp{
		op:        radio.OpRead,
		scope:     scopeConn,
		device:    id,
		ref:       ref,
		reply:     reply,
		abandoned: newConnectionError(NotConnected, nil),
		complete: func(p *pendingOp, comp radio.Completion) {
			if comp.Err != nil {
				logger.WithError(comp.Err).Error("Read failed")
				c.notify(LevelError, "Read from %s failed: %v", ref.CharacteristicID, comp.Err)
				c.respond(p, newReadError(PlatformRejected, comp.Err))
				return
			}
			if ch := c.session.findCharacteristic(ref); ch != nil {
				ch.LastReadText = decodeText(comp.Value)
				c.changed()
			}
			logger.WithField("bytes", len(comp.Value)).Debug("Read complete")
			c.respond(p, nil)
		},
	}, func(req radio.RequestID) {
		c.radio.Read(req, id, ref.ServiceID, ref.CharacteristicID)
	})

	c.subscribe(id, ref)
}

// subscribe enables notifications for ref unless they are on or being turned on.
func (c *Controller) subscribe(id string, ref CharacteristicRef) {
	if _, ok := c.session.notifySubs[ref]; ok {
		return
	}
	if _, ok := c.subsPending[ref]; ok {
		return
	}
	c.subsPending[ref] = struct{}{}

	logger := c.logger.WithFields(logrus.Fields{"device_id": id, "characteristic": ref.String()})

	c.issue(&pendingOp{
		op:     radio.OpSubscribe,
		scope:  scopeConn,
		device: id,
		ref:    ref,
		complete: func(_ *pendingOp, comp radio.Completion) {
			delete(c.subsPending, ref)
			if comp.Err != nil {
				logger.WithError(comp.Err).Warn("Notify subscription failed")
				c.notify(LevelWarning, "Notifications for %s unavailable: %v", ref.CharacteristicID, comp.Err)
				return
			}
			c.session.notifySubs[ref] = struct{}{}
			c.changed()
			logger.Debug("Subscribed to notifications")
		},
	}, func(req radio.RequestID) {
		c.radio.SubscribeNotify(req, id, ref.ServiceID, ref.CharacteristicID, true)
	})
}

func (c *Controller) onValueChanged(e radio.ValueChanged) {
	logger := c.logger.WithFields(logrus.Fields{
		"device_id":      e.DeviceID,
		"characteristic": e.ServiceID + "/" + e.CharacteristicID,
	})

	if c.session.connState == Disconnected || e.DeviceID != c.session.ConnectedDeviceID {
		logger.Debug("Discarding value change from a device that is not connected")
		return
	}

	ref := CharacteristicRef{ServiceID: e.ServiceID, CharacteristicID: e.CharacteristicID}
	_, subscribed := c.session.notifySubs[ref]
	_, pending := c.subsPending[ref]
	if !subscribed && !pending {
		logger.Debug("Discarding value change for a characteristic without a subscription")
		return
	}

	ch := c.session.findCharacteristic(ref)
	if ch == nil {
		logger.Debug("Discarding value change for an unknown characteristic")
		return
	}
	ch.LastReadText = decodeText(e.Value)
	c.changed()
}

// decodeText interprets b as UTF-8, replacing invalid sequences with U+FFFD.
func decodeText(b []byte) string {
	return strings.ToValidUTF8(string(b), "\uFFFD")
}
