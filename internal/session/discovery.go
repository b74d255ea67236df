package session

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/srg/blecon/internal/radio"
)

var errScanAbandoned = errors.New("scan stopped before it started")

// StartScan begins discovery. It is a no-op when a scan is already running.
// Otherwise the discovered set is cleared and the platform scan is started; if
// the platform refuses, scanning is rolled back and a *ScanError with Kind
// StartFailed is returned.
func (c *Controller) StartScan(ctx context.Context) error {
	return c.call(ctx, c.startScan)
}

// StopScan ends discovery. The session stops scanning immediately; a platform
// failure to stop is only logged and raised as a notice.
func (c *Controller) StopScan(ctx context.Context) error {
	return c.call(ctx, func(reply chan<- error) {
		if !c.session.Scanning {
			c.answer(reply, nil)
			return
		}
		c.stopScanning()
		c.answer(reply, nil)
	})
}

func (c *Controller) startScan(reply chan<- error) {
	if c.session.Scanning {
		c.answer(reply, nil)
		return
	}
	if !c.session.AdapterPowered {
		c.answer(reply, newScanError(AdapterOff, nil))
		return
	}

	c.bump(scopeScan)
	c.session.clearDiscovered()
	c.session.Scanning = true
	c.changed()

	c.issue(&pendingOp{
		op:        radio.OpStartScan,
		scope:     scopeScan,
		reply:     reply,
		abandoned: newScanError(StartFailed, errScanAbandoned),
		complete: func(p *pendingOp, comp radio.Completion) {
			if comp.Err != nil {
				c.session.Scanning = false
				c.changed()
				c.logger.WithError(comp.Err).Error("Failed to start scan")
				c.notify(LevelError, "Scan failed to start: %v", comp.Err)
				c.respond(p, newScanError(StartFailed, comp.Err))
				return
			}
			c.logger.Info("Scan started")
			c.notify(LevelInfo, "Scanning for devices")
			c.respond(p, nil)
		},
	}, func(req radio.RequestID) {
		c.radio.StartScan(req, false)
	})
}

// stopScanning clears Scanning and asks the platform to stop. Callers check
// that a scan is running.
func (c *Controller) stopScanning() {
	c.session.Scanning = false
	c.bump(scopeScan)
	c.changed()

	c.issue(&pendingOp{
		op: radio.OpStopScan,
		complete: func(_ *pendingOp, comp radio.Completion) {
			if comp.Err != nil {
				c.logger.WithError(comp.Err).Warn("Platform failed to stop scan")
				c.notify(LevelWarning, "Stopping the scan reported an error: %v", comp.Err)
				return
			}
			c.logger.Info("Scan stopped")
		},
	}, c.radio.StopScan)
}

func (c *Controller) onDevicesFound(e radio.DevicesFound) {
	if !c.session.Scanning {
		c.logger.WithField("count", len(e.Devices)).Debug("Discarding advertisements received while not scanning")
		return
	}

	for _, adv := range e.Devices {
		name := adv.Name
		if name == "" {
			name = adv.LocalName
		}
		if name == "" {
			continue
		}

		if c.session.addDevice(Device{ID: adv.DeviceID, DisplayName: name, Metadata: adv.Metadata}) {
			c.changed()
			c.logger.WithFields(logrus.Fields{
				"device_id": adv.DeviceID,
				"name":      name,
				"rssi":      adv.Metadata.RSSI,
			}).Debug("Device discovered")
		}
	}
}

func (c *Controller) onScanStopped(e radio.ScanStopped) {
	if !c.session.Scanning {
		c.logger.Debug("Discarding scan-stopped event while not scanning")
		return
	}

	c.session.Scanning = false
	c.bump(scopeScan)
	c.changed()

	if e.Err != nil {
		c.logger.WithError(e.Err).Warn("Scan ended by platform")
		c.notify(LevelWarning, "Scan ended: %v", e.Err)
		return
	}
	c.logger.Info("Scan ended by platform")
	c.notify(LevelInfo, "Scan ended")
}
