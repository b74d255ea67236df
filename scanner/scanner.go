package scanner

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/blecon/internal/radio"
	"github.com/srg/blecon/internal/ringchan"
	"github.com/srg/blecon/internal/session"
)

// stopTimeout bounds the StopScan issued when a scan ends.
const stopTimeout = 5 * time.Second

// ProgressCallback is called when the scan phase changes
type ProgressCallback func(phase string)

// DeviceEvent reports a device that passed the filters for the first time.
type DeviceEvent struct {
	Device session.Device
}

// Scanner runs timed discovery on a session controller.
type Scanner struct {
	controller *session.Controller
	devices    *orderedmap.OrderedMap[string, session.Device]
	events     *ringchan.RingChannel[DeviceEvent]
	logger     *logrus.Logger
}

// ScanOptions configures scanning behavior
type ScanOptions struct {
	Duration     time.Duration // zero scans until ctx ends
	ServiceUUIDs []string
	AllowList    []string
	BlockList    []string
}

// DefaultScanOptions returns default scanning options
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		Duration: 10 * time.Second,
	}
}

// NewScanner creates a new BLE scanner. The controller must be running.
func NewScanner(controller *session.Controller, logger *logrus.Logger) (*Scanner, error) {
	if controller == nil {
		return nil, errors.New("scanner requires a session controller")
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Scanner{
		controller: controller,
		events:     ringchan.New[DeviceEvent](100),
		logger:     logger,
	}, nil
}

// Scan powers the adapter on, discovers devices for opts.Duration and
// returns the ones passing the filters in the order they were first seen.
// Cancelling ctx ends the scan early without an error.
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions, progressCallback ProgressCallback) ([]session.Device, error) {
	s.devices = orderedmap.New[string, session.Device]()

	if opts == nil {
		opts = DefaultScanOptions()
	}
	if progressCallback == nil {
		progressCallback = func(string) {} // No-op callback
	}

	progressCallback("Powering on")
	if err := s.controller.PowerOn(ctx); err != nil {
		return nil, err
	}

	s.logger.WithField("duration", opts.Duration).Info("Starting BLE scan...")
	progressCallback("Scanning")

	if err := s.controller.StartScan(ctx); err != nil {
		return nil, err
	}

	collect := func(snap session.Snapshot) {
		for _, d := range snap.Discovered {
			if _, seen := s.devices.Get(d.ID); seen || !opts.includes(d) {
				continue
			}
			s.devices.Set(d.ID, d)
			s.logger.WithFields(logrus.Fields{
				"device":  d.DisplayName,
				"address": d.ID,
				"rssi":    d.Metadata.RSSI,
			}).Info("Discovered new device")
			s.events.Send(DeviceEvent{Device: d})
		}
	}

	var timeout <-chan time.Time
	if opts.Duration > 0 {
		timer := time.NewTimer(opts.Duration)
		defer timer.Stop()
		timeout = timer.C
	}

	scanErr := s.watch(ctx, timeout, collect)

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := s.controller.StopScan(stopCtx); err != nil && !errors.Is(err, session.ErrClosed) {
		s.logger.WithError(err).Warn("Failed to stop scan")
	}
	collect(s.controller.Snapshot())

	if scanErr != nil {
		return nil, scanErr
	}

	s.logger.WithField("device_count", s.devices.Len()).Info("BLE scan completed")
	progressCallback("Processing results")

	devices := make([]session.Device, 0, s.devices.Len())
	for pair := s.devices.Oldest(); pair != nil; pair = pair.Next() {
		devices = append(devices, pair.Value)
	}
	return devices, nil
}

// watch feeds snapshots to collect until the timeout fires, ctx ends or
// the platform stops the scan on its own.
func (s *Scanner) watch(ctx context.Context, timeout <-chan time.Time, collect func(session.Snapshot)) error {
	current := s.controller.Snapshot()
	collect(current)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timeout:
			return nil
		case snap, ok := <-s.controller.Snapshots():
			if !ok {
				return session.ErrClosed
			}
			if snap.Version < current.Version {
				continue // published before the scan started
			}
			collect(snap)
			if !snap.Scanning {
				return errors.New("scan stopped by the platform")
			}
		}
	}
}

// Events returns a read-only channel of newly discovered devices
func (s *Scanner) Events() <-chan DeviceEvent {
	return s.events.C()
}

// includes applies the allow, block and service filters.
func (o *ScanOptions) includes(d session.Device) bool {
	for _, blocked := range o.BlockList {
		if strings.EqualFold(d.ID, blocked) {
			return false
		}
	}

	if len(o.AllowList) > 0 {
		allowed := false
		for _, a := range o.AllowList {
			if strings.EqualFold(d.ID, a) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if len(o.ServiceUUIDs) > 0 {
		for _, required := range o.ServiceUUIDs {
			for _, advertised := range d.Metadata.Services {
				if radio.NormalizeUUID(required) == radio.NormalizeUUID(advertised) {
					return true
				}
			}
		}
		return false
	}

	return true
}
