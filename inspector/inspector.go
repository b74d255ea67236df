package inspector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blecon/internal/session"
)

// ProgressCallback is called when the inspection phase changes
type ProgressCallback func(phase string)

// InspectOptions defines options for inspecting a BLE device profile
type InspectOptions struct {
	// EnumerateTimeout bounds the wait for service discovery once connected
	EnumerateTimeout time.Duration
}

// InspectCallback processes a connected device and produces output of type R.
// snap is the session state once enumeration has finished.
type InspectCallback[R any] func(ctx context.Context, c *session.Controller, snap session.Snapshot) (R, error)

// ErrLinkLost is returned when the device disconnects before enumeration finishes.
var ErrLinkLost = errors.New("device disconnected during service discovery")

// InspectDevice powers the adapter on, connects to address, waits for the
// characteristic list to be complete and executes the callback.
// The connection is closed after the callback returns.
// Optional progressCallback can be provided for connection progress updates.
func InspectDevice[R any](ctx context.Context, c *session.Controller, address string, opts *InspectOptions, logger *logrus.Logger, progressCallback ProgressCallback, callback InspectCallback[R]) (R, error) {
	var zero R
	if opts == nil {
		opts = &InspectOptions{EnumerateTimeout: 10 * time.Second}
	}
	if logger == nil {
		logger = logrus.New()
	}
	if progressCallback == nil {
		progressCallback = func(string) {} // No-op callback
	}

	progressCallback("Powering on")
	if err := c.PowerOn(ctx); err != nil {
		progressCallback("Failed")
		return zero, err
	}

	progressCallback("Connecting")
	if err := c.Connect(ctx, address); err != nil {
		progressCallback("Failed")
		return zero, err
	}

	// Ensure the device is disconnected after the callback completes
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.Disconnect(dctx); err != nil && !errors.Is(err, session.ErrClosed) {
			logger.WithError(err).Error("failed to disconnect device")
		}
	}()

	progressCallback("Discovering services")
	snap, err := WaitEnumerated(ctx, c, address, opts.EnumerateTimeout)
	if err != nil {
		progressCallback("Failed")
		return zero, err
	}

	logger.WithFields(logrus.Fields{
		"address":         address,
		"characteristics": len(snap.Characteristics),
	}).Debug("Enumeration finished")

	progressCallback("Processing results")
	return callback(ctx, c, snap)
}

// WaitEnumerated waits until the connection to address has finished
// enumerating its characteristics and returns that snapshot.
func WaitEnumerated(ctx context.Context, c *session.Controller, address string, timeout time.Duration) (session.Snapshot, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// Other readers may drain the snapshot stream, so poll as well.
	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()

	snap := c.Snapshot()
	for {
		switch {
		case snap.ConnectedDeviceID != address:
			return snap, fmt.Errorf("%w: %s", ErrLinkLost, address)
		case !snap.Enumerating:
			return snap, nil
		}

		select {
		case <-ctx.Done():
			return snap, fmt.Errorf("waiting for service discovery on %s: %w", address, ctx.Err())
		case next, ok := <-c.Snapshots():
			if !ok {
				return snap, session.ErrClosed
			}
			if next.Version > snap.Version {
				snap = next
			}
		case <-poll.C:
			if next := c.Snapshot(); next.Version > snap.Version {
				snap = next
			}
		}
	}
}
