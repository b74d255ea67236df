package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/blecon/inspector"
	"github.com/srg/blecon/internal/radio"
	"github.com/srg/blecon/internal/session"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the BLE connection was unexpectedly lost during operation.
	// This is distinct from session.ErrNotConnected, which rejects an operation
	// issued while no device is connected.
	ErrConnectionLost = errors.New("connection lost")
)

// FormatUserError turns err into a message for the terminal. Platform causes
// that have an obvious remedy are explained; everything else is printed as is.
func FormatUserError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, radio.ErrBluetoothOff):
		return "Bluetooth is turned off or unavailable. Turn it on and try again."
	case errors.Is(err, radio.ErrUnsupported):
		return fmt.Sprintf("Bluetooth LE is not supported here (%v)", err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("operation timed out: %v", err)
	case errors.Is(err, inspector.ErrLinkLost), errors.Is(err, ErrConnectionLost):
		return fmt.Sprintf("the device dropped the connection (%v)", err)
	}

	switch session.KindOf(err) {
	case session.AdapterOff:
		return "the adapter is off; run 'power on' first"
	case session.AlreadyActive:
		return "a connection is already active; disconnect first"
	case session.NotConnected:
		return "no device is connected"
	case session.UnknownCharacteristic:
		return "the characteristic is not available on the connected device"
	case session.EmptyInput:
		return "nothing to write: the text is empty"
	}
	return err.Error()
}
