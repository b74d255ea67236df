package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/srg/blecon/internal/radio"
)

// NormalizeError maps known go-ble error strings to the radio error classes.
// The original error stays in the message so nothing is lost for logs.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, radio.ErrBluetoothOff) || errors.Is(err, radio.ErrNotConnected) ||
		errors.Is(err, radio.ErrNotFound) || errors.Is(err, radio.ErrUnsupported) {
		return err
	}

	msg := err.Error()
	switch {
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?":
		return fmt.Errorf("%w: %v", radio.ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "bluetooth is turned off"),
		containsIgnoreCase(msg, "is bluetooth turned on"),
		containsIgnoreCase(msg, "rfkill"):
		return fmt.Errorf("%w: %v", radio.ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "device not connected"),
		containsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", radio.ErrNotConnected, err)
	case errors.Is(err, context.DeadlineExceeded),
		containsIgnoreCase(msg, "not found"):
		return fmt.Errorf("%w: %v", radio.ErrNotFound, err)
	case containsIgnoreCase(msg, "not supported"),
		containsIgnoreCase(msg, "operation not permitted"):
		return fmt.Errorf("%w: %v", radio.ErrUnsupported, err)
	default:
		return err
	}
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
