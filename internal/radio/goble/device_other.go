//go:build !linux && !darwin

package goble

import (
	"fmt"
	"runtime"

	"github.com/go-ble/ble"

	"github.com/srg/blecon/internal/radio"
)

func newPlatformDevice(_ DeviceOptions) (ble.Device, error) {
	return nil, fmt.Errorf("%w: no BLE backend for %s", radio.ErrUnsupported, runtime.GOOS)
}
