package testutils

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/srg/blecon/internal/radio"
)

// CharacteristicConfig represents a simulated characteristic.
type CharacteristicConfig struct {
	UUID       string `json:"uuid"`
	Properties string `json:"properties,omitempty"` // e.g., "read,write,notify"
	Value      []byte `json:"value,omitempty"`
}

// ServiceConfig represents a simulated service.
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// DeviceProfileConfig is the GATT profile of a simulated peripheral.
type DeviceProfileConfig struct {
	Address  string          `json:"address"`
	Services []ServiceConfig `json:"services"`
}

// PeripheralDeviceBuilder builds the profile of a peripheral simulated by FakeRadio.
type PeripheralDeviceBuilder struct {
	profile DeviceProfileConfig
}

// NewPeripheralDeviceBuilder creates a builder for the peripheral at address.
func NewPeripheralDeviceBuilder(address string) *PeripheralDeviceBuilder {
	return &PeripheralDeviceBuilder{
		profile: DeviceProfileConfig{
			Address:  address,
			Services: []ServiceConfig{},
		},
	}
}

// WithService adds a service to the device profile.
func (b *PeripheralDeviceBuilder) WithService(uuid string) *PeripheralDeviceBuilder {
	b.profile.Services = append(b.profile.Services, ServiceConfig{
		UUID:            uuid,
		Characteristics: []CharacteristicConfig{},
	})
	return b
}

// WithCharacteristic adds a characteristic to the last added service.
func (b *PeripheralDeviceBuilder) WithCharacteristic(uuid, properties string, value []byte) *PeripheralDeviceBuilder {
	if len(b.profile.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}

	last := len(b.profile.Services) - 1
	b.profile.Services[last].Characteristics = append(b.profile.Services[last].Characteristics, CharacteristicConfig{
		UUID:       uuid,
		Properties: properties,
		Value:      value,
	})
	return b
}

// FromJSON replaces the services of the profile with the ones in JSON. The
// address is kept unless the JSON sets one.
func (b *PeripheralDeviceBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *PeripheralDeviceBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	var config DeviceProfileConfig
	if err := json.Unmarshal([]byte(jsonStr), &config); err != nil {
		panic(fmt.Sprintf("PeripheralDeviceBuilder.FromJSON: failed to unmarshal: %v", err))
	}
	if config.Address == "" {
		config.Address = b.profile.Address
	}

	b.profile = config
	return b
}

// Build returns the profile.
func (b *PeripheralDeviceBuilder) Build() DeviceProfileConfig {
	return b.profile
}

// ParseCapabilities converts a property list such as "read,notify" into
// capability flags. An empty list means every capability.
func ParseCapabilities(props string) radio.Capabilities {
	if strings.TrimSpace(props) == "" {
		return radio.Capabilities{Read: true, Write: true, Notify: true}
	}

	var caps radio.Capabilities
	for _, p := range strings.Split(props, ",") {
		switch strings.TrimSpace(p) {
		case "read":
			caps.Read = true
		case "write", "write-without-response":
			caps.Write = true
		case "notify", "indicate":
			caps.Notify = true
		default:
			panic(fmt.Sprintf("ParseCapabilities: unknown property %q", p))
		}
	}
	return caps
}
