//go:build test

package testutils

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/srg/blecon/internal/radio"
)

func TestAdvertisementBuilder(t *testing.T) {
	adv := NewAdvertisementBuilder().
		WithAddress("AA:BB:CC:DD:EE:FF").
		WithLocalName("HRM").
		WithRSSI(-61).
		WithServices("180d").
		WithTxPower(4).
		Build()

	assert.Equal(t, "AA:BB:CC:DD:EE:FF", adv.DeviceID)
	assert.Empty(t, adv.Name)
	assert.Equal(t, "HRM", adv.LocalName)
	assert.Equal(t, -61, adv.Metadata.RSSI)
	assert.True(t, adv.Metadata.Connectable)
	assert.Equal(t, []string{"180d"}, adv.Metadata.Services)
	if assert.NotNil(t, adv.Metadata.TxPower) {
		assert.Equal(t, 4, *adv.Metadata.TxPower)
	}
}

func TestAdvertisementBuilder_FromJSON(t *testing.T) {
	adv := NewAdvertisementBuilder().FromJSON(`{
		"address": "%s",
		"name": "Thermo",
		"connectable": false,
		"serviceData": {"181a": "AQI="}
	}`, "11:22:33:44:55:66").Build()

	assert.Equal(t, "11:22:33:44:55:66", adv.DeviceID)
	assert.Equal(t, "Thermo", adv.Name)
	assert.False(t, adv.Metadata.Connectable)
	assert.Equal(t, -50, adv.Metadata.RSSI, "unset fields MUST keep defaults")
	assert.Equal(t, []byte{1, 2}, adv.Metadata.ServiceData["181a"])
}

func TestAdvertisementArrayBuilder(t *testing.T) {
	first := NewAdvertisementBuilder().WithAddress("A").WithName("one").Build()

	batch := NewAdvertisementArrayBuilder[[]radio.Advertisement]().
		WithAdvertisements(first).
		WithAdvertisements(CreateMockAdvertisement("two", "B", -70).Build()).
		Build()

	if assert.Len(t, batch, 2) {
		assert.Equal(t, "A", batch[0].DeviceID)
		assert.Equal(t, "B", batch[1].DeviceID)
	}
}

func TestPeripheralDeviceBuilder(t *testing.T) {
	profile := NewPeripheralDeviceBuilder("AA").
		WithService("180d").
		WithCharacteristic("2a37", "read,notify", []byte{80}).
		WithService("fff0").
		WithCharacteristic("fff1", "write", nil).
		Build()

	assert.Equal(t, "AA", profile.Address)
	if assert.Len(t, profile.Services, 2) {
		assert.Equal(t, "2a37", profile.Services[0].Characteristics[0].UUID)
		assert.Equal(t, "fff1", profile.Services[1].Characteristics[0].UUID)
	}

	assert.Panics(t, func() {
		NewPeripheralDeviceBuilder("BB").WithCharacteristic("2a37", "read", nil)
	}, "a characteristic without a service MUST panic")
}

func TestPeripheralDeviceBuilder_FromJSON(t *testing.T) {
	profile := NewPeripheralDeviceBuilder("AA").FromJSON(`{
		"services": [
			{"uuid": "180f", "characteristics": [{"uuid": "2a19", "properties": "read", "value": [99]}]}
		]
	}`).Build()

	assert.Equal(t, "AA", profile.Address, "address MUST be kept when JSON has none")
	assert.Equal(t, []byte{99}, profile.Services[0].Characteristics[0].Value)
}

func TestParseCapabilities(t *testing.T) {
	tests := []struct {
		props    string
		expected radio.Capabilities
	}{
		{"", radio.Capabilities{Read: true, Write: true, Notify: true}},
		{"read", radio.Capabilities{Read: true}},
		{"write-without-response", radio.Capabilities{Write: true}},
		{"read, indicate", radio.Capabilities{Read: true, Notify: true}},
		{"notify", radio.Capabilities{Notify: true}},
	}
	for _, tt := range tests {
		t.Run(tt.props, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseCapabilities(tt.props))
		})
	}

	assert.Panics(t, func() { ParseCapabilities("broadcast") })
}
