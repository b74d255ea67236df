package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/srg/blecon/internal/radio"
)

// AdvertisementBuilder builds radio.Advertisement values for tests.
type AdvertisementBuilder struct {
	adv radio.Advertisement
}

// NewAdvertisementBuilder creates a builder for a connectable advertisement
// with an RSSI of -50.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{
		adv: radio.Advertisement{
			Metadata: radio.AdvMetadata{RSSI: -50, Connectable: true},
		},
	}
}

// WithAddress sets the device ID.
func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.adv.DeviceID = addr
	return b
}

// WithName sets the broadcast name.
func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.adv.Name = name
	return b
}

// WithLocalName sets the advertised local name.
func (b *AdvertisementBuilder) WithLocalName(name string) *AdvertisementBuilder {
	b.adv.LocalName = name
	return b
}

// WithRSSI sets the signal strength.
func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.adv.Metadata.RSSI = rssi
	return b
}

// WithServices adds advertised service UUIDs.
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.adv.Metadata.Services = append(b.adv.Metadata.Services, uuids...)
	return b
}

// WithManufacturerData sets the manufacturer-specific data.
func (b *AdvertisementBuilder) WithManufacturerData(data []byte) *AdvertisementBuilder {
	b.adv.Metadata.ManufacturerData = data
	return b
}

// WithServiceData adds service data for the given service UUID.
func (b *AdvertisementBuilder) WithServiceData(uuid string, data []byte) *AdvertisementBuilder {
	if b.adv.Metadata.ServiceData == nil {
		b.adv.Metadata.ServiceData = make(map[string][]byte)
	}
	b.adv.Metadata.ServiceData[uuid] = data
	return b
}

// WithTxPower sets the transmission power level.
func (b *AdvertisementBuilder) WithTxPower(power int) *AdvertisementBuilder {
	b.adv.Metadata.TxPower = &power
	return b
}

// WithConnectable sets whether the device accepts connections.
func (b *AdvertisementBuilder) WithConnectable(c bool) *AdvertisementBuilder {
	b.adv.Metadata.Connectable = c
	return b
}

// FromJSON fills builder fields from a JSON string with format support.
// Fields missing from the JSON keep their current values.
// Panics on invalid JSON as this is intended for test data setup.
func (b *AdvertisementBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *AdvertisementBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	var data struct {
		Name             *string           `json:"name"`
		LocalName        *string           `json:"localName"`
		Address          *string           `json:"address"`
		RSSI             *int              `json:"rssi"`
		Services         []string          `json:"services"`
		ManufacturerData []byte            `json:"manufacturerData"`
		ServiceData      map[string][]byte `json:"serviceData"`
		TxPower          *int              `json:"txPower"`
		Connectable      *bool             `json:"connectable"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &data); err != nil {
		panic(fmt.Sprintf("AdvertisementBuilder.FromJSON: failed to unmarshal: %v", err))
	}

	if data.Name != nil {
		b.WithName(*data.Name)
	}
	if data.LocalName != nil {
		b.WithLocalName(*data.LocalName)
	}
	if data.Address != nil {
		b.WithAddress(*data.Address)
	}
	if data.RSSI != nil {
		b.WithRSSI(*data.RSSI)
	}
	if data.Services != nil {
		b.WithServices(data.Services...)
	}
	if data.ManufacturerData != nil {
		b.WithManufacturerData(data.ManufacturerData)
	}
	for uuid, sd := range data.ServiceData {
		b.WithServiceData(uuid, sd)
	}
	if data.TxPower != nil {
		b.WithTxPower(*data.TxPower)
	}
	if data.Connectable != nil {
		b.WithConnectable(*data.Connectable)
	}
	return b
}

// Build returns the configured advertisement.
func (b *AdvertisementBuilder) Build() radio.Advertisement {
	return b.adv
}

// AdvertisementArrayBuilder builds a batch of advertisements with generic
// parent support, so it can hand control back to the builder that created it.
//
//	batch := NewAdvertisementArrayBuilder[[]radio.Advertisement]().
//	    WithAdvertisements(ad1, ad2).
//	    WithAdvertisements(CreateMockAdvertisement("HeartRate3", "11:22:33:44:55:66", -55).Build()).
//	    Build()
type AdvertisementArrayBuilder[T any] struct {
	advertisements []radio.Advertisement
	parent         T
	buildFunc      func(T, []radio.Advertisement) T
}

// NewAdvertisementArrayBuilder creates a new array builder with the specified generic type.
func NewAdvertisementArrayBuilder[T any]() *AdvertisementArrayBuilder[T] {
	return &AdvertisementArrayBuilder[T]{
		advertisements: make([]radio.Advertisement, 0),
	}
}

// WithAdvertisements adds pre-built advertisements to the batch.
func (ab *AdvertisementArrayBuilder[T]) WithAdvertisements(ads ...radio.Advertisement) *AdvertisementArrayBuilder[T] {
	ab.advertisements = append(ab.advertisements, ads...)
	return ab
}

// Build returns the parent if there is one, otherwise the batch itself.
func (ab *AdvertisementArrayBuilder[T]) Build() T {
	if ab.buildFunc != nil {
		return ab.buildFunc(ab.parent, ab.advertisements)
	}
	var result interface{} = ab.advertisements
	return result.(T)
}
