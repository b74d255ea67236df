package goble

import (
	"strings"
	"unicode"

	"github.com/srg/blecon/internal/radio"
)

// txPowerUnknown is what go-ble reports when the TX power field is absent.
const txPowerUnknown = 127

// convertAdvertisement turns a go-ble advertisement into the radio form.
func convertAdvertisement(adv Advertisement) radio.Advertisement {
	out := radio.Advertisement{
		DeviceID:  adv.Addr().String(),
		LocalName: adv.LocalName(),
		Metadata: radio.AdvMetadata{
			RSSI:        adv.RSSI(),
			Connectable: adv.Connectable(),
		},
	}

	if md := adv.ManufacturerData(); len(md) > 0 {
		out.Metadata.ManufacturerData = append([]byte(nil), md...)
		if out.LocalName == "" {
			// Some peripherals only carry their name inside manufacturer data
			out.Name = nameFromManufacturerData(md)
		}
	}

	if tx := adv.TxPowerLevel(); tx != txPowerUnknown {
		out.Metadata.TxPower = &tx
	}

	for _, u := range adv.Services() {
		out.Metadata.Services = append(out.Metadata.Services, radio.NormalizeUUID(u.String()))
	}

	if sd := adv.ServiceData(); len(sd) > 0 {
		out.Metadata.ServiceData = make(map[string][]byte, len(sd))
		for _, d := range sd {
			out.Metadata.ServiceData[radio.NormalizeUUID(d.UUID.String())] = append([]byte(nil), d.Data...)
		}
	}

	return out
}

// nameFromManufacturerData looks for the first printable ASCII run of at
// least three characters that contains a letter.
func nameFromManufacturerData(data []byte) string {
	if len(data) < 4 {
		return ""
	}

	for i := 0; i < len(data)-3; i++ {
		if !isReadableASCII(data[i]) {
			continue
		}
		end := i
		for end < len(data) && end < i+32 && isReadableASCII(data[end]) {
			end++
		}
		if name := strings.TrimSpace(string(data[i:end])); isValidDeviceName(name) {
			return name
		}
		i = end
	}
	return ""
}

func isReadableASCII(b byte) bool {
	return b >= 32 && b <= 126
}

func isValidDeviceName(name string) bool {
	if len(name) < 3 || len(name) > 32 {
		return false
	}
	return strings.IndexFunc(name, unicode.IsLetter) >= 0
}
