package main

import (
	"fmt"
	"strings"

	"github.com/srg/blecon/internal/radio"
	"github.com/srg/blecon/internal/session"
)

// parseCSVUUIDs splits a comma-separated UUID list and drops empty entries.
//
// Examples:
//
//	"2a37" -> []string{"2a37"}
//	"2a37, 2a38" -> []string{"2a37", "2a38"}
func parseCSVUUIDs(input string) []string {
	var result []string
	for _, u := range strings.Split(input, ",") {
		u = strings.TrimSpace(u)
		if u != "" {
			result = append(result, u)
		}
	}
	return result
}

// resolveCharacteristic finds the characteristic charUUID of the connected
// device. serviceUUID narrows the search and is required when the
// characteristic appears in more than one service.
func resolveCharacteristic(snap session.Snapshot, serviceUUID, charUUID string) (session.CharacteristicRef, error) {
	wantChar := radio.NormalizeUUID(charUUID)
	wantService := radio.NormalizeUUID(serviceUUID)

	var found []session.CharacteristicRef
	for _, c := range snap.Characteristics {
		if radio.NormalizeUUID(c.CharacteristicID) != wantChar {
			continue
		}
		if wantService != "" && radio.NormalizeUUID(c.ServiceID) != wantService {
			continue
		}
		found = append(found, c.Ref())
	}

	switch {
	case len(found) == 1:
		return found[0], nil
	case len(found) > 1:
		return session.CharacteristicRef{}, fmt.Errorf("characteristic %s found in multiple services, specify --service", charUUID)
	case serviceUUID != "":
		return session.CharacteristicRef{}, fmt.Errorf("characteristic %s not found in service %s", charUUID, serviceUUID)
	default:
		return session.CharacteristicRef{}, fmt.Errorf("characteristic %s not found", charUUID)
	}
}
