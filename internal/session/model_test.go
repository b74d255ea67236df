//go:build test

package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blecon/internal/radio"
)

func TestConnStateString(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "service_discovery", ServiceDiscovery.String())
	assert.Equal(t, "ready", Ready.String())
	assert.Equal(t, "unknown(9)", ConnState(9).String())
}

func TestQualifies(t *testing.T) {
	assert.True(t, qualifies(radio.Capabilities{Read: true}))
	assert.True(t, qualifies(radio.Capabilities{Write: true}))
	assert.False(t, qualifies(radio.Capabilities{Notify: true}), "notify-only MUST NOT qualify")
	assert.False(t, qualifies(radio.Capabilities{}))
}

func TestAddDeviceFirstSeenWins(t *testing.T) {
	s := newSession()

	assert.True(t, s.addDevice(Device{ID: "A", DisplayName: "first"}))
	assert.True(t, s.addDevice(Device{ID: "B", DisplayName: "other"}))
	assert.False(t, s.addDevice(Device{ID: "A", DisplayName: "second"}), "duplicate MUST be rejected")

	snap := s.snapshot(1, false)
	require.Len(t, snap.Discovered, 2)
	assert.Equal(t, "first", snap.Discovered[0].DisplayName)
	assert.Equal(t, "B", snap.Discovered[1].ID)
}

func TestSnapshotIsDetached(t *testing.T) {
	// GOAL: Verify a snapshot does not share memory with the session it was taken from
	//
	// TEST SCENARIO: take snapshot → mutate session and snapshot → the other side is unaffected

	tx := 4
	s := newSession()
	s.addDevice(Device{ID: "A", DisplayName: "Sensor", Metadata: radio.AdvMetadata{
		TxPower:          &tx,
		ManufacturerData: []byte{1, 2},
		ServiceData:      map[string][]byte{"180d": {3}},
	}})
	s.connState = Ready
	s.ConnectedDeviceID = "A"
	s.characteristics = []*Characteristic{{ServiceID: "svc", CharacteristicID: "c1", Readable: true}}
	s.notifySubs[CharacteristicRef{ServiceID: "svc", CharacteristicID: "c1"}] = struct{}{}

	snap := s.snapshot(7, true)

	assert.Equal(t, uint64(7), snap.Version)
	assert.True(t, snap.Enumerating)
	assert.True(t, snap.Subscribed(CharacteristicRef{ServiceID: "svc", CharacteristicID: "c1"}))

	s.characteristics[0].LastReadText = "changed"
	s.clearDiscovered()
	assert.Empty(t, snap.Characteristics[0].LastReadText, "snapshot MUST NOT see later session changes")
	require.Len(t, snap.Discovered, 1)

	*snap.Discovered[0].Metadata.TxPower = 99
	snap.Discovered[0].Metadata.ManufacturerData[0] = 9
	snap.Discovered[0].Metadata.ServiceData["180d"][0] = 9
	assert.Equal(t, 4, tx, "snapshot MUST NOT alias advertisement data")
}

func TestResetConnection(t *testing.T) {
	s := newSession()
	s.connState = Ready
	s.ConnectedDeviceID = "A"
	s.characteristics = []*Characteristic{{ServiceID: "svc", CharacteristicID: "c1"}}
	s.notifySubs[CharacteristicRef{ServiceID: "svc", CharacteristicID: "c1"}] = struct{}{}

	s.resetConnection()

	snap := s.snapshot(1, false)
	assert.Equal(t, Disconnected, snap.ConnectionState)
	assert.Empty(t, snap.ConnectedDeviceID)
	assert.Empty(t, snap.Characteristics)
	assert.Empty(t, snap.NotifySubscriptions)
}

func TestDecodeText(t *testing.T) {
	assert.Equal(t, "hello", decodeText([]byte("hello")))
	assert.Equal(t, "héllo", decodeText([]byte("héllo")))
	assert.Equal(t, "a\uFFFDb", decodeText([]byte{'a', 0xff, 'b'}))
	assert.Equal(t, "", decodeText(nil))
}
