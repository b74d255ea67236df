package session

import (
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/blecon/internal/radio"
)

// ConnState is the state of the Connection & GATT region.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	ServiceDiscovery
	Ready
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case ServiceDiscovery:
		return "service_discovery"
	case Ready:
		return "ready"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// MarshalText renders the state by name in JSON output.
func (s ConnState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Device is a discovered peripheral. The first qualifying advertisement for an
// ID is kept; later ones never overwrite it.
type Device struct {
	ID          string            `json:"id"`
	DisplayName string            `json:"name"`
	Metadata    radio.AdvMetadata `json:"metadata"`
}

// CharacteristicRef addresses a characteristic on the connected device.
type CharacteristicRef struct {
	ServiceID        string `json:"service_id"`
	CharacteristicID string `json:"characteristic_id"`
}

func (r CharacteristicRef) String() string {
	return r.ServiceID + "/" + r.CharacteristicID
}

// Characteristic is a readable or writable characteristic of the connected device.
type Characteristic struct {
	ServiceID        string `json:"service_id"`
	CharacteristicID string `json:"characteristic_id"`
	Readable         bool   `json:"readable"`
	Writable         bool   `json:"writable"`
	Notifiable       bool   `json:"notifiable"`
	PendingWriteText string `json:"pending_write_text"`
	LastReadText     string `json:"last_read_text"`
}

// Ref returns the characteristic's address.
func (c Characteristic) Ref() CharacteristicRef {
	return CharacteristicRef{ServiceID: c.ServiceID, CharacteristicID: c.CharacteristicID}
}

// qualifies reports whether a characteristic with caps is retained by the session.
func qualifies(caps radio.Capabilities) bool {
	return caps.Read || caps.Write
}

// Session is the aggregate owned by the controller loop. Nothing outside the
// loop goroutine touches it; readers get Snapshot copies.
type Session struct {
	AdapterPowered bool
	Scanning       bool

	discovered *orderedmap.OrderedMap[string, Device]

	connState         ConnState
	connectingID      string // target of an attempt in Connecting
	ConnectedDeviceID string
	characteristics   []*Characteristic
	notifySubs        map[CharacteristicRef]struct{}
}

func newSession() *Session {
	return &Session{
		discovered: orderedmap.New[string, Device](),
		notifySubs: make(map[CharacteristicRef]struct{}),
	}
}

// addDevice inserts dev unless its ID is already known. It reports whether dev was inserted.
func (s *Session) addDevice(dev Device) bool {
	if _, present := s.discovered.Get(dev.ID); present {
		return false
	}
	s.discovered.Set(dev.ID, dev)
	return true
}

func (s *Session) clearDiscovered() {
	s.discovered = orderedmap.New[string, Device]()
}

func (s *Session) findCharacteristic(ref CharacteristicRef) *Characteristic {
	for _, c := range s.characteristics {
		if c.ServiceID == ref.ServiceID && c.CharacteristicID == ref.CharacteristicID {
			return c
		}
	}
	return nil
}

// resetConnection drops every piece of connection-scoped state.
func (s *Session) resetConnection() {
	s.connState = Disconnected
	s.connectingID = ""
	s.ConnectedDeviceID = ""
	s.characteristics = nil
	s.notifySubs = make(map[CharacteristicRef]struct{})
}

// Snapshot is an immutable copy of the session taken after a transition.
type Snapshot struct {
	Version             uint64              `json:"version"`
	AdapterPowered      bool                `json:"adapter_powered"`
	Scanning            bool                `json:"scanning"`
	Discovered          []Device            `json:"discovered"`
	ConnectionState     ConnState           `json:"connection_state"`
	ConnectingDeviceID  string              `json:"connecting_device_id,omitempty"`
	ConnectedDeviceID   string              `json:"connected_device_id,omitempty"`
	Characteristics     []Characteristic    `json:"characteristics"`
	NotifySubscriptions []CharacteristicRef `json:"notify_subscriptions"`
	Enumerating         bool                `json:"enumerating"`
}

// Device looks a discovered device up by ID.
func (s Snapshot) Device(id string) (Device, bool) {
	for _, d := range s.Discovered {
		if d.ID == id {
			return d, true
		}
	}
	return Device{}, false
}

// Characteristic looks a characteristic up by reference.
func (s Snapshot) Characteristic(ref CharacteristicRef) (Characteristic, bool) {
	for _, c := range s.Characteristics {
		if c.Ref() == ref {
			return c, true
		}
	}
	return Characteristic{}, false
}

// Subscribed reports whether ref has an active notify subscription.
func (s Snapshot) Subscribed(ref CharacteristicRef) bool {
	for _, r := range s.NotifySubscriptions {
		if r == ref {
			return true
		}
	}
	return false
}

func (s *Session) snapshot(version uint64, enumerating bool) *Snapshot {
	snap := &Snapshot{
		Version:             version,
		AdapterPowered:      s.AdapterPowered,
		Scanning:            s.Scanning,
		Discovered:          make([]Device, 0, s.discovered.Len()),
		ConnectionState:     s.connState,
		ConnectingDeviceID:  s.connectingID,
		ConnectedDeviceID:   s.ConnectedDeviceID,
		Characteristics:     make([]Characteristic, 0, len(s.characteristics)),
		NotifySubscriptions: make([]CharacteristicRef, 0, len(s.notifySubs)),
		Enumerating:         enumerating,
	}

	for pair := s.discovered.Oldest(); pair != nil; pair = pair.Next() {
		snap.Discovered = append(snap.Discovered, cloneDevice(pair.Value))
	}
	for _, c := range s.characteristics {
		snap.Characteristics = append(snap.Characteristics, *c)
	}
	// Report subscriptions in characteristic order so snapshots are stable.
	for _, c := range s.characteristics {
		if _, ok := s.notifySubs[c.Ref()]; ok {
			snap.NotifySubscriptions = append(snap.NotifySubscriptions, c.Ref())
		}
	}
	return snap
}

func cloneDevice(d Device) Device {
	md := d.Metadata
	if md.TxPower != nil {
		tx := *md.TxPower
		md.TxPower = &tx
	}
	md.Services = append([]string(nil), md.Services...)
	md.ManufacturerData = append([]byte(nil), md.ManufacturerData...)
	if md.ServiceData != nil {
		sd := make(map[string][]byte, len(md.ServiceData))
		for k, v := range md.ServiceData {
			sd[k] = append([]byte(nil), v...)
		}
		md.ServiceData = sd
	}
	d.Metadata = md
	return d
}
