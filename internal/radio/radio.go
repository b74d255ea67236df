// Package radio defines the contract between the BLE session core and a
// platform radio backend.
//
// Every operation is asynchronous: the call returns immediately and the
// outcome is delivered later as a Completion on the Events channel, tagged
// with the RequestID the caller supplied. Unsolicited platform activity
// (advertisements, value changes, link loss, scan termination) arrives on the
// same channel, so a consumer can process everything on a single goroutine.
package radio

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// RequestID correlates a platform call with its completion event.
type RequestID uuid.UUID

// NewRequestID returns a fresh random correlation id.
func NewRequestID() RequestID {
	return RequestID(uuid.New())
}

func (r RequestID) String() string {
	return uuid.UUID(r).String()
}

// Short returns the first eight characters, enough to tell requests apart in logs.
func (r RequestID) Short() string {
	return r.String()[:8]
}

// Op identifies the platform operation a Completion belongs to.
type Op int

const (
	OpPowerOn Op = iota
	OpPowerOff
	OpStartScan
	OpStopScan
	OpOpen
	OpClose
	OpListServices
	OpListCharacteristics
	OpWrite
	OpRead
	OpSubscribe
)

var opNames = map[Op]string{
	OpPowerOn:             "power_on",
	OpPowerOff:            "power_off",
	OpStartScan:           "start_scan",
	OpStopScan:            "stop_scan",
	OpOpen:                "open",
	OpClose:               "close",
	OpListServices:        "list_services",
	OpListCharacteristics: "list_characteristics",
	OpWrite:               "write",
	OpRead:                "read",
	OpSubscribe:           "subscribe_notify",
}

func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// Radio is the Radio Adapter Service consumed by the session core.
//
// Implementations must never block the caller on radio I/O and must deliver
// exactly one Completion per issued request.
type Radio interface {
	// Events returns the channel all completions and unsolicited events are delivered on.
	Events() <-chan Event

	PowerOn(req RequestID)
	PowerOff(req RequestID)

	StartScan(req RequestID, allowDuplicates bool)
	StopScan(req RequestID)

	Open(req RequestID, deviceID string)
	Close(req RequestID, deviceID string)

	ListServices(req RequestID, deviceID string)
	ListCharacteristics(req RequestID, deviceID, serviceID string)

	Write(req RequestID, deviceID, serviceID, characteristicID string, data []byte)
	Read(req RequestID, deviceID, serviceID, characteristicID string)
	SubscribeNotify(req RequestID, deviceID, serviceID, characteristicID string, enabled bool)

	// Shutdown releases backend resources. Requests still in flight may
	// complete or be dropped; no further events are delivered afterwards.
	Shutdown()
}

// Capabilities are the GATT property flags the core cares about.
type Capabilities struct {
	Read   bool `json:"read"`
	Write  bool `json:"write"`
	Notify bool `json:"notify"`
}

// CharacteristicInfo describes one characteristic returned by ListCharacteristics.
type CharacteristicInfo struct {
	ID           string
	Capabilities Capabilities
}

// AdvMetadata carries advertisement fields the core passes through untouched.
type AdvMetadata struct {
	RSSI             int               `json:"rssi"`
	Connectable      bool              `json:"connectable"`
	TxPower          *int              `json:"tx_power,omitempty"`
	Services         []string          `json:"services,omitempty"`
	ManufacturerData []byte            `json:"manufacturer_data,omitempty"`
	ServiceData      map[string][]byte `json:"service_data,omitempty"`
}

// Advertisement is a single advertised device inside a DevicesFound batch.
type Advertisement struct {
	DeviceID  string
	Name      string
	LocalName string
	Metadata  AdvMetadata
}

// Event is anything delivered on Radio.Events.
type Event interface {
	event()
}

// Completion reports the outcome of one request.
type Completion struct {
	Req              RequestID
	Op               Op
	DeviceID         string
	ServiceID        string
	CharacteristicID string
	Err              error

	Services        []string             // OpListServices
	Characteristics []CharacteristicInfo // OpListCharacteristics
	Value           []byte               // OpRead
}

// DevicesFound is a burst of advertisements observed during a scan.
type DevicesFound struct {
	Devices []Advertisement
}

// ValueChanged is a notification or indication from a subscribed characteristic.
type ValueChanged struct {
	DeviceID         string
	ServiceID        string
	CharacteristicID string
	Value            []byte
}

// Disconnected reports that the platform lost the link to a peripheral
// without the core asking for it.
type Disconnected struct {
	DeviceID string
	Err      error
}

// ScanStopped reports that a running scan ended without a StopScan request.
type ScanStopped struct {
	Err error
}

func (Completion) event()   {}
func (DevicesFound) event() {}
func (ValueChanged) event() {}
func (Disconnected) event() {}
func (ScanStopped) event()  {}

// Platform error classes backends normalise their errors into.
var (
	ErrBluetoothOff = errors.New("bluetooth is turned off")
	ErrNotConnected = errors.New("device not connected")
	ErrNotFound     = errors.New("not found")
	ErrUnsupported  = errors.New("unsupported")
)

// NormalizeUUID lowercases a UUID and strips dashes so platform and
// operator spellings compare equal.
func NormalizeUUID(s string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", ""))
}
