package testutils

import (
	"bytes"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
)

// TestHelper bundles per-test utilities.
type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
	Output *SyncBuffer
}

// NewTestHelper creates a test helper whose logger writes debug output to an
// in-memory buffer, so log lines can be asserted on without cluttering test output.
func NewTestHelper(t *testing.T) *TestHelper {
	out := &SyncBuffer{}
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	logger.SetOutput(out)
	return &TestHelper{
		T:      t,
		Logger: logger,
		Output: out,
	}
}

// SyncBuffer is a bytes.Buffer safe for concurrent writers.
type SyncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *SyncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *SyncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Reset discards the buffered output.
func (b *SyncBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
}

// CreateMockAdvertisement returns a builder preset with name, address and RSSI.
func CreateMockAdvertisement(name, address string, rssi int) *AdvertisementBuilder {
	return NewAdvertisementBuilder().WithName(name).WithAddress(address).WithRSSI(rssi)
}

// CreateMockAdvertisementFromJSON returns a builder filled from JSON.
func CreateMockAdvertisementFromJSON(jsonStrFmt string, args ...interface{}) *AdvertisementBuilder {
	return NewAdvertisementBuilder().FromJSON(jsonStrFmt, args...)
}

// CreateMockPeripheralDevice returns a profile builder for the peripheral at address.
func CreateMockPeripheralDevice(address string) *PeripheralDeviceBuilder {
	return NewPeripheralDeviceBuilder(address)
}

// CreateMockPeripheralDeviceFromJSON returns a profile builder filled from JSON.
func CreateMockPeripheralDeviceFromJSON(address, jsonStrFmt string, args ...interface{}) *PeripheralDeviceBuilder {
	return NewPeripheralDeviceBuilder(address).FromJSON(jsonStrFmt, args...)
}
