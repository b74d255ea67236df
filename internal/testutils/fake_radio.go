//go:build test

package testutils

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/srg/blecon/internal/radio"
)

// RadioCall records one request made to a FakeRadio.
type RadioCall struct {
	Req              radio.RequestID
	Op               radio.Op
	DeviceID         string
	ServiceID        string
	CharacteristicID string
	Data             []byte
	Enabled          bool // SubscribeNotify
	AllowDuplicates  bool // StartScan
}

// FakeRadio is a scripted radio.Radio. By default it answers every request
// from a simulated world of peripherals; ops passed to Hold are only recorded,
// and the test answers them with Complete.
//
// It embeds mock.Mock so tests can use AssertCalled / AssertNumberOfCalls.
type FakeRadio struct {
	mock.Mock

	events chan radio.Event

	mu          sync.Mutex
	calls       []RadioCall
	taken       map[int]bool
	held        map[radio.Op]bool
	failures    map[radio.Op]error
	peripherals map[string]DeviceProfileConfig
	scanAds     []radio.Advertisement
	shutdown    bool
}

// NewFakeRadio creates a FakeRadio with no peripherals.
func NewFakeRadio() *FakeRadio {
	f := &FakeRadio{
		events:      make(chan radio.Event, 1024),
		taken:       make(map[int]bool),
		held:        make(map[radio.Op]bool),
		failures:    make(map[radio.Op]error),
		peripherals: make(map[string]DeviceProfileConfig),
	}

	f.On("PowerOn", mock.Anything).Maybe()
	f.On("PowerOff", mock.Anything).Maybe()
	f.On("StartScan", mock.Anything, mock.Anything).Maybe()
	f.On("StopScan", mock.Anything).Maybe()
	f.On("Open", mock.Anything, mock.Anything).Maybe()
	f.On("Close", mock.Anything, mock.Anything).Maybe()
	f.On("ListServices", mock.Anything, mock.Anything).Maybe()
	f.On("ListCharacteristics", mock.Anything, mock.Anything, mock.Anything).Maybe()
	f.On("Write", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Maybe()
	f.On("Read", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Maybe()
	f.On("SubscribeNotify", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Maybe()
	f.On("Shutdown").Maybe()
	return f
}

// WithPeripheral adds a connectable peripheral to the simulated world.
func (f *FakeRadio) WithPeripheral(p DeviceProfileConfig) *FakeRadio {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.peripherals[p.Address] = p
	return f
}

// WithScanAdvertisements sets the batch delivered after every successful scan start.
func (f *FakeRadio) WithScanAdvertisements(ads ...radio.Advertisement) *FakeRadio {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scanAds = append(f.scanAds, ads...)
	return f
}

// Hold stops automatic completion of the given ops.
func (f *FakeRadio) Hold(ops ...radio.Op) *FakeRadio {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, op := range ops {
		f.held[op] = true
	}
	return f
}

// Release resumes automatic completion of the given ops. Calls already held stay pending.
func (f *FakeRadio) Release(ops ...radio.Op) *FakeRadio {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, op := range ops {
		delete(f.held, op)
	}
	return f
}

// FailOn makes automatic completions of op fail with err. A nil err clears it.
func (f *FakeRadio) FailOn(op radio.Op, err error) *FakeRadio {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, op)
	} else {
		f.failures[op] = err
	}
	return f
}

// Emit delivers an unsolicited event.
func (f *FakeRadio) Emit(ev radio.Event) {
	f.events <- ev
}

// Complete answers a held call.
func (f *FakeRadio) Complete(call RadioCall, err error) {
	f.CompleteWith(call, radio.Completion{Err: err})
}

// CompleteWith answers a held call with a custom completion. Req, Op and the
// addressing fields are taken from call.
func (f *FakeRadio) CompleteWith(call RadioCall, comp radio.Completion) {
	comp.Req = call.Req
	comp.Op = call.Op
	comp.DeviceID = call.DeviceID
	comp.ServiceID = call.ServiceID
	comp.CharacteristicID = call.CharacteristicID
	f.events <- comp
}

// WaitForCall returns the oldest call of op not returned before, waiting up to timeout.
func (f *FakeRadio) WaitForCall(op radio.Op, timeout time.Duration) (RadioCall, error) {
	deadline := time.Now().Add(timeout)
	for {
		f.mu.Lock()
		for i, c := range f.calls {
			if c.Op == op && !f.taken[i] {
				f.taken[i] = true
				f.mu.Unlock()
				return c, nil
			}
		}
		f.mu.Unlock()

		if time.Now().After(deadline) {
			return RadioCall{}, fmt.Errorf("no %s call within %s", op, timeout)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// Calls returns every recorded call of op, oldest first.
func (f *FakeRadio) Calls(op radio.Op) []RadioCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []RadioCall
	for _, c := range f.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Ops returns the ops of every recorded call, oldest first.
func (f *FakeRadio) Ops() []radio.Op {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]radio.Op, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.Op)
	}
	return out
}

// Value returns the simulated value of a characteristic.
func (f *FakeRadio) Value(deviceID, serviceID, characteristicID string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c := f.characteristic(deviceID, serviceID, characteristicID); c != nil {
		return append([]byte(nil), c.Value...)
	}
	return nil
}

// IsShutdown reports whether Shutdown was called.
func (f *FakeRadio) IsShutdown() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shutdown
}

func (f *FakeRadio) Events() <-chan radio.Event {
	return f.events
}

func (f *FakeRadio) PowerOn(req radio.RequestID) {
	f.Called(req)
	f.handle(RadioCall{Req: req, Op: radio.OpPowerOn})
}

func (f *FakeRadio) PowerOff(req radio.RequestID) {
	f.Called(req)
	f.handle(RadioCall{Req: req, Op: radio.OpPowerOff})
}

func (f *FakeRadio) StartScan(req radio.RequestID, allowDuplicates bool) {
	f.Called(req, allowDuplicates)
	f.handle(RadioCall{Req: req, Op: radio.OpStartScan, AllowDuplicates: allowDuplicates})
}

func (f *FakeRadio) StopScan(req radio.RequestID) {
	f.Called(req)
	f.handle(RadioCall{Req: req, Op: radio.OpStopScan})
}

func (f *FakeRadio) Open(req radio.RequestID, deviceID string) {
	f.Called(req, deviceID)
	f.handle(RadioCall{Req: req, Op: radio.OpOpen, DeviceID: deviceID})
}

func (f *FakeRadio) Close(req radio.RequestID, deviceID string) {
	f.Called(req, deviceID)
	f.handle(RadioCall{Req: req, Op: radio.OpClose, DeviceID: deviceID})
}

func (f *FakeRadio) ListServices(req radio.RequestID, deviceID string) {
	f.Called(req, deviceID)
	f.handle(RadioCall{Req: req, Op: radio.OpListServices, DeviceID: deviceID})
}

func (f *FakeRadio) ListCharacteristics(req radio.RequestID, deviceID, serviceID string) {
	f.Called(req, deviceID, serviceID)
	f.handle(RadioCall{Req: req, Op: radio.OpListCharacteristics, DeviceID: deviceID, ServiceID: serviceID})
}

func (f *FakeRadio) Write(req radio.RequestID, deviceID, serviceID, characteristicID string, data []byte) {
	f.Called(req, deviceID, serviceID, characteristicID, data)
	f.handle(RadioCall{
		Req: req, Op: radio.OpWrite,
		DeviceID: deviceID, ServiceID: serviceID, CharacteristicID: characteristicID,
		Data: append([]byte(nil), data...),
	})
}

func (f *FakeRadio) Read(req radio.RequestID, deviceID, serviceID, characteristicID string) {
	f.Called(req, deviceID, serviceID, characteristicID)
	f.handle(RadioCall{
		Req: req, Op: radio.OpRead,
		DeviceID: deviceID, ServiceID: serviceID, CharacteristicID: characteristicID,
	})
}

func (f *FakeRadio) SubscribeNotify(req radio.RequestID, deviceID, serviceID, characteristicID string, enabled bool) {
	f.Called(req, deviceID, serviceID, characteristicID, enabled)
	f.handle(RadioCall{
		Req: req, Op: radio.OpSubscribe,
		DeviceID: deviceID, ServiceID: serviceID, CharacteristicID: characteristicID,
		Enabled: enabled,
	})
}

func (f *FakeRadio) Shutdown() {
	f.Called()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdown = true
}

// handle records call and, unless its op is held, answers it from the simulated world.
func (f *FakeRadio) handle(call RadioCall) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	if f.held[call.Op] {
		f.mu.Unlock()
		return
	}
	comp, extra := f.simulate(call)
	f.mu.Unlock()

	f.events <- comp
	for _, ev := range extra {
		f.events <- ev
	}
}

// simulate computes the completion of call, plus any events that follow it.
// f.mu must be held.
func (f *FakeRadio) simulate(call RadioCall) (radio.Completion, []radio.Event) {
	comp := radio.Completion{
		Req:              call.Req,
		Op:               call.Op,
		DeviceID:         call.DeviceID,
		ServiceID:        call.ServiceID,
		CharacteristicID: call.CharacteristicID,
	}
	if err, ok := f.failures[call.Op]; ok {
		comp.Err = err
		return comp, nil
	}

	switch call.Op {
	case radio.OpStartScan:
		if len(f.scanAds) > 0 {
			batch := append([]radio.Advertisement(nil), f.scanAds...)
			return comp, []radio.Event{radio.DevicesFound{Devices: batch}}
		}

	case radio.OpOpen, radio.OpListServices:
		p, ok := f.peripherals[call.DeviceID]
		if !ok {
			comp.Err = fmt.Errorf("device %s: %w", call.DeviceID, radio.ErrNotFound)
			break
		}
		if call.Op == radio.OpListServices {
			for _, svc := range p.Services {
				comp.Services = append(comp.Services, svc.UUID)
			}
		}

	case radio.OpListCharacteristics:
		svc := f.service(call.DeviceID, call.ServiceID)
		if svc == nil {
			comp.Err = fmt.Errorf("service %s: %w", call.ServiceID, radio.ErrNotFound)
			break
		}
		for _, ch := range svc.Characteristics {
			comp.Characteristics = append(comp.Characteristics, radio.CharacteristicInfo{
				ID:           ch.UUID,
				Capabilities: ParseCapabilities(ch.Properties),
			})
		}

	case radio.OpRead:
		ch := f.characteristic(call.DeviceID, call.ServiceID, call.CharacteristicID)
		if ch == nil {
			comp.Err = fmt.Errorf("characteristic %s: %w", call.CharacteristicID, radio.ErrNotFound)
			break
		}
		comp.Value = append([]byte(nil), ch.Value...)

	case radio.OpWrite:
		ch := f.characteristic(call.DeviceID, call.ServiceID, call.CharacteristicID)
		if ch == nil {
			comp.Err = fmt.Errorf("characteristic %s: %w", call.CharacteristicID, radio.ErrNotFound)
			break
		}
		ch.Value = bytes.Clone(call.Data)

	case radio.OpSubscribe:
		if f.characteristic(call.DeviceID, call.ServiceID, call.CharacteristicID) == nil {
			comp.Err = fmt.Errorf("characteristic %s: %w", call.CharacteristicID, radio.ErrNotFound)
		}
	}
	return comp, nil
}

func (f *FakeRadio) service(deviceID, serviceID string) *ServiceConfig {
	p, ok := f.peripherals[deviceID]
	if !ok {
		return nil
	}
	for i := range p.Services {
		if p.Services[i].UUID == serviceID {
			return &p.Services[i]
		}
	}
	return nil
}

func (f *FakeRadio) characteristic(deviceID, serviceID, characteristicID string) *CharacteristicConfig {
	svc := f.service(deviceID, serviceID)
	if svc == nil {
		return nil
	}
	for i := range svc.Characteristics {
		if svc.Characteristics[i].UUID == characteristicID {
			return &svc.Characteristics[i]
		}
	}
	return nil
}

var _ radio.Radio = (*FakeRadio)(nil)
