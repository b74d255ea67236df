package session

import (
	"errors"
	"fmt"
)

// ErrorKind names the specific failure inside one error family.
type ErrorKind string

const (
	// AdapterError kinds
	PowerOnFailed ErrorKind = "power_on_failed"

	// ScanError kinds
	StartFailed ErrorKind = "start_failed"

	// shared by ScanError and ConnectionError
	AdapterOff ErrorKind = "adapter_off"

	// ConnectionError kinds
	ConnectFailed ErrorKind = "connect_failed"
	AlreadyActive ErrorKind = "already_active"
	NotConnected  ErrorKind = "not_connected"

	// ReadError / WriteError kinds
	PlatformRejected      ErrorKind = "platform_rejected"
	UnknownCharacteristic ErrorKind = "unknown_characteristic"
	EmptyInput            ErrorKind = "empty_input"
)

// ErrClosed is returned by commands issued after the controller stopped.
var ErrClosed = errors.New("session closed")

// opError is the shape shared by every session error family.
type opError struct {
	Kind  ErrorKind
	Cause error
}

func (e opError) format(family string) string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", family, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", family, e.Kind, e.Cause)
}

// AdapterError reports an adapter power failure.
type AdapterError struct{ opError }

// ScanError reports a discovery failure.
type ScanError struct{ opError }

// ConnectionError reports a connect failure or a connection state conflict.
type ConnectionError struct{ opError }

// ReadError reports a characteristic read failure.
type ReadError struct{ opError }

// WriteError reports a characteristic write failure.
type WriteError struct{ opError }

func (e *AdapterError) Error() string    { return e.format("adapter") }
func (e *ScanError) Error() string       { return e.format("scan") }
func (e *ConnectionError) Error() string { return e.format("connection") }
func (e *ReadError) Error() string       { return e.format("read") }
func (e *WriteError) Error() string      { return e.format("write") }

func (e *AdapterError) Unwrap() error    { return e.Cause }
func (e *ScanError) Unwrap() error       { return e.Cause }
func (e *ConnectionError) Unwrap() error { return e.Cause }
func (e *ReadError) Unwrap() error       { return e.Cause }
func (e *WriteError) Unwrap() error      { return e.Cause }

// Is allows errors.Is to compare errors of the same family by Kind
func (e *AdapterError) Is(target error) bool {
	t, ok := target.(*AdapterError)
	return ok && t.Kind == e.Kind
}

func (e *ScanError) Is(target error) bool {
	t, ok := target.(*ScanError)
	return ok && t.Kind == e.Kind
}

func (e *ConnectionError) Is(target error) bool {
	t, ok := target.(*ConnectionError)
	return ok && t.Kind == e.Kind
}

func (e *ReadError) Is(target error) bool {
	t, ok := target.(*ReadError)
	return ok && t.Kind == e.Kind
}

func (e *WriteError) Is(target error) bool {
	t, ok := target.(*WriteError)
	return ok && t.Kind == e.Kind
}

// Predefined sentinels for errors.Is checks
var (
	ErrPowerOnFailed = &AdapterError{opError{Kind: PowerOnFailed}}

	ErrScanStartFailed = &ScanError{opError{Kind: StartFailed}}
	ErrScanAdapterOff  = &ScanError{opError{Kind: AdapterOff}}

	ErrConnectFailed        = &ConnectionError{opError{Kind: ConnectFailed}}
	ErrAlreadyActive        = &ConnectionError{opError{Kind: AlreadyActive}}
	ErrNotConnected         = &ConnectionError{opError{Kind: NotConnected}}
	ErrConnectionAdapterOff = &ConnectionError{opError{Kind: AdapterOff}}

	ErrReadRejected              = &ReadError{opError{Kind: PlatformRejected}}
	ErrReadUnknownCharacteristic = &ReadError{opError{Kind: UnknownCharacteristic}}

	ErrWriteRejected              = &WriteError{opError{Kind: PlatformRejected}}
	ErrWriteUnknownCharacteristic = &WriteError{opError{Kind: UnknownCharacteristic}}
	ErrEmptyInput                 = &WriteError{opError{Kind: EmptyInput}}
)

func newAdapterError(kind ErrorKind, cause error) error {
	return &AdapterError{opError{Kind: kind, Cause: cause}}
}

func newScanError(kind ErrorKind, cause error) error {
	return &ScanError{opError{Kind: kind, Cause: cause}}
}

func newConnectionError(kind ErrorKind, cause error) error {
	return &ConnectionError{opError{Kind: kind, Cause: cause}}
}

func newReadError(kind ErrorKind, cause error) error {
	return &ReadError{opError{Kind: kind, Cause: cause}}
}

func newWriteError(kind ErrorKind, cause error) error {
	return &WriteError{opError{Kind: kind, Cause: cause}}
}

// KindOf returns the Kind of any session error in err's chain, or "" if there is none.
func KindOf(err error) ErrorKind {
	var (
		ae *AdapterError
		se *ScanError
		ce *ConnectionError
		re *ReadError
		we *WriteError
	)
	switch {
	case errors.As(err, &ae):
		return ae.Kind
	case errors.As(err, &se):
		return se.Kind
	case errors.As(err, &ce):
		return ce.Kind
	case errors.As(err, &re):
		return re.Kind
	case errors.As(err, &we):
		return we.Kind
	default:
		return ""
	}
}
