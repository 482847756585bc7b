package protocol

import (
	"errors"
	"fmt"
)

// Kind classifies device-layer failures. The numeric value is the stable
// error code surfaced in logs, device status snapshots, and MQTT payloads.
type Kind int

const (
	KindConnection   Kind = 1001
	KindDataParsing  Kind = 1002
	KindCommand      Kind = 1003
	KindTimeout      Kind = 1004
	KindProtocol     Kind = 1005
	KindNotification Kind = 1006
	KindChecksum     Kind = 1007
	KindState        Kind = 1008
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindDataParsing:
		return "data_parsing"
	case KindCommand:
		return "command"
	case KindTimeout:
		return "timeout"
	case KindProtocol:
		return "protocol"
	case KindNotification:
		return "notification"
	case KindChecksum:
		return "checksum"
	case KindState:
		return "state"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is a device-layer failure carrying the device address and a
// structured context map alongside the classification.
type Error struct {
	Kind          Kind
	DeviceAddress string
	Msg           string
	Context       map[string]interface{}
	Err           error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	s := e.Kind.String()
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.DeviceAddress != "" {
		s += " (device " + e.DeviceAddress + ")"
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is to compare Error values by Kind.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Code returns the stable numeric error code.
func (e *Error) Code() int { return int(e.Kind) }

// Sentinels for errors.Is classification by kind.
var (
	ErrConnection   = &Error{Kind: KindConnection}
	ErrDataParsing  = &Error{Kind: KindDataParsing}
	ErrCommand      = &Error{Kind: KindCommand}
	ErrTimeout      = &Error{Kind: KindTimeout}
	ErrProtocol     = &Error{Kind: KindProtocol}
	ErrNotification = &Error{Kind: KindNotification}
	ErrChecksum     = &Error{Kind: KindChecksum}
	ErrState        = &Error{Kind: KindState}
)

// NewError builds a classified device error. ctx may be nil.
func NewError(kind Kind, mac, msg string, ctx map[string]interface{}, wrapped error) *Error {
	return &Error{Kind: kind, DeviceAddress: mac, Msg: msg, Context: ctx, Err: wrapped}
}

// KindOf extracts the Kind from err, or 0 when err is not a device error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsTransient reports whether err should be retried on the next poll tick
// rather than suspending the device. Connection drops, timeouts, and
// malformed notifications are expected recoverable conditions.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindConnection, KindTimeout, KindNotification:
		return true
	default:
		return false
	}
}
