package ble

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why an operation did not succeed.
type ErrorKind int

const (
	KindTimeout ErrorKind = iota + 1
	KindCancelled
	KindTransportRejected
	KindTransportBusy
	KindNotSupported
	KindIntegrity
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	case KindTransportRejected:
		return "transport rejected"
	case KindTransportBusy:
		return "transport busy"
	case KindNotSupported:
		return "not supported"
	case KindIntegrity:
		return "protocol integrity"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Sentinels for errors.Is. An *OpError matches the sentinel of its Kind.
var (
	ErrTimeout           = errors.New("ble: operation timed out")
	ErrCancelled         = errors.New("ble: operation cancelled")
	ErrTransportRejected = errors.New("ble: transport rejected operation")
	ErrTransportBusy     = errors.New("ble: transport busy")
	ErrNotSupported      = errors.New("ble: required capability not supported by peer")
	ErrIntegrity         = errors.New("ble: protocol integrity error")

	// ErrIllegalTransition is returned by StateMachine.Fire for an event the
	// current state does not accept.
	ErrIllegalTransition = errors.New("ble: illegal state transition")
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindTimeout:
		return ErrTimeout
	case KindCancelled:
		return ErrCancelled
	case KindTransportRejected:
		return ErrTransportRejected
	case KindTransportBusy:
		return ErrTransportBusy
	case KindNotSupported:
		return ErrNotSupported
	case KindIntegrity:
		return ErrIntegrity
	}
	return nil
}

// OpError is how a failed operation resolves.
type OpError struct {
	Kind ErrorKind
	Op   string // operation name, e.g. "write"
	Seq  uint64 // sequence id, 0 when not tied to a queued operation
	Err  error  // underlying cause, may be nil
}

func (e *OpError) Error() string {
	msg := "ble: " + e.Op + ": " + e.Kind.String()
	if e.Err != nil && e.Err != e.Kind.sentinel() {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *OpError) Unwrap() error { return e.Err }

// Is matches the sentinel for e.Kind.
func (e *OpError) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// KindOf returns the ErrorKind carried by err, or 0 when err is not an
// *OpError and matches none of the sentinels.
func KindOf(err error) ErrorKind {
	var opErr *OpError
	if errors.As(err, &opErr) {
		return opErr.Kind
	}
	for k := KindTimeout; k <= KindIntegrity; k++ {
		if errors.Is(err, k.sentinel()) {
			return k
		}
	}
	return 0
}

// classify maps a transport failure to its kind. Transports report transient
// conditions by wrapping ErrTransportBusy; everything else is a hard failure.
func classify(err error) ErrorKind {
	switch k := KindOf(err); k {
	case 0:
		return KindTransportRejected
	default:
		return k
	}
}
