// Package ble drives a single BLE GATT link through a serialized operation
// queue. It tracks the connection lifecycle, splits outbound messages into
// MTU-sized frames and reassembles inbound ones.
package ble

import "context"

// Target addresses one GATT characteristic.
type Target struct {
	Service        string
	Characteristic string
}

func (t Target) String() string { return t.Service + "/" + t.Characteristic }

// WriteMode selects the ATT write procedure.
type WriteMode int

const (
	WriteWithResponse WriteMode = iota
	WriteWithoutResponse
)

func (m WriteMode) String() string {
	if m == WriteWithoutResponse {
		return "without-response"
	}
	return "with-response"
}

// NotifyMode selects notifications or indications on a characteristic.
type NotifyMode int

const (
	Notify NotifyMode = iota
	Indicate
)

func (m NotifyMode) String() string {
	if m == Indicate {
		return "indicate"
	}
	return "notify"
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name    string
	Address string
	RSSI    int
}

// EventHandler receives unsolicited link events from a Transport.
// Implementations must not block.
type EventHandler interface {
	// OnLinkOpened reports that the physical link is established.
	OnLinkOpened()
	// OnLinkClosed reports that the link went down and why.
	OnLinkClosed(reason DisconnectReason)
	// OnBondStateChanged reports a change of the peer's bond state.
	OnBondStateChanged(state BondState)
}

// Transport abstracts the platform BLE stack for one peer. Only operations
// running on a Queue call into it, one at a time. Blocking calls should
// return promptly once ctx is done; a transport that cannot abort simply
// returns late and its result is discarded.
//
// Transient failures (GATT busy and similar) must wrap ErrTransportBusy so the
// queue retries them.
type Transport interface {
	// Bind registers the handler for link events. Called once before use.
	Bind(h EventHandler)
	// OpenLink connects to the peer at address.
	OpenLink(ctx context.Context, address string, autoConnect bool) error
	// CloseLink disconnects from the peer.
	CloseLink(ctx context.Context) error
	// HasTarget reports whether the connected peer exposes target.
	HasTarget(ctx context.Context, target Target) (bool, error)
	// RequestMTU asks for an ATT MTU of size and returns the negotiated value.
	RequestMTU(ctx context.Context, size int) (int, error)
	// Write writes data to target.
	Write(ctx context.Context, target Target, data []byte, mode WriteMode) error
	// Read reads the current value of target.
	Read(ctx context.Context, target Target) ([]byte, error)
	// SetNotificationSink enables notifications or indications on target and
	// routes every received value to sink.
	SetNotificationSink(ctx context.Context, target Target, mode NotifyMode, sink func([]byte)) error
}
