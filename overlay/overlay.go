// Package overlay is the transport layer beneath cluster, buildnode, and
// buildmaster: a lossy, best-effort message bus over which peers exchange
// JSON envelopes addressed by 32-bit peer address, with a distinguished
// broadcast address delivered to every connected peer (spec.md §6.1).
package overlay

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by a Send attempted while no overlay
// connection is established (e.g. before the first Connect, or between a
// lost connection and its replacement).
var ErrNotConnected = errors.New("overlay: not connected")

// Addr identifies a peer on the overlay. Broadcast is delivered to every
// peer currently reachable through the hub.
type Addr uint32

// Broadcast is the distinguished address meaning "every peer".
const Broadcast Addr = 0xFFFFFFFF

func (a Addr) String() string {
	if a == Broadcast {
		return "broadcast"
	}
	return fmt.Sprintf("%08x", uint32(a))
}

// Protocol identifies the logical channel an envelope belongs to. The
// overlay multiplexes independent protocols over one connection; a
// handler registered for a protocol never sees envelopes addressed to
// another.
type Protocol uint32

const (
	// ProtocolNode carries NodeProxy traffic.
	ProtocolNode Protocol = 1000
	// ProtocolMaster carries MasterProxy traffic.
	ProtocolMaster Protocol = 1001
)

// Envelope is one message as it travels the overlay: a protocol number, a
// source and destination address, and an opaque JSON payload.
type Envelope struct {
	Protocol Protocol
	From     Addr
	To       Addr
	Payload  []byte
}

// Handler is invoked once per inbound envelope addressed to this peer,
// either directly or via Broadcast. Handlers run on the overlay's own
// read goroutine and must not block.
type Handler func(Envelope)

// Node is a connection to the overlay hub. Implementations own their own
// I/O; Send and Stop must be safe to call concurrently with the read
// loop that drives registered handlers.
type Node interface {
	// LocalAddr reports this peer's own address on the overlay.
	LocalAddr() Addr

	// Handle registers fn to receive envelopes for protocol p. Only one
	// handler may be registered per protocol; a second call replaces the
	// first.
	Handle(p Protocol, fn Handler)

	// Send addresses payload to (protocol, to) and hands it to the hub.
	// Delivery is best-effort: Send returning nil does not mean the peer
	// received it (spec.md §7).
	Send(p Protocol, to Addr, payload []byte) error

	// Stop closes the connection and releases the read goroutine.
	Stop() error

	// Done is closed once the connection is lost or Stop is called, for
	// callers that want to observe connection loss without polling.
	Done() <-chan struct{}
}
