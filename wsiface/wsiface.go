// Package wsiface defines the narrow Conn interface shared by registry,
// rpcdispatch, and wsserver, so those packages don't need to import the
// concrete wsconn.Connection type (and wsconn, in turn, doesn't need to
// import them back).
package wsiface

import (
	"github.com/floydous/webshocket/packet"
	"github.com/floydous/webshocket/session"
	"github.com/floydous/webshocket/wsenum"
)

// Conn is the subset of Connection behavior the registry and RPC engine
// need: enough to send a packet, inspect/mutate session state, and close
// the peer on a rate-limit violation.
type Conn interface {
	// ID returns a stable per-connection identifier.
	ID() string

	// Send delivers p to this peer, blocking until there is room in the
	// outbound queue or the connection closes.
	Send(p *packet.Packet) error

	// TrySend delivers p without blocking, reporting false (and dropping
	// p) if the outbound queue is full. Fan-out callers (broadcast,
	// publish) use this so one slow peer cannot stall delivery to the
	// rest.
	TrySend(p *packet.Packet) bool

	// Session returns this connection's mutable session_state bag.
	Session() *session.State

	// State reports the connection's current lifecycle state.
	State() wsenum.ConnectionState

	// Close transitions the connection to CLOSED and disconnects the
	// transport, sending a WebSocket close frame with code/reason.
	Close(code int, reason string) error

	// RemoteAddr returns the cached remote address, "" if unknown.
	RemoteAddr() string
}

// Predicate gates access to an RPC method or filters broadcast/publish
// recipients.
type Predicate func(Conn) bool
