// Package packet defines the wire envelope every webshocket peer exchanges,
// plus the two codecs (binary and text) that (de)serialize it. The RPC
// sub-envelope is an explicit tagged-union field rather than relying on
// optional-field presence.
package packet

import (
	"time"

	"github.com/google/uuid"

	"github.com/floydous/webshocket/wsenum"
)

// RPCKind discriminates the two RPC sub-envelope variants.
type RPCKind string

const (
	RPCRequestKind  RPCKind = "request"
	RPCResponseKind RPCKind = "response"
)

// RPC is the tagged union carried by a Packet whose Source is SourceRPC.
// Kind selects which half of the struct is meaningful: Method/Args/Kwargs/
// CallID for a request, CallID/Response/Error for a response. CallID is
// shared by both halves and is what correlates a response to its request.
type RPC struct {
	Kind RPCKind `msgpack:"kind" json:"kind"`

	// Request fields.
	Method string         `msgpack:"method,omitempty" json:"method,omitempty"`
	Args   []any          `msgpack:"args,omitempty" json:"args,omitempty"`
	Kwargs map[string]any `msgpack:"kwargs,omitempty" json:"kwargs,omitempty"`

	// Shared + response fields.
	CallID   string             `msgpack:"call_id" json:"call_id"`
	Response any                `msgpack:"response,omitempty" json:"response,omitempty"`
	Error    *wsenum.RPCErrorCode `msgpack:"error,omitempty" json:"error,omitempty"`
}

// NewRPCRequest builds a request RPC envelope with a freshly allocated
// call_id.
func NewRPCRequest(method string, args []any, kwargs map[string]any) *RPC {
	return &RPC{
		Kind:   RPCRequestKind,
		Method: method,
		Args:   args,
		Kwargs: kwargs,
		CallID: uuid.NewString(),
	}
}

// NewRPCResponse builds a response RPC envelope correlated to callID.
func NewRPCResponse(callID string, response any, errCode *wsenum.RPCErrorCode) *RPC {
	return &RPC{
		Kind:     RPCResponseKind,
		CallID:   callID,
		Response: response,
		Error:    errCode,
	}
}

// Packet is the single wire record every webshocket message travels in.
//
// Invariants (enforced by construction, not validated on every access):
//   - Source == SourceRPC iff RPC != nil.
//   - Source == SourceChannel implies Channel is non-empty.
type Packet struct {
	Source wsenum.PacketSource `msgpack:"source" json:"source"`

	Data    any    `msgpack:"data,omitempty" json:"data,omitempty"`
	RPC     *RPC   `msgpack:"rpc,omitempty" json:"rpc,omitempty"`
	Channel string `msgpack:"channel,omitempty" json:"channel,omitempty"`

	Timestamp     string `msgpack:"timestamp,omitempty" json:"timestamp,omitempty"`
	CorrelationID string `msgpack:"correlation_id,omitempty" json:"correlation_id,omitempty"`
}

// Custom wraps an arbitrary payload as a SourceCustom packet, the envelope
// wsclient.Client.Send uses when handed raw data instead of a pre-built
// Packet. wsconn.Connection.Send accepts only a pre-built *Packet and does
// not wrap raw data itself.
func Custom(data any) *Packet {
	return &Packet{Source: wsenum.SourceCustom, Data: data}
}

// Stamp fills Timestamp with the current time in RFC3339Nano. Timestamping
// is optional-but-conventional; callers opt in explicitly by calling it.
func (p *Packet) Stamp() *Packet {
	p.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	return p
}
