package packet

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/floydous/webshocket/wsenum"
)

// Codec (de)serializes a Packet to and from wire bytes. Exactly two
// implementations exist: BinaryCodec for FRAMEWORK peers and TextCodec for
// GENERIC ones, selected per-peer at upgrade time by subprotocol.
type Codec interface {
	Encode(p *Packet) ([]byte, error)
	Decode(data []byte) (*Packet, error)
}

// BinaryCodec is the compact MessagePack encoding used between two
// webshocket peers (the `webshocket.v1` subprotocol).
type BinaryCodec struct{}

func (BinaryCodec) Encode(p *Packet) ([]byte, error) {
	return msgpack.Marshal(p)
}

func (BinaryCodec) Decode(data []byte) (*Packet, error) {
	var p Packet
	if err := msgpack.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// TextCodec is the JSON encoding used for interop with GENERIC peers that
// never advertised the binary subprotocol.
type TextCodec struct{}

func (TextCodec) Encode(p *Packet) ([]byte, error) {
	return json.Marshal(p)
}

func (TextCodec) Decode(data []byte) (*Packet, error) {
	var p Packet
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// CodecFor selects the wire codec for a peer classified by ct.
func CodecFor(ct wsenum.ClientType) Codec {
	if ct == wsenum.ClientFramework {
		return BinaryCodec{}
	}
	return TextCodec{}
}

// DecodeOrUnknown decodes data with codec, never failing: a malformed or
// unparsable payload becomes a Packet{Source: SourceUnknown, Data: data}
// instead of propagating a decode error, so opaque/GENERIC traffic always
// still reaches the handler.
func DecodeOrUnknown(codec Codec, data []byte) *Packet {
	p, err := codec.Decode(data)
	if err != nil {
		return &Packet{Source: wsenum.SourceUnknown, Data: data}
	}
	return p
}
