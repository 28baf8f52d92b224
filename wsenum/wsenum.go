// Package wsenum collects the small closed vocabularies shared across the
// webshocket packages: connection/server lifecycle states, the peer codec
// classification, packet routing sources, and RPC error codes.
package wsenum

// ConnectionState tracks a single peer's lifecycle.
type ConnectionState int

const (
	ConnectionConnecting ConnectionState = iota
	ConnectionConnected
	ConnectionDisconnected
	ConnectionClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionConnecting:
		return "connecting"
	case ConnectionConnected:
		return "connected"
	case ConnectionDisconnected:
		return "disconnected"
	case ConnectionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ServerState tracks the server's own lifecycle, independent of any peer.
type ServerState int

const (
	ServerClosed ServerState = iota
	ServerServing
)

func (s ServerState) String() string {
	if s == ServerServing {
		return "serving"
	}
	return "closed"
}

// ClientType classifies a connected peer by the codec it negotiated at
// upgrade time: FRAMEWORK peers advertised the webshocket.v1 subprotocol
// and speak the binary codec; GENERIC peers get JSON.
type ClientType int

const (
	ClientFramework ClientType = iota
	ClientGeneric
)

func (c ClientType) String() string {
	if c == ClientFramework {
		return "framework"
	}
	return "generic"
}

// PacketSource classifies the routing intent of an envelope.
type PacketSource int

const (
	SourceCustom PacketSource = iota
	SourceBroadcast
	SourceChannel
	SourceRPC
	SourceUnknown
)

func (s PacketSource) String() string {
	switch s {
	case SourceCustom:
		return "custom"
	case SourceBroadcast:
		return "broadcast"
	case SourceChannel:
		return "channel"
	case SourceRPC:
		return "rpc"
	default:
		return "unknown"
	}
}

// RPCErrorCode enumerates the RPC failure taxonomy.
type RPCErrorCode int

const (
	RPCErrorNone RPCErrorCode = iota
	RPCErrorMethodNotFound
	RPCErrorInvalidParams
	RPCErrorAccessDenied
	RPCErrorRateLimitExceeded
	RPCErrorApplicationError
	RPCErrorInternalServerError
)

// WebSocket close codes used explicitly by this library.
const (
	CloseNormal        = 1000 // OK
	CloseTryAgainLater = 1013 // rate limit exceeded with disconnect enabled
)

func (e RPCErrorCode) String() string {
	switch e {
	case RPCErrorMethodNotFound:
		return "METHOD_NOT_FOUND"
	case RPCErrorInvalidParams:
		return "INVALID_PARAMS"
	case RPCErrorAccessDenied:
		return "ACCESS_DENIED"
	case RPCErrorRateLimitExceeded:
		return "RATE_LIMIT_EXCEEDED"
	case RPCErrorApplicationError:
		return "APPLICATION_ERROR"
	case RPCErrorInternalServerError:
		return "INTERNAL_SERVER_ERROR"
	default:
		return "NONE"
	}
}
