// Package wserr defines the error taxonomy shared by the server and client
// halves of webshocket: sentinel errors for errors.Is matching, plus typed
// error structs for cases that carry extra context.
package wserr

import "fmt"

// Sentinel errors a caller can match with errors.Is.
var (
	ErrConnectionFailed  = fmt.Errorf("webshocket: connection attempts exhausted")
	ErrConnectionClosed  = fmt.Errorf("webshocket: operation on a closed or disconnected peer")
	ErrReceiveTimeout    = fmt.Errorf("webshocket: receive operation timed out")
	ErrRPCTimeout        = fmt.Errorf("webshocket: rpc call timed out waiting for a response")
	ErrRateLimitExceeded = fmt.Errorf("webshocket: rate limit exceeded")
	ErrPacketMisuse      = fmt.Errorf("webshocket: packet source does not match the operation")
	ErrMisuse            = fmt.Errorf("webshocket: invalid use of the websocket API")
	ErrNotConnected      = fmt.Errorf("webshocket: not connected")
)

// RPCError is returned to application RPC methods so they can signal an
// application-level failure that maps to an APPLICATION_ERROR response
// rather than an opaque internal one.
type RPCError struct {
	Message string
}

func (e *RPCError) Error() string { return e.Message }

// New constructs an *RPCError, the type RPC method implementations should
// return to produce an APPLICATION_ERROR response instead of an opaque
// internal one.
func New(message string) *RPCError {
	return &RPCError{Message: message}
}

// InvalidParamsError is returned to application RPC methods so they can
// signal that the caller's args/kwargs failed validation, producing an
// INVALID_PARAMS response instead of an opaque internal one.
type InvalidParamsError struct {
	Message string
}

func (e *InvalidParamsError) Error() string { return e.Message }

// InvalidParams constructs an *InvalidParamsError, the type RPC method
// implementations should return when the caller's arguments are malformed
// or out of range.
func InvalidParams(message string) *InvalidParamsError {
	return &InvalidParamsError{Message: message}
}

// MessageError reports a wire payload that failed to decode as an envelope.
// The codecs in package packet return the underlying decoder error rather
// than a MessageError, and packet.DecodeOrUnknown absorbs decode failures
// by producing a Packet{Source: SourceUnknown} instead.
type MessageError struct {
	Cause error
}

func (e *MessageError) Error() string {
	return fmt.Sprintf("webshocket: malformed packet: %v", e.Cause)
}

func (e *MessageError) Unwrap() error { return e.Cause }
