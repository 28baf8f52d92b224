// Package rpcdispatch implements the RPC engine: method lookup, access
// predicates, a fixed-window per-connection rate limiter, invocation, and
// error-to-RPCErrorCode mapping.
package rpcdispatch

import (
	"fmt"
	"time"

	"github.com/floydous/webshocket/packet"
	"github.com/floydous/webshocket/wsenum"
	"github.com/floydous/webshocket/wserr"
	"github.com/floydous/webshocket/wsiface"
)

// Func is the application-supplied RPC method body. It returns the value
// to place in the response's `response` field, or an error: a
// *wserr.InvalidParamsError maps to INVALID_PARAMS, a *wserr.RPCError maps
// to APPLICATION_ERROR, anything else maps to INTERNAL_SERVER_ERROR.
type Func func(conn wsiface.Conn, args []any, kwargs map[string]any) (any, error)

// RateLimitConfig bounds how often a single connection may call a given
// method within Period, a fixed window that resets only once the window
// has fully elapsed.
type RateLimitConfig struct {
	Limit               int
	Period              time.Duration
	DisconnectOnLimit   bool
}

// Method is the full descriptor stored in the registry's RPC method table.
type Method struct {
	Name       string
	Func       Func
	RateLimit  *RateLimitConfig
	Restricted wsiface.Predicate
}

// Lookup resolves a method name to its descriptor, or reports that no such
// method is registered. Implemented by registry.Registry.
type Lookup func(name string) (Method, bool)

// rateLimitKey namespaces the window bucket in session state per method.
func rateLimitKey(method string) string {
	return "_rate_limit_" + method
}

type window struct {
	lastCalled time.Time
	count      int
}

// Dispatch executes req against the method registered under req.Method,
// looked up via lookup, and sends exactly one response Packet back to conn,
// but only if conn is still CONNECTED by the time the result is ready.
func Dispatch(conn wsiface.Conn, req *packet.RPC, lookup Lookup) {
	var (
		errCode  *wsenum.RPCErrorCode
		response any
	)

	method, ok := lookup(req.Method)
	if !ok {
		response = fmt.Sprintf("RPC method '%s' not found.", req.Method)
		errCode = code(wsenum.RPCErrorMethodNotFound)
		send(conn, req.CallID, response, errCode)
		return
	}

	if method.Restricted != nil && !method.Restricted(conn) {
		response = fmt.Sprintf("Access denied for RPC method '%s'.", req.Method)
		errCode = code(wsenum.RPCErrorAccessDenied)
		send(conn, req.CallID, response, errCode)
		return
	}

	if method.RateLimit != nil {
		if limited, msg := checkRateLimit(conn, method, req.Method); limited {
			send(conn, req.CallID, msg, code(wsenum.RPCErrorRateLimitExceeded))
			return
		}
	}

	result, err := invoke(method.Func, conn, req)
	switch e := err.(type) {
	case nil:
		response = result
	case *wserr.InvalidParamsError:
		response = e.Error()
		errCode = code(wsenum.RPCErrorInvalidParams)
	case *wserr.RPCError:
		response = e.Error()
		errCode = code(wsenum.RPCErrorApplicationError)
	default:
		response = fmt.Sprintf("Server error (%T): %v", err, err)
		errCode = code(wsenum.RPCErrorInternalServerError)
	}

	send(conn, req.CallID, response, errCode)
}

func code(c wsenum.RPCErrorCode) *wsenum.RPCErrorCode { return &c }

// invoke recovers from a panicking method body, reporting it as an
// INTERNAL_SERVER_ERROR instead of crashing the read loop.
func invoke(fn Func, conn wsiface.Conn, req *packet.RPC) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(conn, req.Args, req.Kwargs)
}

// checkRateLimit enforces a fixed window: it resets only when
// now - lastCalled >= period, never early, and never mid-window.
func checkRateLimit(conn wsiface.Conn, method Method, name string) (limited bool, message string) {
	key := rateLimitKey(name)
	now := time.Now()

	var w window
	if v, ok := conn.Session().Get(key); ok {
		w = v.(window)
	} else {
		w = window{lastCalled: now, count: 0}
	}

	if now.Sub(w.lastCalled) >= method.RateLimit.Period {
		w.lastCalled = now
		w.count = 0
	}

	if w.count >= method.RateLimit.Limit {
		conn.Session().Set(key, w)
		if method.RateLimit.DisconnectOnLimit {
			_ = conn.Close(wsenum.CloseTryAgainLater, "Rate limit exceeded")
		}
		return true, fmt.Sprintf("Rate limit exceeded for RPC method '%s'.", name)
	}

	w.count++
	conn.Session().Set(key, w)
	return false, ""
}

// send delivers the RPC response packet, but only while the peer is still
// connected — a method that runs long enough for the client to disconnect
// must not attempt a send on a dead connection.
func send(conn wsiface.Conn, callID string, response any, errCode *wsenum.RPCErrorCode) {
	if conn.State() != wsenum.ConnectionConnected {
		return
	}
	p := &packet.Packet{
		Source: wsenum.SourceRPC,
		RPC:    packet.NewRPCResponse(callID, response, errCode),
	}
	_ = conn.Send(p)
}
