package rpcdispatch_test

import (
	"testing"
	"time"

	"github.com/floydous/webshocket/packet"
	"github.com/floydous/webshocket/rpcdispatch"
	"github.com/floydous/webshocket/session"
	"github.com/floydous/webshocket/wsenum"
	"github.com/floydous/webshocket/wserr"
	"github.com/floydous/webshocket/wsiface"
)

type fakeConn struct {
	id     string
	sess   *session.State
	state  wsenum.ConnectionState
	closed bool
	sent   []*packet.Packet
}

func newFakeConn() *fakeConn {
	return &fakeConn{sess: session.New(), state: wsenum.ConnectionConnected}
}

func (c *fakeConn) ID() string                  { return c.id }
func (c *fakeConn) Session() *session.State     { return c.sess }
func (c *fakeConn) State() wsenum.ConnectionState { return c.state }
func (c *fakeConn) RemoteAddr() string          { return "test" }
func (c *fakeConn) Send(p *packet.Packet) error {
	c.sent = append(c.sent, p)
	return nil
}
func (c *fakeConn) TrySend(p *packet.Packet) bool {
	c.sent = append(c.sent, p)
	return true
}
func (c *fakeConn) Close(code int, reason string) error {
	c.closed = true
	c.state = wsenum.ConnectionClosed
	return nil
}

func lookupFor(methods map[string]rpcdispatch.Method) rpcdispatch.Lookup {
	return func(name string) (rpcdispatch.Method, bool) {
		m, ok := methods[name]
		return m, ok
	}
}

func TestDispatchMethodNotFound(t *testing.T) {
	conn := newFakeConn()
	req := packet.NewRPCRequest("missing", nil, nil)

	rpcdispatch.Dispatch(conn, req, lookupFor(nil))

	if len(conn.sent) != 1 {
		t.Fatalf("sent %d packets, want 1", len(conn.sent))
	}
	resp := conn.sent[0].RPC
	if resp.Error == nil || *resp.Error != wsenum.RPCErrorMethodNotFound {
		t.Errorf("error = %v, want %v", resp.Error, wsenum.RPCErrorMethodNotFound)
	}
}

func TestDispatchAccessDenied(t *testing.T) {
	conn := newFakeConn()
	methods := map[string]rpcdispatch.Method{
		"admin": {
			Name:       "admin",
			Func:       func(wsiface.Conn, []any, map[string]any) (any, error) { return "ok", nil },
			Restricted: func(wsiface.Conn) bool { return false },
		},
	}
	req := packet.NewRPCRequest("admin", nil, nil)

	rpcdispatch.Dispatch(conn, req, lookupFor(methods))

	resp := conn.sent[0].RPC
	if resp.Error == nil || *resp.Error != wsenum.RPCErrorAccessDenied {
		t.Errorf("error = %v, want %v", resp.Error, wsenum.RPCErrorAccessDenied)
	}
}

func TestDispatchSuccess(t *testing.T) {
	conn := newFakeConn()
	methods := map[string]rpcdispatch.Method{
		"greet": {
			Name: "greet",
			Func: func(c wsiface.Conn, args []any, kwargs map[string]any) (any, error) {
				return "hello " + args[0].(string), nil
			},
		},
	}
	req := packet.NewRPCRequest("greet", []any{"world"}, nil)

	rpcdispatch.Dispatch(conn, req, lookupFor(methods))

	resp := conn.sent[0].RPC
	if resp.Error != nil {
		t.Fatalf("unexpected error code %v", *resp.Error)
	}
	if resp.Response != "hello world" {
		t.Errorf("response = %v, want %q", resp.Response, "hello world")
	}
}

func TestDispatchApplicationErrorMapsToApplicationErrorCode(t *testing.T) {
	conn := newFakeConn()
	methods := map[string]rpcdispatch.Method{
		"fail": {
			Name: "fail",
			Func: func(wsiface.Conn, []any, map[string]any) (any, error) {
				return nil, wserr.New("boom")
			},
		},
	}
	req := packet.NewRPCRequest("fail", nil, nil)

	rpcdispatch.Dispatch(conn, req, lookupFor(methods))

	resp := conn.sent[0].RPC
	if resp.Error == nil || *resp.Error != wsenum.RPCErrorApplicationError {
		t.Errorf("error = %v, want %v", resp.Error, wsenum.RPCErrorApplicationError)
	}
	if resp.Response != "boom" {
		t.Errorf("response = %v, want %q", resp.Response, "boom")
	}
}

func TestDispatchInvalidParamsMapsToInvalidParamsCode(t *testing.T) {
	conn := newFakeConn()
	methods := map[string]rpcdispatch.Method{
		"setNick": {
			Name: "setNick",
			Func: func(_ wsiface.Conn, args []any, _ map[string]any) (any, error) {
				if len(args) != 1 {
					return nil, wserr.InvalidParams("setNick requires exactly one argument")
				}
				return "ok", nil
			},
		},
	}
	req := packet.NewRPCRequest("setNick", nil, nil)

	rpcdispatch.Dispatch(conn, req, lookupFor(methods))

	resp := conn.sent[0].RPC
	if resp.Error == nil || *resp.Error != wsenum.RPCErrorInvalidParams {
		t.Errorf("error = %v, want %v", resp.Error, wsenum.RPCErrorInvalidParams)
	}
	if resp.Response != "setNick requires exactly one argument" {
		t.Errorf("response = %v, want the validation message", resp.Response)
	}
}

func TestDispatchPanicMapsToInternalServerError(t *testing.T) {
	conn := newFakeConn()
	methods := map[string]rpcdispatch.Method{
		"panics": {
			Name: "panics",
			Func: func(wsiface.Conn, []any, map[string]any) (any, error) {
				panic("unexpected")
			},
		},
	}
	req := packet.NewRPCRequest("panics", nil, nil)

	rpcdispatch.Dispatch(conn, req, lookupFor(methods))

	resp := conn.sent[0].RPC
	if resp.Error == nil || *resp.Error != wsenum.RPCErrorInternalServerError {
		t.Errorf("error = %v, want %v", resp.Error, wsenum.RPCErrorInternalServerError)
	}
}

// TestRateLimitFixedWindow exercises a method limited to 2 calls per
// 50ms. Two calls within the window succeed, the third is rejected, and
// a call after the window resets succeeds again.
func TestRateLimitFixedWindow(t *testing.T) {
	conn := newFakeConn()
	methods := map[string]rpcdispatch.Method{
		"limited": {
			Name: "limited",
			Func: func(wsiface.Conn, []any, map[string]any) (any, error) { return "ok", nil },
			RateLimit: &rpcdispatch.RateLimitConfig{
				Limit:  2,
				Period: 50 * time.Millisecond,
			},
		},
	}
	lookup := lookupFor(methods)

	for i := 0; i < 2; i++ {
		conn.sent = nil
		rpcdispatch.Dispatch(conn, packet.NewRPCRequest("limited", nil, nil), lookup)
		if conn.sent[0].RPC.Error != nil {
			t.Fatalf("call %d: unexpected error %v", i, *conn.sent[0].RPC.Error)
		}
	}

	conn.sent = nil
	rpcdispatch.Dispatch(conn, packet.NewRPCRequest("limited", nil, nil), lookup)
	if conn.sent[0].RPC.Error == nil || *conn.sent[0].RPC.Error != wsenum.RPCErrorRateLimitExceeded {
		t.Fatalf("3rd call error = %v, want %v", conn.sent[0].RPC.Error, wsenum.RPCErrorRateLimitExceeded)
	}

	time.Sleep(60 * time.Millisecond)
	conn.sent = nil
	rpcdispatch.Dispatch(conn, packet.NewRPCRequest("limited", nil, nil), lookup)
	if conn.sent[0].RPC.Error != nil {
		t.Fatalf("post-window call: unexpected error %v", *conn.sent[0].RPC.Error)
	}
}

func TestRateLimitDisconnectOnLimit(t *testing.T) {
	conn := newFakeConn()
	methods := map[string]rpcdispatch.Method{
		"strict": {
			Name: "strict",
			Func: func(wsiface.Conn, []any, map[string]any) (any, error) { return "ok", nil },
			RateLimit: &rpcdispatch.RateLimitConfig{
				Limit:             1,
				Period:            time.Minute,
				DisconnectOnLimit: true,
			},
		},
	}
	lookup := lookupFor(methods)

	rpcdispatch.Dispatch(conn, packet.NewRPCRequest("strict", nil, nil), lookup)
	conn.sent = nil
	rpcdispatch.Dispatch(conn, packet.NewRPCRequest("strict", nil, nil), lookup)

	if !conn.closed {
		t.Error("expected the connection to be closed after exceeding the limit")
	}
}

func TestDispatchDoesNotSendAfterDisconnect(t *testing.T) {
	conn := newFakeConn()
	conn.state = wsenum.ConnectionDisconnected
	methods := map[string]rpcdispatch.Method{
		"greet": {
			Name: "greet",
			Func: func(wsiface.Conn, []any, map[string]any) (any, error) { return "ok", nil },
		},
	}

	rpcdispatch.Dispatch(conn, packet.NewRPCRequest("greet", nil, nil), lookupFor(methods))

	if len(conn.sent) != 0 {
		t.Errorf("sent %d packets to a disconnected peer, want 0", len(conn.sent))
	}
}
