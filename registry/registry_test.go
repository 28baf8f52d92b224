package registry_test

import (
	"sync"
	"testing"

	"github.com/floydous/webshocket/packet"
	"github.com/floydous/webshocket/registry"
	"github.com/floydous/webshocket/session"
	"github.com/floydous/webshocket/wsenum"
	"github.com/floydous/webshocket/wsiface"
)

// fakeConn is the minimal wsiface.Conn test double used by the registry
// tests.
type fakeConn struct {
	id      string
	sess    *session.State
	state   wsenum.ConnectionState
	closed  bool
	closeAt int

	mu  sync.Mutex
	got []*packet.Packet
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, sess: session.New(), state: wsenum.ConnectionConnected}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(p *packet.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, p)
	return nil
}

func (c *fakeConn) TrySend(p *packet.Packet) bool {
	_ = c.Send(p)
	return true
}

func (c *fakeConn) Session() *session.State           { return c.sess }
func (c *fakeConn) State() wsenum.ConnectionState      { return c.state }
func (c *fakeConn) RemoteAddr() string                 { return "test" }
func (c *fakeConn) Close(code int, reason string) error {
	c.closed = true
	c.closeAt = code
	c.state = wsenum.ConnectionClosed
	return nil
}

func (c *fakeConn) received() []*packet.Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*packet.Packet(nil), c.got...)
}

func TestSubscribeExactChannelDelivery(t *testing.T) {
	r := registry.New(nil)
	a := newFakeConn("a")
	b := newFakeConn("b")

	r.Add(a)
	r.Add(b)
	r.Subscribe(a, "news.tech")

	r.Publish([]string{"news.tech"}, "hi", nil, nil)

	if len(a.received()) != 1 {
		t.Fatalf("a received %d packets, want 1", len(a.received()))
	}
	if len(b.received()) != 0 {
		t.Fatalf("b received %d packets, want 0", len(b.received()))
	}
}

// TestWildcardRouting exercises wildcard pub/sub: A subscribes "news.*",
// B subscribes the exact channel "news.tech", C subscribes the pattern
// "news.sport.?".
func TestWildcardRouting(t *testing.T) {
	r := registry.New(nil)
	a := newFakeConn("a")
	b := newFakeConn("b")
	c := newFakeConn("c")

	r.Add(a)
	r.Add(b)
	r.Add(c)

	r.Subscribe(a, "news.*")
	r.Subscribe(b, "news.tech")
	r.Subscribe(c, "news.sport.?")

	r.Publish([]string{"news.tech"}, "t1", nil, nil)
	if len(a.received()) != 1 {
		t.Errorf("a (news.*) got %d for news.tech, want 1", len(a.received()))
	}
	if len(b.received()) != 1 {
		t.Errorf("b (news.tech) got %d for news.tech, want 1", len(b.received()))
	}
	if len(c.received()) != 0 {
		t.Errorf("c (news.sport.?) got %d for news.tech, want 0", len(c.received()))
	}

	r.Publish([]string{"news.sport.1"}, "s1", nil, nil)
	if len(a.received()) != 2 {
		t.Errorf("a (news.*) got %d after news.sport.1, want 2", len(a.received()))
	}
	if len(c.received()) != 1 {
		t.Errorf("c (news.sport.?) got %d for news.sport.1, want 1", len(c.received()))
	}

	r.Publish([]string{"news.sport.12"}, "s2", nil, nil)
	if len(c.received()) != 1 {
		t.Errorf("c (news.sport.?) got %d after news.sport.12, want unchanged 1", len(c.received()))
	}
}

func TestSubscribeBothExactAndPatternDedupesDelivery(t *testing.T) {
	r := registry.New(nil)
	a := newFakeConn("a")
	r.Add(a)

	r.Subscribe(a, "news.tech", "news.*")
	r.Publish([]string{"news.tech"}, "once", nil, nil)

	if got := len(a.received()); got != 1 {
		t.Errorf("got %d deliveries, want exactly 1 (deduped)", got)
	}
}

func TestUnsubscribePatternStopsDelivery(t *testing.T) {
	r := registry.New(nil)
	a := newFakeConn("a")
	r.Add(a)
	r.Subscribe(a, "news.*")
	r.Unsubscribe(a, "news.*")

	r.Publish([]string{"news.tech"}, "x", nil, nil)
	if got := len(a.received()); got != 0 {
		t.Errorf("got %d deliveries after unsubscribe, want 0", got)
	}
}

func TestBroadcastExcludesAndFilters(t *testing.T) {
	r := registry.New(nil)
	a := newFakeConn("a")
	b := newFakeConn("b")
	c := newFakeConn("c")
	r.Add(a)
	r.Add(b)
	r.Add(c)

	predicate := func(conn wsiface.Conn) bool { return conn.ID() != "c" }
	r.Broadcast("hi", []wsiface.Conn{a}, predicate)

	if len(a.received()) != 0 {
		t.Errorf("a was excluded, got %d deliveries, want 0", len(a.received()))
	}
	if len(b.received()) != 1 {
		t.Errorf("b got %d deliveries, want 1", len(b.received()))
	}
	if len(c.received()) != 0 {
		t.Errorf("c failed predicate, got %d deliveries, want 0", len(c.received()))
	}
}

func TestRemoveEvictsFromAllTables(t *testing.T) {
	r := registry.New(nil)
	a := newFakeConn("a")
	r.Add(a)
	r.Subscribe(a, "news.tech", "news.*")

	r.Remove(a)

	r.Publish([]string{"news.tech"}, "x", nil, nil)
	if got := len(a.received()); got != 0 {
		t.Errorf("got %d deliveries after Remove, want 0", got)
	}
	if r.Count() != 0 {
		t.Errorf("Count() = %d, want 0", r.Count())
	}
}

func TestRegisterRPCLastWriteWins(t *testing.T) {
	r := registry.New(nil)
	r.RegisterRPC("greet", func(wsiface.Conn, []any, map[string]any) (any, error) {
		return "first", nil
	})
	r.RegisterRPC("greet", func(wsiface.Conn, []any, map[string]any) (any, error) {
		return "second", nil
	})

	m, ok := r.LookupRPC("greet")
	if !ok {
		t.Fatal("expected greet to be registered")
	}
	result, err := m.Func(nil, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "second" {
		t.Errorf("result = %v, want %q (later registration should win)", result, "second")
	}
}
