// Package registry implements the set of live connections, the
// exact-channel and pattern-channel subscription tables, and the RPC
// method table, plus broadcast/publish fan-out with predicate filtering
// and wildcard routing.
package registry

import (
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/floydous/webshocket/packet"
	"github.com/floydous/webshocket/rpcdispatch"
	"github.com/floydous/webshocket/wsenum"
	"github.com/floydous/webshocket/wserr"
	"github.com/floydous/webshocket/wsiface"
)

// Registry holds everything shared across all connections of one server:
// the client set, channel/pattern subscription tables, and the RPC method
// table. There is no process-wide singleton — every server owns its own
// Registry, constructed before the first connection is admitted.
type Registry struct {
	mu sync.RWMutex

	clients map[wsiface.Conn]struct{}

	channels map[string]map[wsiface.Conn]struct{}
	patterns map[string]map[wsiface.Conn]struct{}
	compiled map[string]glob.Glob

	rpcMethods map[string]rpcdispatch.Method

	logger *log.Logger
}

// New constructs an empty Registry.
func New(logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{
		clients:    make(map[wsiface.Conn]struct{}),
		channels:   make(map[string]map[wsiface.Conn]struct{}),
		patterns:   make(map[string]map[wsiface.Conn]struct{}),
		compiled:   make(map[string]glob.Glob),
		rpcMethods: make(map[string]rpcdispatch.Method),
		logger:     logger,
	}
}

// Add inserts conn into the live client set. The server calls this before
// invoking the handler's OnConnect.
func (r *Registry) Add(conn wsiface.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[conn] = struct{}{}
}

// Remove evicts conn from the client set and every channel/pattern it was
// subscribed to, restoring the invariant that a disconnected connection is
// not reachable from any registry table.
func (r *Registry) Remove(conn wsiface.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.clients, conn)

	for name, subs := range r.channels {
		delete(subs, conn)
		if len(subs) == 0 {
			delete(r.channels, name)
		}
	}
	for name, subs := range r.patterns {
		delete(subs, conn)
		if len(subs) == 0 {
			delete(r.patterns, name)
			delete(r.compiled, name)
		}
	}
}

// Count returns the number of currently registered clients.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Clients returns a snapshot of every currently registered connection, for
// callers that need to act on the whole live set (e.g. a server closing
// every peer on shutdown).
func (r *Registry) Clients() []wsiface.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]wsiface.Conn, 0, len(r.clients))
	for c := range r.clients {
		out = append(out, c)
	}
	return out
}

// isPattern classifies a channel argument as a glob pattern.
func isPattern(channel string) bool {
	return strings.ContainsAny(channel, "*?[")
}

// Subscribe joins conn to one or more channels (exact names and/or
// patterns), lazily creating the backing set and, for patterns, compiling
// and caching the matcher.
func (r *Registry) Subscribe(conn wsiface.Conn, channels ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ch := range channels {
		if isPattern(ch) {
			subs, ok := r.patterns[ch]
			if !ok {
				subs = make(map[wsiface.Conn]struct{})
				r.patterns[ch] = subs

				g, err := glob.Compile(ch)
				if err != nil {
					r.logger.Printf("registry: invalid pattern %q: %v", ch, err)
					delete(r.patterns, ch)
					continue
				}
				r.compiled[ch] = g
			}
			subs[conn] = struct{}{}
			continue
		}

		subs, ok := r.channels[ch]
		if !ok {
			subs = make(map[wsiface.Conn]struct{})
			r.channels[ch] = subs
		}
		subs[conn] = struct{}{}
	}
}

// Unsubscribe removes conn from one or more channels/patterns, deleting
// the table entry (and compiled matcher) once its last subscriber leaves.
func (r *Registry) Unsubscribe(conn wsiface.Conn, channels ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ch := range channels {
		if isPattern(ch) {
			if subs, ok := r.patterns[ch]; ok {
				delete(subs, conn)
				if len(subs) == 0 {
					delete(r.patterns, ch)
					delete(r.compiled, ch)
				}
			}
			continue
		}
		if subs, ok := r.channels[ch]; ok {
			delete(subs, conn)
			if len(subs) == 0 {
				delete(r.channels, ch)
			}
		}
	}
}

// UnsubscribeAll removes conn from every channel and pattern it belongs to.
// Remove already does this on disconnect; UnsubscribeAll is exposed
// separately for handlers that want to clear subscriptions without
// evicting the connection from the client set.
func (r *Registry) UnsubscribeAll(conn wsiface.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, subs := range r.channels {
		delete(subs, conn)
		if len(subs) == 0 {
			delete(r.channels, name)
		}
	}
	for name, subs := range r.patterns {
		delete(subs, conn)
		if len(subs) == 0 {
			delete(r.patterns, name)
			delete(r.compiled, name)
		}
	}
}

// SubscribedChannels returns the channels conn is currently subscribed to
// (exact and pattern), scanning the registry on every call rather than
// mirroring subscriptions on the connection — the registry is the single
// source of truth.
func (r *Registry) SubscribedChannels(conn wsiface.Conn) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for name, subs := range r.channels {
		if _, ok := subs[conn]; ok {
			out = append(out, name)
		}
	}
	for name, subs := range r.patterns {
		if _, ok := subs[conn]; ok {
			out = append(out, name)
		}
	}
	return out
}

// Broadcast sends data to every connected client except those in exclude
// or failing predicate. Send errors on individual recipients are logged
// and swallowed — never abort the fan-out. If data is a pre-built
// *packet.Packet whose Source isn't SourceBroadcast, Broadcast sends
// nothing and returns wserr.ErrPacketMisuse.
func (r *Registry) Broadcast(data any, exclude []wsiface.Conn, predicate wsiface.Predicate) error {
	p, err := asBroadcastPacket(data)
	if err != nil {
		return err
	}

	r.mu.RLock()
	if len(r.clients) == 0 {
		r.mu.RUnlock()
		return nil
	}
	targets := make([]wsiface.Conn, 0, len(r.clients))
	for c := range r.clients {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	excludeSet := toSet(exclude)

	for _, c := range targets {
		if _, skip := excludeSet[c]; skip {
			continue
		}
		if predicate != nil && !predicate(c) {
			continue
		}
		if !c.TrySend(p) {
			r.logger.Printf("registry: dropped broadcast to %s, outbound queue full", c.ID())
		}
	}
	return nil
}

// Publish sends data to every subscriber of channel(s) c, the union of
// exact subscribers and subscribers of any pattern matching c, deduplicated
// so a client subscribed to both an exact name and a matching pattern
// receives exactly one copy. If data is a pre-built *packet.Packet whose
// Source isn't SourceChannel, Publish sends nothing and returns
// wserr.ErrPacketMisuse.
func (r *Registry) Publish(channels []string, data any, exclude []wsiface.Conn, predicate wsiface.Predicate) error {
	if p, ok := data.(*packet.Packet); ok && p.Source != wsenum.SourceChannel {
		return wserr.ErrPacketMisuse
	}

	excludeSet := toSet(exclude)

	for _, ch := range channels {
		recipients := r.recipientsFor(ch)
		p := channelPacket(data, ch)

		for c := range recipients {
			if _, skip := excludeSet[c]; skip {
				continue
			}
			if predicate != nil && !predicate(c) {
				continue
			}
			if !c.TrySend(p) {
				r.logger.Printf("registry: dropped publish to %s on %q, outbound queue full", c.ID(), ch)
			}
		}
	}
	return nil
}

// channelPacket builds the packet delivered for one channel: a caller's
// pre-built Packet (already validated as SourceChannel) gets its Channel
// field stamped per recipient channel; anything else is wrapped fresh.
func channelPacket(data any, channel string) *packet.Packet {
	if p, ok := data.(*packet.Packet); ok {
		clone := *p
		clone.Channel = channel
		return &clone
	}
	return &packet.Packet{Source: wsenum.SourceChannel, Channel: channel, Data: data}
}

// recipientsFor computes the deduplicated recipient set for one channel
// name: its exact subscribers plus the subscribers of every pattern that
// matches it.
func (r *Registry) recipientsFor(channel string) map[wsiface.Conn]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[wsiface.Conn]struct{})
	for c := range r.channels[channel] {
		out[c] = struct{}{}
	}
	for pattern, subs := range r.patterns {
		g, ok := r.compiled[pattern]
		if !ok || !g.Match(channel) {
			continue
		}
		for c := range subs {
			out[c] = struct{}{}
		}
	}
	return out
}

func toSet(conns []wsiface.Conn) map[wsiface.Conn]struct{} {
	set := make(map[wsiface.Conn]struct{}, len(conns))
	for _, c := range conns {
		set[c] = struct{}{}
	}
	return set
}

// asBroadcastPacket wraps data for a Broadcast call. A pre-built Packet is
// passed through as-is, but only if its Source is already SourceBroadcast;
// anything else is a caller error, since broadcasting under a different
// source (e.g. a channel-scoped packet) would misroute on the wire.
func asBroadcastPacket(data any) (*packet.Packet, error) {
	if p, ok := data.(*packet.Packet); ok {
		if p.Source != wsenum.SourceBroadcast {
			return nil, wserr.ErrPacketMisuse
		}
		return p, nil
	}
	return &packet.Packet{Source: wsenum.SourceBroadcast, Data: data}, nil
}

// RegisterRPC adds or replaces the RPC method named name. A later call
// with the same name wins: registration is a plain map assignment.
func (r *Registry) RegisterRPC(name string, fn rpcdispatch.Func, opts ...RPCOption) {
	m := rpcdispatch.Method{Name: name, Func: fn}
	for _, opt := range opts {
		opt(&m)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.rpcMethods[name] = m
}

// LookupRPC resolves name to its registered Method, implementing
// rpcdispatch.Lookup.
func (r *Registry) LookupRPC(name string) (rpcdispatch.Method, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.rpcMethods[name]
	return m, ok
}

// RPCOption configures an RPC method at registration time.
type RPCOption func(*rpcdispatch.Method)

// WithRateLimit attaches a fixed-window rate limit to the method: at most
// limit calls per period, optionally disconnecting the peer outright once
// the limit is exceeded.
func WithRateLimit(limit int, period time.Duration, disconnectOnLimit bool) RPCOption {
	return func(m *rpcdispatch.Method) {
		m.RateLimit = &rpcdispatch.RateLimitConfig{
			Limit:             limit,
			Period:            period,
			DisconnectOnLimit: disconnectOnLimit,
		}
	}
}

// WithRestricted attaches an access predicate to the method.
func WithRestricted(p wsiface.Predicate) RPCOption {
	return func(m *rpcdispatch.Method) {
		m.Restricted = p
	}
}
