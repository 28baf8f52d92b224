// Package wsconn implements Connection, the per-peer state machine sitting
// between the transport (a *websocket.Conn) and the rest of webshocket:
// outbound queueing, chunked writes, codec selection, and subscription
// delegation to a registry.Registry.
package wsconn

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/floydous/webshocket/internal/chunk"
	"github.com/floydous/webshocket/packet"
	"github.com/floydous/webshocket/registry"
	"github.com/floydous/webshocket/session"
	"github.com/floydous/webshocket/wsenum"
	"github.com/floydous/webshocket/wserr"
)

// Handler receives lifecycle and message callbacks for one connection.
type Handler interface {
	OnConnect(c *Connection)
	OnDisconnect(c *Connection, code int, reason string)
	OnMessage(c *Connection, p *packet.Packet)
	OnError(c *Connection, err error)
}

// Connection wraps one upgraded *websocket.Conn: it owns the outbound
// write queue and write-loop goroutine, the negotiated codec, session
// state, and a back-reference to the shared registry used for
// subscribe/unsubscribe and publish/broadcast delegation.
type Connection struct {
	id         string
	ws         *websocket.Conn
	codec      packet.Codec
	clientType wsenum.ClientType
	reg        *registry.Registry
	session    *session.State
	logger     *log.Logger

	remoteAddr string

	outbox    chan *packet.Packet
	done      chan struct{}
	closeOnce sync.Once

	state atomic.Int32 // wsenum.ConnectionState

	chunkSize int

	pending *chunk.PendingLatch

	// packetQueue parks decoded packets for Recv when the owning server
	// uses the default handler: a no-op handler that queues packets for
	// manual accept()/recv() consumption instead of an OnMessage callback.
	// Left nil for connections driven entirely by a custom Handler.
	packetQueue chan *packet.Packet

	bytesSent, bytesRecv   int64
	framesSent, framesRecv int64
}

// Config bundles the construction-time parameters for a Connection.
type Config struct {
	ID         string
	WS         *websocket.Conn
	ClientType wsenum.ClientType
	Registry   *registry.Registry
	Logger     *log.Logger
	OutboxSize int
	ChunkSize  int

	// PacketQueueSize, when non-zero, equips this Connection with a
	// packet queue for Recv — set by the server only when it is running
	// with the default handler.
	PacketQueueSize int
}

// New constructs a Connection in the CONNECTING state and registers it
// with cfg.Registry. Call Start to launch the write loop and begin
// accepting sends.
func New(cfg Config) *Connection {
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = 256
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = chunk.DefaultSize
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	c := &Connection{
		id:         cfg.ID,
		ws:         cfg.WS,
		codec:      packet.CodecFor(cfg.ClientType),
		clientType: cfg.ClientType,
		reg:        cfg.Registry,
		session:    session.New(),
		logger:     cfg.Logger,
		outbox:     make(chan *packet.Packet, cfg.OutboxSize),
		done:       make(chan struct{}),
		chunkSize:  cfg.ChunkSize,
		pending:    chunk.NewPendingLatch(),
	}
	if cfg.PacketQueueSize > 0 {
		c.packetQueue = make(chan *packet.Packet, cfg.PacketQueueSize)
	}
	if cfg.WS != nil {
		c.remoteAddr = cfg.WS.RemoteAddr().String()
	}
	c.state.Store(int32(wsenum.ConnectionConnecting))
	cfg.Registry.Add(c)
	return c
}

// ID returns the connection's stable identifier.
func (c *Connection) ID() string { return c.id }

// RemoteAddr returns the cached peer address.
func (c *Connection) RemoteAddr() string { return c.remoteAddr }

// Session returns the per-connection session_state bag.
func (c *Connection) Session() *session.State { return c.session }

// State reports the current lifecycle state.
func (c *Connection) State() wsenum.ConnectionState {
	return wsenum.ConnectionState(c.state.Load())
}

// MarkConnected transitions CONNECTING -> CONNECTED once the handler's
// OnConnect callback has run: session established, then marked ready
// for traffic.
func (c *Connection) MarkConnected() {
	c.state.Store(int32(wsenum.ConnectionConnected))
}

// Start launches the outbound write loop.
func (c *Connection) Start() {
	go c.writeLoop()
}

// Send enqueues p for delivery, blocking until there is room in the
// outbound queue or the connection closes. This is the "direct send"
// half of the back-pressure contract: a caller sending directly to one
// connection waits rather than silently dropping.
func (c *Connection) Send(p *packet.Packet) error {
	if c.State() == wsenum.ConnectionClosed || c.State() == wsenum.ConnectionDisconnected {
		return wserr.ErrConnectionClosed
	}
	select {
	case c.outbox <- p:
		return nil
	case <-c.done:
		return wserr.ErrConnectionClosed
	}
}

// TrySend enqueues p without blocking, dropping (and logging) it if the
// outbound queue is full. Broadcast/Publish fan-out uses this so one slow
// peer cannot stall delivery to the rest.
func (c *Connection) TrySend(p *packet.Packet) bool {
	if c.State() == wsenum.ConnectionClosed || c.State() == wsenum.ConnectionDisconnected {
		return false
	}
	select {
	case c.outbox <- p:
		return true
	default:
		c.logger.Printf("wsconn: dropping packet to %s, outbound queue full", c.id)
		return false
	}
}

// Subscribe joins this connection to the named channels/patterns via the
// shared registry.
func (c *Connection) Subscribe(channels ...string) {
	c.reg.Subscribe(c, channels...)
}

// Unsubscribe removes this connection from the named channels/patterns.
func (c *Connection) Unsubscribe(channels ...string) {
	c.reg.Unsubscribe(c, channels...)
}

// SubscribedChannels returns the channels this connection currently
// belongs to, queried live from the registry.
func (c *Connection) SubscribedChannels() []string {
	return c.reg.SubscribedChannels(c)
}

// Push enqueues a raw inbound frame, buffering it on the pending-payload
// latch if OpenDelivery has not yet been called: frames can arrive
// before the owning handler has finished wiring the connection.
func (c *Connection) Push(raw []byte) {
	atomic.AddInt64(&c.bytesRecv, int64(len(raw)))
	atomic.AddInt64(&c.framesRecv, 1)
	c.pending.Push(raw)
}

// HasPacketQueue reports whether this Connection was constructed with a
// packet queue, i.e. its server is running with the default handler.
func (c *Connection) HasPacketQueue() bool { return c.packetQueue != nil }

// Enqueue parks a decoded packet on this connection's packet queue for a
// later Recv, blocking if the queue is full. It is only meaningful on
// connections with a packet queue; the server never calls it otherwise.
func (c *Connection) Enqueue(p *packet.Packet) {
	select {
	case c.packetQueue <- p:
	case <-c.done:
	}
}

// Recv blocks until a packet arrives on this connection's packet queue, ctx
// is done, or timeout elapses (<=0 means wait forever). Calling Recv on a
// connection without a packet queue — i.e. one driven by a custom
// Handler's OnMessage — is a misuse.
func (c *Connection) Recv(ctx context.Context, timeout time.Duration) (*packet.Packet, error) {
	if c.packetQueue == nil {
		return nil, fmt.Errorf("%w: Recv requires the server's default handler", wserr.ErrMisuse)
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case p := <-c.packetQueue:
		return p, nil
	case <-c.done:
		return nil, wserr.ErrConnectionClosed
	case <-timeoutCh:
		return nil, wserr.ErrReceiveTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// OpenDelivery arms the pending-payload latch so buffered and future raw
// frames are decoded and handed to onMessage in arrival order. Called once
// the owning handler has finished wiring the connection.
func (c *Connection) OpenDelivery(onMessage func(*packet.Packet)) {
	c.pending.Open(func(raw []byte) {
		onMessage(packet.DecodeOrUnknown(c.codec, raw))
	})
}

// Close transitions the connection to CLOSED, sends a WebSocket close
// frame, stops the write loop, and evicts the connection from the
// registry. Calling Close more than once is a no-op.
func (c *Connection) Close(code int, reason string) error {
	var closeErr error
	c.closeOnce.Do(func() {
		c.state.Store(int32(wsenum.ConnectionClosed))
		close(c.done)

		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadlineNow())
		closeErr = c.ws.Close()

		c.reg.Remove(c)
	})
	return closeErr
}

// writeLoop drains the outbound queue, encoding and chunk-writing each
// packet until Close fires.
func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case p := <-c.outbox:
			if err := c.writeOne(p); err != nil {
				c.logger.Printf("wsconn: write to %s failed: %v", c.id, err)
				_ = c.Close(wsenum.CloseNormal, "write error")
				return
			}
		}
	}
}

func (c *Connection) writeOne(p *packet.Packet) error {
	data, err := c.codec.Encode(p)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	frameType := websocket.BinaryMessage
	if c.clientType == wsenum.ClientGeneric {
		frameType = websocket.TextMessage
	}

	w, err := c.ws.NextWriter(frameType)
	if err != nil {
		return fmt.Errorf("next writer: %w", err)
	}
	if err := chunk.WriteChunked(w, data); err != nil {
		return fmt.Errorf("chunked write: %w", err)
	}

	atomic.AddInt64(&c.bytesSent, int64(len(data)))
	atomic.AddInt64(&c.framesSent, 1)
	return nil
}

func deadlineNow() time.Time {
	return time.Now().Add(time.Second)
}

// Stats reports cumulative byte/frame counters for this connection.
type Stats struct {
	BytesSent, BytesRecv   int64
	FramesSent, FramesRecv int64
}

// Stats returns a snapshot of this connection's traffic counters.
func (c *Connection) Stats() Stats {
	return Stats{
		BytesSent:  atomic.LoadInt64(&c.bytesSent),
		BytesRecv:  atomic.LoadInt64(&c.bytesRecv),
		FramesSent: atomic.LoadInt64(&c.framesSent),
		FramesRecv: atomic.LoadInt64(&c.framesRecv),
	}
}
