// Package wsclient implements the client half of webshocket: connecting
// to a server with optional retry/backoff, sending data and
// correlation-tracked RPC calls, and draining an inbound packet queue.
package wsclient

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/floydous/webshocket/internal/chunk"
	"github.com/floydous/webshocket/packet"
	"github.com/floydous/webshocket/wsenum"
	"github.com/floydous/webshocket/wserr"
)

// OnReceive is invoked for every non-RPC-response packet the client reads,
// if set; otherwise packets accumulate on the internal queue for Recv.
type OnReceive func(p *packet.Packet)

// Config bundles client construction parameters.
type Config struct {
	URL             string
	ClientType      wsenum.ClientType
	OnReceive       OnReceive
	QueueSize       int
	ChunkSize       int
	RPCTimeout      time.Duration
	DefaultTimeout  time.Duration
	Logger          *log.Logger
}

// ClientOption configures a Client at construction time.
type ClientOption func(*Config)

// WithOnReceive installs a callback for inbound non-RPC packets.
func WithOnReceive(fn OnReceive) ClientOption {
	return func(c *Config) { c.OnReceive = fn }
}

// WithQueueSize bounds the internal packet queue used by Recv when no
// OnReceive callback is installed.
func WithQueueSize(n int) ClientOption {
	return func(c *Config) { c.QueueSize = n }
}

// WithLogger overrides the client's logger.
func WithLogger(l *log.Logger) ClientOption {
	return func(c *Config) { c.Logger = l }
}

// defaultConfig sets a 128-slot packet queue and a 30-second RPC timeout.
// DefaultTimeout is also set to 30 seconds, but Recv does not read it.
func defaultConfig(url string) *Config {
	return &Config{
		URL:            url,
		ClientType:     wsenum.ClientFramework,
		QueueSize:      128,
		ChunkSize:      chunk.DefaultSize,
		RPCTimeout:     30 * time.Second,
		DefaultTimeout: 30 * time.Second,
	}
}

// pendingCall is the correlation record for one in-flight RPC request.
type pendingCall struct {
	done chan *packet.Packet
}

// Client is the Client Core: one outbound *websocket.Conn, a listener
// goroutine decoding inbound frames, a correlation-ID map for RPC
// responses, and a bounded packet queue for Recv.
type Client struct {
	cfg    *Config
	logger *log.Logger
	codec  packet.Codec

	mu    sync.RWMutex
	ws    *websocket.Conn
	state wsenum.ConnectionState

	listenerDone chan struct{}

	packetQueue chan *packet.Packet

	pendingMu sync.Mutex
	pending   map[string]*pendingCall
}

// New constructs a disconnected Client for url.
func New(url string, opts ...ClientOption) *Client {
	cfg := defaultConfig(url)
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	return &Client{
		cfg:         cfg,
		logger:      cfg.Logger,
		codec:       packet.CodecFor(cfg.ClientType),
		state:       wsenum.ConnectionDisconnected,
		packetQueue: make(chan *packet.Packet, cfg.QueueSize),
		pending:     make(map[string]*pendingCall),
	}
}

// State reports the client's current lifecycle state.
func (c *Client) State() wsenum.ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Connect dials the server once, failing immediately on error. Use
// ConnectRetry for the exponential-backoff variant.
func (c *Client) Connect(ctx context.Context) error {
	return c.connectOnce(ctx)
}

// ConnectRetry dials the server, retrying up to maxAttempts times with
// exponential backoff plus jitter (delay = baseInterval * 2^attempt +
// rand[0,1)s) on failure.
func (c *Client) ConnectRetry(ctx context.Context, maxAttempts int, baseInterval time.Duration) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := c.connectOnce(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}

		delay := baseInterval*time.Duration(1<<uint(attempt)) + time.Duration(rand.Float64()*float64(time.Second))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%w: %v", wserr.ErrConnectionFailed, lastErr)
}

func (c *Client) connectOnce(ctx context.Context) error {
	c.mu.Lock()
	if c.ws != nil {
		c.mu.Unlock()
		_ = c.Close()
		c.mu.Lock()
	}
	c.state = wsenum.ConnectionConnecting
	c.mu.Unlock()

	dialer := websocket.Dialer{
		ReadBufferSize:  c.cfg.ChunkSize,
		WriteBufferSize: c.cfg.ChunkSize,
	}
	if c.cfg.ClientType == wsenum.ClientFramework {
		dialer.Subprotocols = []string{"webshocket.v1"}
	}

	ws, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", wserr.ErrConnectionFailed, err)
	}

	c.mu.Lock()
	c.ws = ws
	c.state = wsenum.ConnectionConnected
	c.listenerDone = make(chan struct{})
	done := c.listenerDone
	c.mu.Unlock()

	go c.listen(ws, done)

	c.logger.Printf("wsclient: connected to %s", c.cfg.URL)
	return nil
}

// listen reads frames until the connection errors or closes, routing RPC
// responses to their correlated waiter and everything else to
// OnReceive/packetQueue.
func (c *Client) listen(ws *websocket.Conn, done chan struct{}) {
	defer close(done)
	defer func() {
		c.mu.Lock()
		// Close already marked the state CLOSED and is waiting on done;
		// don't downgrade a deliberate close to a peer-initiated drop.
		if c.state != wsenum.ConnectionClosed {
			c.state = wsenum.ConnectionDisconnected
		}
		c.mu.Unlock()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		p := packet.DecodeOrUnknown(c.codec, data)

		if p.Source == wsenum.SourceRPC && p.RPC != nil && p.RPC.Kind == packet.RPCResponseKind {
			c.resolvePending(p)
			continue
		}

		if c.cfg.OnReceive != nil {
			c.cfg.OnReceive(p)
			continue
		}

		select {
		case c.packetQueue <- p:
		default:
			c.logger.Printf("wsclient: packet queue full, dropping inbound packet")
		}
	}
}

func (c *Client) resolvePending(p *packet.Packet) {
	c.pendingMu.Lock()
	call, ok := c.pending[p.RPC.CallID]
	if ok {
		delete(c.pending, p.RPC.CallID)
	}
	c.pendingMu.Unlock()

	if ok {
		call.done <- p
	}
}

// Send transmits data as a SourceCustom packet, or p directly if data is
// already a *packet.Packet.
func (c *Client) Send(data any) error {
	c.mu.RLock()
	ws, state := c.ws, c.state
	c.mu.RUnlock()

	if ws == nil || state != wsenum.ConnectionConnected {
		return wserr.ErrNotConnected
	}

	p, ok := data.(*packet.Packet)
	if !ok {
		p = packet.Custom(data)
	}

	encoded, err := c.codec.Encode(p)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	frameType := websocket.BinaryMessage
	if c.cfg.ClientType == wsenum.ClientGeneric {
		frameType = websocket.TextMessage
	}

	w, err := ws.NextWriter(frameType)
	if err != nil {
		return err
	}
	return chunk.WriteChunked(w, encoded)
}

// SendRPCOption configures one SendRPC call.
type SendRPCOption func(*sendRPCConfig)

type sendRPCConfig struct {
	raiseOnRateLimit bool
}

// RaiseOnRateLimit makes SendRPC return wserr.ErrRateLimitExceeded instead
// of returning a RATE_LIMIT_EXCEEDED response packet to the caller.
func RaiseOnRateLimit() SendRPCOption {
	return func(c *sendRPCConfig) { c.raiseOnRateLimit = true }
}

// SendRPC issues an RPC call and blocks until the correlated response
// arrives or ctx/timeout elapses, defaulting to a 30-second timeout.
func (c *Client) SendRPC(ctx context.Context, method string, args []any, kwargs map[string]any, opts ...SendRPCOption) (*packet.RPC, error) {
	var cfg sendRPCConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	c.mu.RLock()
	state := c.state
	c.mu.RUnlock()
	if state != wsenum.ConnectionConnected {
		return nil, wserr.ErrNotConnected
	}

	req := packet.NewRPCRequest(method, args, kwargs)
	call := &pendingCall{done: make(chan *packet.Packet, 1)}

	c.pendingMu.Lock()
	c.pending[req.CallID] = call
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, req.CallID)
		c.pendingMu.Unlock()
	}()

	if err := c.Send(&packet.Packet{Source: wsenum.SourceRPC, RPC: req}); err != nil {
		return nil, err
	}

	timeout := c.cfg.RPCTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-call.done:
		if cfg.raiseOnRateLimit && resp.RPC.Error != nil && *resp.RPC.Error == wsenum.RPCErrorRateLimitExceeded {
			return nil, wserr.ErrRateLimitExceeded
		}
		return resp.RPC, nil
	case <-timer.C:
		return nil, wserr.ErrRPCTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Recv waits for the next non-RPC packet, or until timeout elapses (<=0
// means wait forever).
func (c *Client) Recv(ctx context.Context, timeout time.Duration) (*packet.Packet, error) {
	if c.cfg.OnReceive != nil {
		return nil, fmt.Errorf("%w: Recv is unavailable when an OnReceive callback is installed", wserr.ErrMisuse)
	}

	if timeout <= 0 {
		select {
		case p := <-c.packetQueue:
			return p, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case p := <-c.packetQueue:
		return p, nil
	case <-timer.C:
		return nil, wserr.ErrReceiveTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close disconnects the client gracefully, waiting for the listener
// goroutine to exit.
func (c *Client) Close() error {
	c.mu.Lock()
	ws := c.ws
	done := c.listenerDone
	if ws == nil {
		c.mu.Unlock()
		return nil
	}
	c.ws = nil
	c.state = wsenum.ConnectionClosed
	c.mu.Unlock()

	msg := websocket.FormatCloseMessage(wsenum.CloseNormal, "")
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	err := ws.Close()

	if done != nil {
		<-done
	}
	return err
}
