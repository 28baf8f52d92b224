// Package wsserver implements the server side of webshocket: accepting
// WebSocket upgrades, negotiating a codec via subprotocol, enforcing the
// connection cap, running each peer's read loop with a bounded RPC task
// pool, and owning the shared registry.Registry.
package wsserver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/google/uuid"

	"github.com/floydous/webshocket/internal/chunk"
	"github.com/floydous/webshocket/packet"
	"github.com/floydous/webshocket/registry"
	"github.com/floydous/webshocket/rpcdispatch"
	"github.com/floydous/webshocket/wsconn"
	"github.com/floydous/webshocket/wsenum"
	"github.com/floydous/webshocket/wserr"
	"github.com/floydous/webshocket/wsiface"
)

// FrameworkSubprotocol is advertised by peers that speak the binary
// MessagePack envelope; anything else negotiates the JSON/GENERIC codec.
const FrameworkSubprotocol = "webshocket.v1"

// Handler receives connection lifecycle and message callbacks. Every
// method has a trivial default via DefaultHandler, so implementers only
// override what they need.
type Handler interface {
	OnConnect(c *wsconn.Connection)
	OnDisconnect(c *wsconn.Connection, code int, reason string)
	OnMessage(c *wsconn.Connection, p *packet.Packet)
	OnError(c *wsconn.Connection, err error)
}

// DefaultHandler is a no-op Handler; embed it to override only the
// callbacks a given server cares about.
type DefaultHandler struct{}

func (DefaultHandler) OnConnect(*wsconn.Connection)                 {}
func (DefaultHandler) OnDisconnect(*wsconn.Connection, int, string) {}
func (DefaultHandler) OnMessage(*wsconn.Connection, *packet.Packet) {}
func (DefaultHandler) OnError(*wsconn.Connection, error)            {}

// Config bundles the tunables for a Server.
type Config struct {
	ListenAddr        string
	MaxConnections    int
	OutboxSize        int
	ChunkSize         int
	MaxRPCConcurrency int
	PacketQueueSize   int
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	ShutdownTimeout   time.Duration
	Logger            *log.Logger
	CheckOrigin       func(r *http.Request) bool
}

// DefaultConfig returns sane defaults that every field of Config can
// override.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:        ":8080",
		MaxConnections:    0, // 0 = unlimited
		OutboxSize:        256,
		ChunkSize:         chunk.DefaultSize,
		MaxRPCConcurrency: 1024,
		PacketQueueSize:   512,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		ShutdownTimeout:   30 * time.Second,
	}
}

// Server is the Server Core: it upgrades HTTP connections, constructs one
// wsconn.Connection per peer, and dispatches decoded packets to Handler
// and to rpcdispatch for RPC-sourced ones.
type Server struct {
	config   *Config
	registry *registry.Registry
	handler  Handler
	upgrader websocket.Upgrader
	logger   *log.Logger

	rpcSem chan struct{}

	// usesDefaultHandler and clientBucket back Accept(): when the server
	// runs with DefaultHandler, newly admitted connections are handed to
	// whoever calls Accept instead of any OnConnect/OnMessage callback.
	usesDefaultHandler bool
	clientBucket       chan *wsconn.Connection

	mu      sync.RWMutex
	state   wsenum.ServerState
	httpSrv *http.Server
}

// ServerOption configures a Server at construction time.
type ServerOption func(*Config)

// WithMaxConnections caps concurrently admitted peers; 0 means unlimited.
func WithMaxConnections(n int) ServerOption {
	return func(c *Config) { c.MaxConnections = n }
}

// WithListenAddr sets the HTTP listen address.
func WithListenAddr(addr string) ServerOption {
	return func(c *Config) { c.ListenAddr = addr }
}

// WithCheckOrigin installs a custom origin checker, passed straight
// through to gorilla/websocket's Upgrader.
func WithCheckOrigin(fn func(r *http.Request) bool) ServerOption {
	return func(c *Config) { c.CheckOrigin = fn }
}

// WithLogger overrides the server's logger.
func WithLogger(l *log.Logger) ServerOption {
	return func(c *Config) { c.Logger = l }
}

// New constructs a Server with handler and the given options layered over
// DefaultConfig.
func New(handler Handler, opts ...ServerOption) *Server {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if handler == nil {
		handler = DefaultHandler{}
	}

	_, usesDefaultHandler := handler.(DefaultHandler)

	s := &Server{
		config:             cfg,
		registry:           registry.New(cfg.Logger),
		handler:            handler,
		logger:             cfg.Logger,
		rpcSem:             make(chan struct{}, cfg.MaxRPCConcurrency),
		usesDefaultHandler: usesDefaultHandler,
		clientBucket:       make(chan *wsconn.Connection, 4096),
		state:              wsenum.ServerClosed,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ChunkSize,
			WriteBufferSize: cfg.ChunkSize,
			Subprotocols:    []string{FrameworkSubprotocol},
			CheckOrigin:     cfg.CheckOrigin,
		},
	}
	return s
}

// Registry exposes the server's shared Handler Registry, so application
// code can call Broadcast/Publish/RegisterRPC directly.
func (s *Server) Registry() *registry.Registry { return s.registry }

// RegisterRPC registers an RPC method on the server's registry.
func (s *Server) RegisterRPC(name string, fn rpcdispatch.Func, opts ...registry.RPCOption) {
	s.registry.RegisterRPC(name, fn, opts...)
}

// Broadcast fans data out to every connected peer via the server's
// registry. A thin passthrough so application code can reach the
// registry's fan-out without holding a separate reference to it.
func (s *Server) Broadcast(data any, exclude []wsiface.Conn, predicate wsiface.Predicate) error {
	return s.registry.Broadcast(data, exclude, predicate)
}

// Publish fans data out to the subscribers of channels via the server's
// registry. See Broadcast's doc comment for why this passthrough exists.
func (s *Server) Publish(channels []string, data any, exclude []wsiface.Conn, predicate wsiface.Predicate) error {
	return s.registry.Publish(channels, data, exclude, predicate)
}

// ServeHTTP implements http.Handler: it upgrades the request, enforces the
// connection cap, negotiates the codec, constructs the Connection, and
// runs its read loop until the peer disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.config.MaxConnections > 0 && s.registry.Count() >= s.config.MaxConnections {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("Server is full, try again later."))
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("wsserver: upgrade failed: %v", err)
		return
	}

	clientType := wsenum.ClientGeneric
	if ws.Subprotocol() == FrameworkSubprotocol {
		clientType = wsenum.ClientFramework
	}

	queueSize := 0
	if s.usesDefaultHandler {
		queueSize = s.config.PacketQueueSize
	}

	conn := wsconn.New(wsconn.Config{
		ID:              uuid.NewString(),
		WS:              ws,
		ClientType:      clientType,
		Registry:        s.registry,
		Logger:          s.logger,
		OutboxSize:      s.config.OutboxSize,
		ChunkSize:       s.config.ChunkSize,
		PacketQueueSize: queueSize,
	})
	conn.Start()

	conn.OpenDelivery(func(p *packet.Packet) {
		s.dispatch(conn, p)
	})

	if s.usesDefaultHandler {
		select {
		case s.clientBucket <- conn:
		case <-r.Context().Done():
		}
	}

	s.handler.OnConnect(conn)
	conn.MarkConnected()

	s.readLoop(conn, ws)
}

// Accept blocks until a new connection is admitted, or ctx is done. It is
// only meaningful when the server was constructed with the default
// handler (handler == nil, or explicitly wsserver.DefaultHandler{}); a
// server running a custom Handler never populates the client bucket.
func (s *Server) Accept(ctx context.Context) (*wsconn.Connection, error) {
	if !s.usesDefaultHandler {
		return nil, fmt.Errorf("%w: Accept requires the server's default handler", wserr.ErrMisuse)
	}
	select {
	case conn := <-s.clientBucket:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// readLoop blocks reading frames off ws until it errors or closes,
// pushing each payload through the connection's pending-payload latch.
func (s *Server) readLoop(conn *wsconn.Connection, ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			code, reason := closeInfoFromErr(err)
			_ = conn.Close(code, reason)
			s.handler.OnDisconnect(conn, code, reason)
			return
		}
		conn.Push(data)
	}
}

// dispatch routes a decoded packet: RPC requests go through rpcdispatch
// under the bounded task semaphore; everything else is parked on the
// connection's packet queue when the server runs the default handler, and
// goes straight to Handler.OnMessage otherwise.
func (s *Server) dispatch(conn *wsconn.Connection, p *packet.Packet) {
	if p.Source == wsenum.SourceRPC && p.RPC != nil && p.RPC.Kind == packet.RPCRequestKind {
		select {
		case s.rpcSem <- struct{}{}:
			go func() {
				defer func() { <-s.rpcSem }()
				rpcdispatch.Dispatch(conn, p.RPC, s.registry.LookupRPC)
			}()
		default:
			s.logger.Printf("wsserver: rpc task pool saturated, dropping call %s", p.RPC.CallID)
		}
		return
	}
	if s.usesDefaultHandler {
		conn.Enqueue(p)
		return
	}
	s.handler.OnMessage(conn, p)
}

// Start begins serving HTTP on Config.ListenAddr. It blocks until the
// server is closed or ListenAndServe fails for a reason other than the
// server being closed.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == wsenum.ServerServing {
		s.mu.Unlock()
		return nil
	}
	s.state = wsenum.ServerServing
	s.httpSrv = &http.Server{Addr: s.config.ListenAddr, Handler: s}
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return s.Close()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("wsserver: listen failed: %w", err)
	}
}

// Close stops accepting new connections, closes every currently connected
// peer, and then waits for the underlying HTTP server to terminate, up to
// Config.ShutdownTimeout. net/http's own graceful shutdown never waits on
// a hijacked connection (which is exactly what every upgraded WebSocket
// is), so closing the live set explicitly is the only way a peer's read
// loop actually stops when the server closes.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.state == wsenum.ServerClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = wsenum.ServerClosed
	httpSrv := s.httpSrv
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	// Shutdown stops the listener from accepting new connections the
	// moment it's called, then blocks until every tracked handler
	// returns. Run it in the background so "stop accepting" takes effect
	// immediately, close the live peers next, and join the goroutine
	// afterward to actually wait for the server to terminate.
	shutdownErr := make(chan error, 1)
	go func() { shutdownErr <- httpSrv.Shutdown(ctx) }()

	for _, c := range s.registry.Clients() {
		_ = c.Close(wsenum.CloseNormal, "server closing")
	}

	return <-shutdownErr
}

func closeInfoFromErr(err error) (int, string) {
	if err == nil {
		return wsenum.CloseNormal, ""
	}
	if ce, ok := err.(*websocket.CloseError); ok {
		return ce.Code, ce.Text
	}
	return websocket.CloseAbnormalClosure, err.Error()
}
