// Package gateway is the realtime sync surface: it upgrades websocket
// connections, authenticates them, registers sessions, and bridges
// inbound protocol messages to the store and room broadcaster.
package gateway

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/bini59/scriptsync/internal/room"
	"github.com/bini59/scriptsync/internal/schema"
	"github.com/bini59/scriptsync/internal/store"
)

// Config holds gateway server configuration.
type Config struct {
	// Port to listen on (default: 8080)
	Port int

	// PingInterval is how often the server pings active sessions.
	PingInterval time.Duration

	// PongTimeout is how long to wait for a pong after a ping.
	PongTimeout time.Duration

	// MaxMissedPongs is how many consecutive silent intervals are
	// tolerated before the connection is closed.
	MaxMissedPongs int

	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration

	// AuthSecret signs and verifies session tokens.
	AuthSecret []byte

	// AllowAnonymous admits connections without a token as read/write
	// viewers with no user identity.
	AllowAnonymous bool

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:           8080,
		PingInterval:   30 * time.Second,
		PongTimeout:    5 * time.Second,
		MaxMissedPongs: 2,
		WriteTimeout:   5 * time.Second,
		AllowAnonymous: true,
		Logger:         log.Default(),
	}
}

// Server serves the websocket endpoint and an optional REST API on one
// listener.
type Server struct {
	store  *store.Store
	hub    *room.Hub
	auth   *Authenticator
	config *Config
	logger *log.Logger

	listener net.Listener
	server   *http.Server

	mu    sync.Mutex
	conns map[string]*conn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a gateway server. api, when non-nil, is mounted at
// /api/v1/sync/.
func NewServer(st *store.Store, hub *room.Hub, api http.Handler, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}
	def := DefaultConfig()
	if config.PingInterval <= 0 {
		config.PingInterval = def.PingInterval
	}
	if config.PongTimeout <= 0 {
		config.PongTimeout = def.PongTimeout
	}
	if config.MaxMissedPongs <= 0 {
		config.MaxMissedPongs = def.MaxMissedPongs
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		store:  st,
		hub:    hub,
		auth:   NewAuthenticator(config.AuthSecret, config.AllowAnonymous),
		config: config,
		logger: config.Logger,
		conns:  make(map[string]*conn),
		ctx:    ctx,
		cancel: cancel,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/sync/{script_id}", s.handleWebSocket)
	if api != nil {
		mux.Handle("/api/v1/sync/", http.StripPrefix("/api/v1/sync", api))
	}

	s.server = &http.Server{
		Handler:     mux,
		ReadTimeout: 0, // websocket connections are long-lived
	}

	return s
}

// Start begins serving. Non-blocking; use Stop to shut down.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.config.Port, err)
	}
	s.listener = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Sync gateway listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts the server down, closing every connection.
func (s *Server) Stop() error {
	s.logger.Println("Stopping sync gateway")

	s.cancel()

	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.teardown(websocket.StatusGoingAway, "server shutting down")
	}

	s.hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()
	s.logger.Println("Sync gateway stopped")
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return fmt.Sprintf(":%d", s.config.Port)
}

// ConnectionCount returns the number of live websocket sessions.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// handleWebSocket runs one connection through the session lifecycle:
// accept, authenticate, register, join the script's room, then dispatch
// until closed.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	scriptID := r.PathValue("script_id")

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	c := &conn{
		ws:           ws,
		server:       s,
		logger:       s.logger,
		connectionID: uuid.NewString(),
		scriptID:     scriptID,
		send:         make(chan []byte, 16),
		pongCh:       make(chan struct{}, 1),
		done:         make(chan struct{}),
		state:        StateConnecting,
	}

	userID, err := s.auth.Authenticate(r)
	if err != nil {
		s.logger.Printf("Auth failure on %s: %v", c.connectionID, err)
		_ = ws.Close(CloseAuthFailure, "authentication failed")
		return
	}
	c.userID = userID
	c.setState(StateAuthenticated)

	session, err := s.store.CreateSession(r.Context(), scriptID, userID, c.connectionID)
	if err != nil {
		s.logger.Printf("Session registration failed for %s: %v", c.connectionID, err)
		_ = ws.Close(websocket.StatusPolicyViolation, "unknown script")
		return
	}
	c.sessionID = session.ID

	roomID := schema.RoomID(scriptID)
	c.member = &room.Member{
		ConnectionID: c.connectionID,
		UserID:       userID,
		Out:          make(chan []byte, 64),
	}
	// A room returned by Get can be reaped before the join lands when
	// its last member leaves concurrently; retry against a fresh room.
	for {
		c.room = s.hub.Get(roomID)
		if c.room.Join(c.member) {
			break
		}
	}
	c.setState(StateJoined)

	s.addConn(c)
	defer s.removeConn(c)

	c.sendDirect(mustMarshal(&Envelope{
		Type:         MsgConnectionAck,
		ConnectionID: c.connectionID,
		SessionID:    c.sessionID,
		RoomID:       roomID,
		UserID:       userID,
		Timestamp:    time.Now().Unix(),
	}))

	go c.writeLoop()
	go c.heartbeatLoop()
	c.setState(StateActive)

	s.logger.Printf("Connection %s joined %s (user %q)", c.connectionID, roomID, userID)
	c.readLoop(s.ctx)
}

func (s *Server) addConn(c *conn) {
	s.mu.Lock()
	s.conns[c.connectionID] = c
	s.mu.Unlock()
}

func (s *Server) removeConn(c *conn) {
	s.mu.Lock()
	delete(s.conns, c.connectionID)
	s.mu.Unlock()
}
