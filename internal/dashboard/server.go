// Package dashboard serves the HTTP management API and streams sync events
// to WebSocket clients.
//
// The dashboard broadcasts every engine event (artifact changes, completed
// passes, bulk retirement results, status write-backs) to connected clients
// and exposes connection management and manual triggers over JSON.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"

	"github.com/issuebridge/issuebridge/internal/confirm"
	"github.com/issuebridge/issuebridge/internal/events"
)

// Message types sent only by the dashboard itself. Engine events keep their
// own event type names.
const (
	MessageTypeHello events.Type = "hello"
)

// Server manages the HTTP API, WebSocket clients and event broadcasting.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server
	deps     Deps

	// WebSocket client management
	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	// Message broadcasting
	broadcast chan events.Event

	// Pending bulk retirements, keyed by confirmation token
	pending   map[string][]int64
	pendingMu sync.Mutex

	started time.Time

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger logrus.FieldLogger
}

// Config holds server configuration.
type Config struct {
	// Port to listen on (default: 3000, 0 picks a free port)
	Port int

	// Logger for server activity (default: standard logrus logger)
	Logger logrus.FieldLogger

	// Deps are the services behind the API
	Deps Deps
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:   3000,
		Logger: logrus.StandardLogger().WithField("component", "dashboard"),
	}
}

// NewServer creates a dashboard server.
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	if config.Deps.Confirmations == nil {
		config.Deps.Confirmations = confirm.NewRegistry(confirm.DefaultTTL)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      fmt.Sprintf(":%d", config.Port),
		deps:      config.Deps,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan events.Event, 100),
		pending:   make(map[string][]int64),
		started:   time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// Start begins serving in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go s.sweepLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.WithField("addr", ln.Addr().String()).Info("Dashboard server listening")
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("Server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.logger.Info("Stopping dashboard server")

	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()

	s.logger.Info("Dashboard server stopped")
	return nil
}

// Publish queues an event for all WebSocket clients. It implements
// events.Publisher so the server can subscribe to the event hub.
func (s *Server) Publish(_ context.Context, ev events.Event) error {
	select {
	case s.broadcast <- ev:
		return nil
	case <-s.ctx.Done():
		return nil
	default:
		return fmt.Errorf("broadcast channel full, dropping %s", ev.Type)
	}
}

// broadcastLoop handles message broadcasting to all clients.
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case ev := <-s.broadcast:
			if ev.Timestamp.IsZero() {
				ev.Timestamp = time.Now()
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.WithError(err).Warn("Failed to marshal event")
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.logger.WithError(err).Debug("Failed to send to client")
					s.removeClient(conn)
				}
			}
		}
	}
}

// sweepLoop expires unanswered bulk retirement confirmations.
func (s *Server) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			for _, req := range s.deps.Confirmations.Sweep() {
				s.pendingMu.Lock()
				delete(s.pending, req.Token)
				s.pendingMu.Unlock()
			}
		}
	}
}

// handleWebSocket upgrades HTTP connections to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.WithField("clients", clientCount).Debug("Client connected")

	hello, _ := json.Marshal(events.Event{Type: MessageTypeHello, Timestamp: time.Now()})
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	_ = conn.Write(ctx, websocket.MessageText, hello)
	cancel()

	go s.readLoop(conn)
}

// readLoop keeps the WebSocket connection alive and handles client
// disconnects. Client messages are ignored.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.WithField("clients", clientCount).Debug("Client disconnected")
	} else {
		s.clientsMu.Unlock()
	}
}

// GetAddr returns the server's listening address.
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
