// Package dashboard provides a real-time WebSocket feed of sync state.
//
// UI surfaces (status banners, operator audit views) connect and receive
// a message on every status transition: online/offline flips, pending
// count changes, sync start/stop, stuck entries, and conflicts.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/lubetrack/lubesync/internal/status"
)

// MessageType defines the type of dashboard message.
type MessageType string

const (
	// MessageTypeStatus carries a full status snapshot after a transition.
	MessageTypeStatus MessageType = "status"

	// MessageTypeSyncComplete indicates a delivery pass finished cleanly.
	MessageTypeSyncComplete MessageType = "sync_complete"

	// MessageTypeEntryStuck indicates an outbox entry was parked for
	// operator review.
	MessageTypeEntryStuck MessageType = "entry_stuck"

	// MessageTypeConflict indicates a reconcile pass flagged a conflict.
	MessageTypeConflict MessageType = "conflict_detected"
)

// Message represents a dashboard broadcast message.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Server manages WebSocket connections and broadcasts sync state.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server
	tracker  *status.Tracker

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	unsubscribe func()

	logger *log.Logger
}

// Config holds server configuration.
type Config struct {
	// Port to listen on (default: 8080; 0 picks a free port).
	Port int

	// Tracker is the status source the server mirrors. Required.
	Tracker *status.Tracker

	// Logger for server activity (default: the process logger).
	Logger *log.Logger
}

// NewServer creates a dashboard server bound to a status tracker.
func NewServer(config *Config) (*Server, error) {
	if config == nil || config.Tracker == nil {
		return nil, fmt.Errorf("tracker is required")
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      fmt.Sprintf(":%d", config.Port),
		tracker:   config.Tracker,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}, nil
}

// Start begins the HTTP server and subscribes to status transitions.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	var prevMu sync.Mutex
	prev := s.tracker.GetStatus()
	s.unsubscribe = s.tracker.Subscribe(func(snapshot status.Status) {
		data, err := json.Marshal(snapshot)
		if err != nil {
			s.logger.Printf("Failed to marshal status snapshot: %v", err)
			return
		}
		s.Broadcast(Message{Type: MessageTypeStatus, Data: data})

		// Derive event messages from the transition so clients that only
		// care about alerts don't have to diff snapshots themselves.
		prevMu.Lock()
		defer prevMu.Unlock()
		if snapshot.StuckCount > prev.StuckCount {
			s.Broadcast(Message{Type: MessageTypeEntryStuck, Data: data})
		}
		if snapshot.ConflictCount > prev.ConflictCount {
			s.Broadcast(Message{Type: MessageTypeConflict, Data: data})
		}
		if prev.Syncing && !snapshot.Syncing && snapshot.StuckCount == prev.StuckCount {
			s.Broadcast(Message{Type: MessageTypeSyncComplete, Data: data})
		}
		prev = snapshot
	})

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.logger.Println("Stopping dashboard server")

	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()
	return nil
}

// Broadcast sends a message to all connected clients.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("Failed to marshal message: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.logger.Printf("Failed to send to client: %v", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Client connected (total: %d)", clientCount)

	// Send the current snapshot so new clients don't wait for the next
	// transition.
	snapshot, _ := json.Marshal(s.tracker.GetStatus())
	welcome, _ := json.Marshal(Message{
		Type:      MessageTypeStatus,
		Timestamp: time.Now(),
		Data:      snapshot,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = conn.Write(ctx, websocket.MessageText, welcome)
	cancel()

	go s.readLoop(conn)
}

// readLoop keeps the connection alive and handles client disconnects.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		_, _, err := conn.Read(s.ctx)
		if err != nil {
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
		s.logger.Printf("Client disconnected (total: %d)", clientCount)
	} else {
		s.clientsMu.Unlock()
	}
}

// handleStatus serves the current snapshot for non-websocket callers.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.tracker.GetStatus())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.clientsMu.RLock()
	clientCount := len(s.clients)
	s.clientsMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": clientCount,
	})
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
