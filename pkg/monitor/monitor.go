// Layout monitor: JSON status over HTTP plus WebSocket push

// Package monitor serves the station state to browsers and tools that
// do not speak SRCP. Plain GETs return JSON snapshots; a WebSocket
// endpoint streams every state change as it happens.
package monitor

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"srcpd-go/pkg/ddl"
	"srcpd-go/pkg/log"
	"srcpd-go/pkg/s88"
)

// Config holds the monitor configuration.
type Config struct {
	// Addr is the HTTP listen address, e.g. ":8280".
	Addr string

	Station *ddl.Station
	Sensors *s88.Poller
}

// Server is the monitor HTTP/WebSocket server.
type Server struct {
	cfg    Config
	logger *log.Logger

	mux        *http.ServeMux
	httpServer *http.Server
	upgrader   websocket.Upgrader

	mu      sync.RWMutex
	clients map[uuid.UUID]*wsClient

	running   atomic.Bool
	stopCh    chan struct{}
	startTime time.Time
}

// New creates a monitor server for a station.
func New(cfg Config) *Server {
	s := &Server{
		cfg:       cfg,
		logger:    log.GetLogger("monitor"),
		mux:       http.NewServeMux(),
		clients:   make(map[uuid.UUID]*wsClient),
		stopCh:    make(chan struct{}),
		startTime: time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	s.mux.HandleFunc("/status", s.handleStatus)
	s.mux.HandleFunc("/locomotives", s.handleLocomotives)
	s.mux.HandleFunc("/sensors", s.handleSensors)
	s.mux.HandleFunc("/power", s.handlePower)
	s.mux.HandleFunc("/websocket", s.handleWebSocket)

	s.httpServer = &http.Server{Addr: cfg.Addr, Handler: s.mux}
	return s
}

// Start binds the configured address and serves until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve runs the monitor on an existing listener until Stop.
func (s *Server) Serve(ln net.Listener) error {
	s.running.Store(true)
	s.logger.Info("monitor listening on %s", ln.Addr())
	go s.eventLoop()

	err := s.httpServer.Serve(ln)
	if err == http.ErrServerClosed || !s.running.Load() {
		return nil
	}
	return err
}

// Stop shuts the server down and disconnects every client.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}
	close(s.stopCh)

	s.mu.Lock()
	for _, c := range s.clients {
		c.close()
	}
	s.clients = make(map[uuid.UUID]*wsClient)
	s.mu.Unlock()

	return s.httpServer.Close()
}

// eventLoop fans station events out to the connected clients.
func (s *Server) eventLoop() {
	events := s.cfg.Station.Events()
	ch := events.Subscribe()
	defer events.Unsubscribe(ch)

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if n, ok := notificationFor(ev); ok {
				s.broadcast(n)
			}
		case <-s.stopCh:
			return
		}
	}
}

func (s *Server) broadcast(n Notification) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		c.send(n)
	}
}

func (s *Server) addClient(c *wsClient) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
}

func (s *Server) removeClient(c *wsClient) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	s.logger.Info("client %s disconnected", c.id)
}

// handleWebSocket upgrades the connection and streams state changes,
// starting with a full snapshot.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed: %v", err)
		return
	}
	c := newWSClient(s, conn)
	s.logger.Info("client %s connected from %s", c.id, r.RemoteAddr)

	s.addClient(c)
	c.send(Notification{Event: "snapshot", Data: s.snapshot()})
	go c.writePump()
	c.readPump()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, s.snapshot())
}

func (s *Server) handleLocomotives(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, s.locomotives())
}

func (s *Server) handleSensors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, s.sensors())
}

// handlePower reads or switches the track power.
func (s *Server) handlePower(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, PowerStatus{On: s.cfg.Station.Power()})
	case http.MethodPost:
		var req PowerStatus
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
			return
		}
		s.cfg.Station.SetPower(req.On)
		s.writeJSON(w, PowerStatus{On: req.On})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("response write failed: %v", err)
	}
}
