// SRCP 0.8.4 network front end

// Package srcp implements the SRCP 0.8.4 TCP server. Every connection
// starts with the handshake and then runs either as a command session,
// translating SRCP lines into station operations, or as an info
// session streaming state changes.
package srcp

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"srcpd-go/pkg/ddl"
	"srcpd-go/pkg/errors"
	"srcpd-go/pkg/log"
	"srcpd-go/pkg/metrics"
	"srcpd-go/pkg/s88"
)

// Version is the SRCP protocol version the server speaks.
const Version = "0.8.4"

// DefaultPort is the IANA-registered SRCP port.
const DefaultPort = 4303

// Config configures the SRCP server.
type Config struct {
	// Addr is the TCP listen address, e.g. ":4303".
	Addr string

	Station *ddl.Station
	Sensors *s88.Poller

	// DDLBus is the SRCP bus number of the track output. FBBus is the
	// bus number of the first S88 chain; further chains follow on
	// consecutive numbers.
	DDLBus int
	FBBus  int

	// ServerVersion is reported in the welcome line.
	ServerVersion string

	// Metrics, when set, records sessions and handled commands.
	Metrics *metrics.StationMetrics
}

// Server accepts SRCP connections and runs one session per client.
type Server struct {
	cfg    Config
	logger *log.Logger

	mu    sync.Mutex
	ln    net.Listener
	conns map[net.Conn]struct{}

	nextSession atomic.Uint32
	closed      atomic.Bool
	wg          sync.WaitGroup
}

// New creates a server. Missing bus numbers default to the track
// output on bus 1 and the S88 chains from bus 2.
func New(cfg Config) *Server {
	if cfg.DDLBus <= 0 {
		cfg.DDLBus = 1
	}
	if cfg.FBBus <= 0 {
		cfg.FBBus = cfg.DDLBus + 1
	}
	if cfg.ServerVersion == "" {
		cfg.ServerVersion = "0.1.0"
	}
	return &Server{cfg: cfg, logger: log.GetLogger("srcp"), conns: make(map[net.Conn]struct{})}
}

// ListenAndServe binds the configured address and serves until Close.
func (srv *Server) ListenAndServe() error {
	addr := srv.cfg.Addr
	if addr == "" {
		addr = fmt.Sprintf(":%d", DefaultPort)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return srv.Serve(ln)
}

// Serve accepts connections on an existing listener until Close.
func (srv *Server) Serve(ln net.Listener) error {
	srv.mu.Lock()
	srv.ln = ln
	srv.mu.Unlock()
	srv.logger.Info("SRCP server listening on %s", ln.Addr())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if srv.closed.Load() {
				return nil
			}
			return err
		}
		id := srv.nextSession.Add(1)
		srv.logger.Info("new client %s, session %d", conn.RemoteAddr(), id)
		srv.mu.Lock()
		srv.conns[conn] = struct{}{}
		srv.mu.Unlock()
		srv.wg.Add(1)
		go func() {
			defer srv.wg.Done()
			defer func() {
				conn.Close()
				srv.mu.Lock()
				delete(srv.conns, conn)
				srv.mu.Unlock()
			}()
			// A panicking session must not take the daemon down.
			defer func() {
				if err := errors.RecoverPanic(recover()); err != nil {
					srv.logger.Error("session %d: %v", id, err)
				}
			}()
			newSession(srv, conn, id).run()
		}()
	}
}

// Close stops accepting connections and waits for the running
// sessions to finish.
func (srv *Server) Close() error {
	srv.closed.Store(true)
	srv.mu.Lock()
	ln := srv.ln
	for conn := range srv.conns {
		conn.Close()
	}
	srv.mu.Unlock()
	var err error
	if ln != nil {
		err = ln.Close()
	}
	srv.wg.Wait()
	return err
}
