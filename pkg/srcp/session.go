// SRCP session handling: handshake, command mode, info mode

package srcp

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"srcpd-go/pkg/ddl"
)

type sessionMode int

const (
	modeCommand sessionMode = iota
	modeInfo
)

type session struct {
	srv  *Server
	conn net.Conn
	r    *bufio.Reader
	id   uint32
}

func newSession(srv *Server, conn net.Conn, id uint32) *session {
	return &session{srv: srv, conn: conn, r: bufio.NewReader(conn), id: id}
}

func (s *session) run() {
	if m := s.srv.cfg.Metrics; m != nil {
		m.SessionOpened()
		defer m.SessionClosed()
	}
	mode, err := s.handshake()
	if err != nil {
		s.srv.logger.Warn("session %d handshake failed: %v", s.id, err)
		return
	}
	switch mode {
	case modeCommand:
		s.commandLoop()
	case modeInfo:
		s.infoLoop()
	}
	s.srv.logger.Info("session %d closed", s.id)
}

// readLine reads up to the next newline, dropping non-printable bytes
// and folding everything to upper case. SRCP commands are
// case-insensitive.
func (s *session) readLine() (string, error) {
	var b strings.Builder
	for {
		c, err := s.r.ReadByte()
		if err != nil {
			return "", err
		}
		switch {
		case c == '\n':
			return strings.ToUpper(strings.TrimSpace(b.String())), nil
		case c >= ' ' && c <= '~':
			b.WriteByte(c)
		}
	}
}

// send writes one reply line, prefixed with the wall-clock timestamp
// every SRCP response carries.
func (s *session) send(msg string) error {
	now := time.Now()
	line := fmt.Sprintf("%d.%03d %s\n", now.Unix(), now.Nanosecond()/1e6, msg)
	_, err := s.conn.Write([]byte(line))
	return err
}

// handshake runs the SRCP connection setup: welcome line, optional
// protocol negotiation, connection mode selection and GO.
func (s *session) handshake() (sessionMode, error) {
	welcome := fmt.Sprintf("srcpd V%s; SRCP %s\n", s.srv.cfg.ServerVersion, Version)
	if _, err := s.conn.Write([]byte(welcome)); err != nil {
		return 0, err
	}
	for {
		line, err := s.readLine()
		if err != nil {
			return 0, err
		}
		var mode sessionMode
		switch {
		case line == "SET CONNECTIONMODE SRCP COMMAND":
			mode = modeCommand
		case line == "SET CONNECTIONMODE SRCP INFO":
			mode = modeInfo
		case strings.HasPrefix(line, "SET PROTOCOL SRCP"):
			if err := s.send("201 OK PROTOCOL SRCP"); err != nil {
				return 0, err
			}
			continue
		default:
			if err := s.send("401 ERROR unsupported connection mode"); err != nil {
				return 0, err
			}
			continue
		}
		if err := s.send("202 OK CONNECTIONMODE"); err != nil {
			return 0, err
		}
		line, err = s.readLine()
		if err != nil {
			return 0, err
		}
		if line != "GO" {
			return 0, fmt.Errorf("expected GO, got %q", line)
		}
		if err := s.send(fmt.Sprintf("200 OK GO %d", s.id)); err != nil {
			return 0, err
		}
		return mode, nil
	}
}

// commandLoop answers every command line with exactly one reply.
func (s *session) commandLoop() {
	for {
		line, err := s.readLine()
		if err != nil {
			return
		}
		if line == "" {
			continue
		}
		start := time.Now()
		reply := s.dispatch(line)
		if m := s.srv.cfg.Metrics; m != nil {
			verb, _, _ := strings.Cut(line, " ")
			m.RecordCommand(verb, time.Since(start))
		}
		if err := s.send(reply); err != nil {
			return
		}
	}
}

// infoLoop primes the client with the current station state and then
// streams every state change as an INFO line.
func (s *session) infoLoop() {
	st := s.srv.cfg.Station
	ch := st.Events().Subscribe()

	// Detect a dead client: info sessions never send anything useful,
	// so a returning read means the connection is gone.
	go func() {
		io.Copy(io.Discard, s.conn)
		st.Events().Unsubscribe(ch)
	}()

	if err := s.prime(); err != nil {
		st.Events().Unsubscribe(ch)
		return
	}
	for ev := range ch {
		line, ok := s.infoFor(ev)
		if !ok {
			continue
		}
		if err := s.send(line); err != nil {
			st.Events().Unsubscribe(ch)
			return
		}
	}
}

// prime sends the full current state to a fresh info session.
func (s *session) prime() error {
	st := s.srv.cfg.Station
	bus := s.srv.cfg.DDLBus

	if err := s.send(powerInfo(bus, st.Power())); err != nil {
		return err
	}
	for _, addr := range st.Registry().Addrs() {
		state, ok := st.GetLoco(addr)
		if !ok {
			continue
		}
		if err := s.send(glDescription(bus, state)); err != nil {
			return err
		}
		if err := s.send(glInfo(bus, state)); err != nil {
			return err
		}
	}
	for _, addr := range st.AccessoryAddrs() {
		values, proto, ok := st.GetAccessory(addr)
		if !ok {
			continue
		}
		if err := s.send(fmt.Sprintf("101 INFO %d GA %d %c", bus, addr, byte(proto))); err != nil {
			return err
		}
		for port, on := range values {
			if err := s.send(gaInfo(bus, ddl.GAEvent{Addr: addr, Port: port, Value: on})); err != nil {
				return err
			}
		}
	}
	if s.srv.cfg.Sensors != nil {
		for _, c := range s.srv.cfg.Sensors.ActiveContacts() {
			if err := s.send(fbInfo(s.srv.cfg.FBBus+c.Bus, c.Number, c.State)); err != nil {
				return err
			}
		}
	}
	return nil
}
