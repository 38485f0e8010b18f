package agw

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"gopkg.in/tomb.v2"

	"github.com/sparques/kisscross/ax25"
)

// Version reported to 'R' queries.
const (
	VersionMajor = 1
	VersionMinor = 0
)

// DefaultMaxClients is the AGW client limit when none is configured.
const DefaultMaxClients = 8

// PortInfo describes one bridged AGW port for the 'G' reply.
type PortInfo struct {
	Port        int
	Description string
}

// TransmitFunc accepts raw AX.25 bytes for transmission on an AGW port.
type TransmitFunc func(port int, data []byte) error

// client is one connected AGW application. Its connection is guarded by mu
// so a monitor fan-out and a command reply cannot interleave header and
// payload bytes.
type client struct {
	mu          sync.Mutex
	conn        net.Conn
	calls       map[string]struct{}
	monitor     bool
	connectedAt time.Time
}

func (c *client) send(m *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return m.WriteTo(c.conn)
}

// Server is the AGWPE control-plane listener. Clients register callsigns
// for addressed delivery and toggle monitor mode for everything crossing
// AGW-enabled bridges.
type Server struct {
	addr       string
	maxClients int
	ports      []PortInfo
	transmit   TransmitFunc
	log        *log.Logger

	mu       sync.RWMutex
	clients  []*client // fixed-size slot vector; nil slots are free
	listener net.Listener

	t tomb.Tomb
}

// NewServer configures an AGW server; Start binds it. ports describes the
// bridges with agw_enable set, transmit routes client 'K' frames back to
// them.
func NewServer(addr string, maxClients int, ports []PortInfo, transmit TransmitFunc, logger *log.Logger) *Server {
	if maxClients <= 0 {
		maxClients = DefaultMaxClients
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Server{
		addr:       addr,
		maxClients: maxClients,
		ports:      ports,
		transmit:   transmit,
		log:        logger,
		clients:    make([]*client, maxClients),
	}
}

// Start binds the listener and begins accepting clients.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("agw server bind %s: %w", s.addr, err)
	}
	s.listener = listener
	s.log.Info("agw server listening", "addr", s.addr)
	s.t.Go(s.acceptLoop)
	return nil
}

// Stop closes the listener and all clients and waits for the goroutines.
func (s *Server) Stop() error {
	s.t.Kill(nil)
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Lock()
	for i, c := range s.clients {
		if c != nil {
			c.conn.Close()
			s.clients[i] = nil
		}
	}
	s.mu.Unlock()
	return s.t.Wait()
}

func (s *Server) acceptLoop() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.t.Dying():
				return nil
			default:
				return err
			}
		}

		c := &client{
			conn:        conn,
			calls:       make(map[string]struct{}),
			connectedAt: time.Now(),
		}

		s.mu.Lock()
		slot := -1
		for i, existing := range s.clients {
			if existing == nil {
				slot = i
				break
			}
		}
		if slot >= 0 {
			s.clients[slot] = c
		}
		s.mu.Unlock()

		if slot < 0 {
			s.log.Warn("agw client limit reached, rejecting", "remote", conn.RemoteAddr())
			conn.Close()
			continue
		}

		s.log.Info("agw client connected", "slot", slot, "remote", conn.RemoteAddr())
		s.t.Go(func() error {
			s.serveClient(slot, c)
			return nil
		})
	}
}

func (s *Server) serveClient(slot int, c *client) {
	defer func() {
		c.conn.Close()
		s.mu.Lock()
		s.clients[slot] = nil
		s.mu.Unlock()
		s.log.Info("agw client disconnected", "slot", slot)
	}()

	for {
		m, err := ReadMessage(c.conn)
		if err != nil {
			if err != io.EOF {
				s.log.Debug("agw client read", "slot", slot, "err", err)
			}
			return
		}
		s.handle(slot, c, m)

		select {
		case <-s.t.Dying():
			return
		default:
		}
	}
}

// handle processes one client command. Responses are serialized per client
// by the slot's write lock; ordering across clients is unspecified.
func (s *Server) handle(slot int, c *client, m *Message) {
	switch m.Header.DataKind {
	case 'R': // version query
		reply := NewMessage(0, 'R', "", "", make([]byte, 8))
		binary.LittleEndian.PutUint32(reply.Data[0:4], VersionMajor)
		binary.LittleEndian.PutUint32(reply.Data[4:8], VersionMinor)
		s.sendOrDrop(slot, c, reply)

	case 'G': // port information
		var sb strings.Builder
		fmt.Fprintf(&sb, "%d;", len(s.ports))
		for _, p := range s.ports {
			fmt.Fprintf(&sb, "Port%d %s;", p.Port+1, p.Description)
		}
		s.sendOrDrop(slot, c, NewMessage(0, 'G', "", "", []byte(sb.String())))

	case 'g': // capabilities of one port, constants keep applications happy
		reply := NewMessage(int(m.Header.Port), 'g', "", "", make([]byte, 12))
		reply.Data[0] = 0    // on-air baud rate code: 1200
		reply.Data[1] = 1    // traffic level
		reply.Data[2] = 0x19 // TXDelay
		reply.Data[3] = 4    // TXTail
		reply.Data[4] = 0xc8 // persist
		reply.Data[5] = 4    // slot time
		reply.Data[6] = 7    // maxframe
		reply.Data[7] = 0    // active connections
		binary.LittleEndian.PutUint32(reply.Data[8:12], 1)
		s.sendOrDrop(slot, c, reply)

	case 'X': // register callsign
		call := m.From()
		s.mu.Lock()
		c.calls[call] = struct{}{}
		s.mu.Unlock()
		s.log.Info("agw callsign registered", "slot", slot, "call", call)
		reply := NewMessage(int(m.Header.Port), 'X', call, "", []byte{1})
		s.sendOrDrop(slot, c, reply)

	case 'x': // unregister callsign
		call := m.From()
		s.mu.Lock()
		delete(c.calls, call)
		s.mu.Unlock()
		s.log.Info("agw callsign unregistered", "slot", slot, "call", call)

	case 'M': // monitor on
		s.mu.Lock()
		c.monitor = true
		s.mu.Unlock()
		s.log.Debug("agw monitor enabled", "slot", slot)

	case 'm': // monitor off
		s.mu.Lock()
		c.monitor = false
		s.mu.Unlock()
		s.log.Debug("agw monitor disabled", "slot", slot)

	case 'K': // raw AX.25 to transmit
		if len(m.Data) < 2 {
			s.log.Warn("agw raw frame too short", "slot", slot)
			return
		}
		// The first data byte mirrors the KISS command byte; the AX.25
		// frame follows it. Registration is advisory and not checked.
		if err := s.transmit(int(m.Header.Port), m.Data[1:]); err != nil {
			s.log.Warn("agw transmit failed", "slot", slot, "port", m.Header.Port, "err", err)
		}

	default:
		s.log.Warn("agw unhandled frame kind", "slot", slot, "kind", string(m.Header.DataKind))
	}
}

func (s *Server) sendOrDrop(slot int, c *client, m *Message) {
	if err := c.send(m); err != nil {
		s.log.Warn("agw client write failed, closing", "slot", slot, "err", err)
		c.conn.Close()
	}
}

// Deliver fans a received AX.25 frame out to AGW clients: a 'U' monitor
// frame to every client in monitor mode, and a 'K' raw frame to any client
// that registered the destination callsign. Independent of the KISS TCP
// fan-out.
func (s *Server) Deliver(port int, frame []byte) {
	h, err := ax25.Parse(frame)
	if err != nil {
		s.log.Debug("agw deliver: unparseable ax.25", "port", port, "err", err)
		return
	}

	from := h.Src.String()
	to := h.Dest.String()

	s.mu.RLock()
	targets := make([]*client, 0, len(s.clients))
	raw := make([]*client, 0, 2)
	for _, c := range s.clients {
		if c == nil {
			continue
		}
		if c.monitor {
			targets = append(targets, c)
		}
		if _, ok := c.calls[to]; ok {
			raw = append(raw, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range targets {
		m := NewMessage(port, 'U', from, to, frame)
		if h.HasPID {
			m.Header.PID = h.PID
		}
		if err := c.send(m); err != nil {
			s.log.Warn("agw monitor write failed", "err", err)
			c.conn.Close()
		}
	}
	for _, c := range raw {
		m := NewMessage(port, 'K', from, to, frame)
		if err := c.send(m); err != nil {
			s.log.Warn("agw raw write failed", "err", err)
			c.conn.Close()
		}
	}
}
