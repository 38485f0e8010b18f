package bridge

import (
	"fmt"

	"github.com/sparques/kisscross/device"
	"github.com/sparques/kisscross/kiss"
)

// TCPMode selects how the network side of a cross-connect behaves.
type TCPMode int

const (
	TCPNone TCPMode = iota
	TCPServer
	TCPClient
)

// DefaultMaxTCPClients is the per-bridge client limit when none is
// configured.
const DefaultMaxTCPClients = 3

// DefaultPollTimerMS is the XKISS poll interval when none is configured.
const DefaultPollTimerMS = 1000

// CrossConnect binds a source endpoint to a destination endpoint with
// processing flags. Bridges are constructed once from configuration and
// run until shutdown.
type CrossConnect struct {
	ID int // 0000-9999, unique

	// Serial side. An empty SerialPort makes the bridge TCP-to-TCP.
	SerialPort     string
	Baud           int
	DataBits       int
	StopBits       int
	Parity         device.Parity
	FlowControl    device.Flow
	SerialToSerial string // peer device path; makes the bridge serial-to-serial
	IsPrimaryPort  bool

	// Network side.
	TCPMode       TCPMode
	TCPAddress    string   // client mode: remote host
	TCPPort       int      // client mode: remote port
	BindAddresses []string // server mode: one or more listen addresses
	MaxTCPClients int

	// Framing and processing.
	KISSPort            int // 0-15, channel on the device
	KISSChan            int // -1 all, 0-15 single-channel filter
	KISSCopy            bool
	PhilFlag            bool
	ReframeLargePackets bool
	RawCopy             bool

	XKISSMode         bool
	XKISSPort         int // 0-15
	XKISSChecksum     bool
	XKISSPolling      bool
	XKISSPollTimerMS  int
	XKISSRXBufferSize int

	TCPToTCPDangerous     bool
	TCPToTCPAlsoDangerous bool

	AGWEnable bool
	AGWPort   int // 0-255

	// Diagnostics.
	Dump      bool
	ParseKISS bool
	DumpAX25  bool
}

// serialChannel is the channel expected and emitted on the device side;
// XKISS mode swaps in its own port number.
func (c *CrossConnect) serialChannel() int {
	if c.XKISSMode {
		return c.XKISSPort
	}
	return c.KISSPort
}

// tcpToTCP reports whether both endpoints of the bridge are TCP.
func (c *CrossConnect) tcpToTCP() bool {
	return c.SerialPort == "" && c.SerialToSerial == ""
}

// framed reports whether the device carries KISS-style framing; only raw
// copies honor serial settings other than 8N1.
func (c *CrossConnect) framed() bool {
	return !c.RawCopy
}

// Validate checks every range and safety constraint before anything is
// opened. All violations wrap ErrConfigInvalid.
func (c *CrossConnect) Validate() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: cross-connect %04d: %s", ErrConfigInvalid, c.ID, fmt.Sprintf(format, args...))
	}

	if c.ID < 0 || c.ID > 9999 {
		return fail("id out of range")
	}
	if c.KISSPort < 0 || c.KISSPort > 15 {
		return fail("kiss port %d out of range 0-15", c.KISSPort)
	}
	if c.XKISSPort < 0 || c.XKISSPort > 15 {
		return fail("xkiss port %d out of range 0-15", c.XKISSPort)
	}
	if c.KISSChan < -1 || c.KISSChan > 15 {
		return fail("kiss channel %d out of range -1..15", c.KISSChan)
	}
	if c.AGWPort < 0 || c.AGWPort > 255 {
		return fail("agw port %d out of range 0-255", c.AGWPort)
	}
	if c.XKISSPolling {
		if c.XKISSRXBufferSize < kiss.MinBuffer || c.XKISSRXBufferSize > kiss.MaxBuffer {
			return fail("rx buffer size %d outside [%d, %d]", c.XKISSRXBufferSize, kiss.MinBuffer, kiss.MaxBuffer)
		}
	}
	if c.tcpToTCP() {
		if !c.TCPToTCPDangerous {
			return fail("tcp-to-tcp bridges require tcp_to_tcp_dangerous")
		}
		if c.TCPAddress == "" {
			return fail("tcp-to-tcp bridges need a remote address")
		}
		if len(c.BindAddresses) == 0 {
			return fail("tcp-to-tcp bridges need a bind address")
		}
		if c.RawCopy {
			return fail("raw_copy needs a serial endpoint")
		}
	}
	if c.SerialPort != "" && c.SerialToSerial == "" && c.TCPMode == TCPNone {
		return fail("serial bridge has no destination endpoint")
	}
	if c.SerialToSerial != "" && c.SerialToSerial == c.SerialPort {
		return fail("serial-to-serial peer is the source device")
	}
	if c.TCPMode == TCPClient && c.TCPAddress == "" {
		return fail("tcp client mode needs an address")
	}
	if c.TCPMode == TCPServer && len(c.BindAddresses) == 0 {
		return fail("tcp server mode needs a bind address")
	}
	return nil
}

// ApplyDefaults fills the zero values the loader leaves behind.
func (c *CrossConnect) ApplyDefaults() {
	if c.MaxTCPClients <= 0 {
		c.MaxTCPClients = DefaultMaxTCPClients
	}
	if c.XKISSPollTimerMS <= 0 {
		c.XKISSPollTimerMS = DefaultPollTimerMS
	}
	if c.Baud == 0 {
		c.Baud = 9600
	}
	if c.DataBits == 0 {
		c.DataBits = 8
	}
	if c.StopBits == 0 {
		c.StopBits = 1
	}
}
