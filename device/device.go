// Package device owns the physical serial devices shared by bridges. One
// device path maps to one open handle; the primary bridge on a path
// dictates its settings and secondaries share the handle.
package device

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"go.bug.st/serial"
)

// ReadTimeout is the blocking-read yield interval. A timed-out read is not
// a failure; it is where reader loops check for shutdown.
const ReadTimeout = 100 * time.Millisecond

var (
	ErrOpenFailed  = errors.New("serial device open failed")
	ErrBadSettings = errors.New("unsupported serial settings")
)

// Parity is the configured parity mode.
type Parity int

const (
	ParityNone Parity = iota
	ParityEven
	ParityOdd
)

// Flow is the configured flow-control mode.
type Flow int

const (
	FlowNone Flow = iota
	FlowSoftware
	FlowHardware
	FlowDTRDSR
)

var standardBauds = map[int]bool{
	1200: true, 2400: true, 4800: true, 9600: true,
	19200: true, 38400: true, 57600: true, 115200: true,
}

// Settings are the serial parameters a primary bridge applies to its
// device.
type Settings struct {
	Baud     int
	DataBits int
	StopBits int
	Parity   Parity
	Flow     Flow
}

func (s Settings) mode() (*serial.Mode, error) {
	if !standardBauds[s.Baud] {
		return nil, fmt.Errorf("%w: baud %d", ErrBadSettings, s.Baud)
	}
	mode := &serial.Mode{BaudRate: s.Baud, DataBits: s.DataBits}

	switch s.DataBits {
	case 7, 8:
	default:
		return nil, fmt.Errorf("%w: data bits %d", ErrBadSettings, s.DataBits)
	}

	switch s.Parity {
	case ParityNone:
		mode.Parity = serial.NoParity
	case ParityEven:
		mode.Parity = serial.EvenParity
	case ParityOdd:
		mode.Parity = serial.OddParity
	default:
		return nil, fmt.Errorf("%w: parity %d", ErrBadSettings, s.Parity)
	}

	switch s.StopBits {
	case 1:
		mode.StopBits = serial.OneStopBit
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("%w: stop bits %d", ErrBadSettings, s.StopBits)
	}

	return mode, nil
}

// forced8N1 is what every framed mode (KISS, XKISS, AGW) runs at,
// regardless of configured settings.
func (s Settings) forced8N1() Settings {
	s.DataBits = 8
	s.Parity = ParityNone
	s.StopBits = 1
	return s
}

// Device is one open serial handle, shared by every bridge on its path.
// Reads are serialized per chunk, writes per frame.
type Device struct {
	path    string
	port    serial.Port
	primary int // bridge id owning the settings

	readMu  sync.Mutex
	writeMu sync.Mutex

	refs atomic.Int32
}

// Path returns the device path.
func (d *Device) Path() string { return d.path }

// Shared reports whether more than one bridge currently references the
// device.
func (d *Device) Shared() bool { return d.refs.Load() > 1 }

// ReadChunk reads up to len(p) bytes, holding the read lock only for this
// one read. n == 0 with a nil error is the timeout yield point.
func (d *Device) ReadChunk(p []byte) (int, error) {
	d.readMu.Lock()
	defer d.readMu.Unlock()
	return d.port.Read(p)
}

// WriteFrame writes one complete frame atomically with respect to other
// writers on the device: two concurrent writers cannot interleave bytes.
func (d *Device) WriteFrame(frame []byte) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	for len(frame) > 0 {
		n, err := d.port.Write(frame)
		if err != nil {
			return err
		}
		frame = frame[n:]
	}
	return nil
}

// Manager resolves device paths to shared handles. The first bridge to
// open a path is its primary; it must be the bridge designated primary by
// configuration (lowest id, or explicitly flagged).
type Manager struct {
	log *log.Logger

	mu      sync.Mutex
	devices map[string]*Device

	// open is swappable for tests.
	open func(string, *serial.Mode) (serial.Port, error)
}

// NewManager returns an empty device arena.
func NewManager(logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Manager{
		log:     logger,
		devices: make(map[string]*Device),
		open:    serial.Open,
	}
}

// Open returns the shared handle for path, opening the physical device on
// first use with the given settings. framed forces 8N1 (only raw copies
// honor other framings). A second open of the same path shares the handle;
// its settings are ignored with a diagnostic.
func (m *Manager) Open(path string, bridgeID int, s Settings, framed bool) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d, ok := m.devices[path]; ok {
		d.refs.Add(1)
		m.log.Warn("serial settings ignored for secondary bridge",
			"device", path, "bridge", bridgeID, "primary", d.primary)
		return d, nil
	}

	if framed {
		forced := s.forced8N1()
		if forced != s {
			m.log.Info("framed mode forces 8N1", "device", path, "bridge", bridgeID)
			s = forced
		}
	}
	if s.Flow != FlowNone {
		// The serial library drives the port raw; flow control lines are
		// not toggled.
		m.log.Warn("flow control not supported, using none", "device", path)
		s.Flow = FlowNone
	}

	mode, err := s.mode()
	if err != nil {
		return nil, err
	}

	port, err := m.open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrOpenFailed, path, err)
	}
	if err := port.SetReadTimeout(ReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrOpenFailed, path, err)
	}

	d := &Device{path: path, port: port, primary: bridgeID}
	d.refs.Store(1)
	m.devices[path] = d
	m.log.Info("serial device opened", "device", path, "baud", s.Baud, "primary", bridgeID)
	return d, nil
}

// Release drops one reference to d, closing the physical handle when the
// last bridge referencing it is torn down.
func (m *Manager) Release(d *Device) {
	if d == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.refs.Add(-1) > 0 {
		return
	}
	delete(m.devices, d.path)
	d.port.Close()
	m.log.Info("serial device closed", "device", d.path)
}
