// Package bridge implements the cross-connect engine: per-bridge data
// paths that reassemble KISS frames, correct defective TNC escaping,
// translate between KISS, XKISS and AGWPE, filter and remap channels, and
// fan frames out between a serial device and its network clients.
package bridge

import (
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"gopkg.in/tomb.v2"

	"github.com/sparques/kisscross/agw"
	"github.com/sparques/kisscross/ax25"
	"github.com/sparques/kisscross/device"
	"github.com/sparques/kisscross/kiss"
)

// tncWireLimit is the largest corrected frame the defective TNCs accept;
// reframing targets pieces comfortably below it.
const (
	tncWireLimit  = 255
	reframeTarget = 220
)

// serialHandle is the slice of device.Device the engine uses; tests swap
// in pipes.
type serialHandle interface {
	ReadChunk([]byte) (int, error)
	WriteFrame([]byte) error
	Shared() bool
	Path() string
}

// CaptureFunc receives the AX.25 payload of every data frame that crosses
// the bridge. It must not block.
type CaptureFunc func(ts time.Time, ax25 []byte)

// slot holds one live TCP connection. Frame writes serialize on wmu so
// fan-out cannot interleave two frames on one stream.
type slot struct {
	conn        net.Conn
	connectedAt time.Time
	wmu         sync.Mutex
	exchanged   atomic.Bool
}

func (s *slot) write(p []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, err := s.conn.Write(p)
	return err
}

// Bridge runs one cross-connect. Construct with New, start with Run, stop
// with Stop; bridges are not reloaded at runtime.
type Bridge struct {
	cfg CrossConnect
	log *log.Logger

	mgr     *device.Manager
	dev     serialHandle // source serial device, nil for tcp-to-tcp
	peer    serialHandle // serial-to-serial destination
	agw     *agw.Server
	capture CaptureFunc

	slotMu sync.Mutex
	slots  []*slot // network side: server clients, or the single client-mode slot
	out    *slot   // tcp-to-tcp dial-side destination

	listeners []net.Listener
	poll      *pollBuffer

	framesIn  atomic.Uint64
	framesOut atomic.Uint64
	drops     atomic.Uint64

	stopOnce sync.Once
	t        tomb.Tomb
}

// New validates cfg and claims its serial devices from mgr. agws and
// capture may be nil.
func New(cfg CrossConnect, mgr *device.Manager, agws *agw.Server, capture CaptureFunc, logger *log.Logger) (*Bridge, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}

	b := &Bridge{
		cfg:     cfg,
		mgr:     mgr,
		agw:     agws,
		capture: capture,
		log:     logger.WithPrefix(fmt.Sprintf("bridge/%04d", cfg.ID)),
		slots:   make([]*slot, cfg.MaxTCPClients),
	}
	if cfg.XKISSPolling {
		b.poll = newPollBuffer(cfg.XKISSRXBufferSize)
	}

	if cfg.SerialPort != "" {
		settings := device.Settings{
			Baud:     cfg.Baud,
			DataBits: cfg.DataBits,
			StopBits: cfg.StopBits,
			Parity:   cfg.Parity,
			Flow:     cfg.FlowControl,
		}
		dev, err := mgr.Open(cfg.SerialPort, cfg.ID, settings, cfg.framed())
		if err != nil {
			return nil, err
		}
		b.dev = dev
		if cfg.SerialToSerial != "" {
			peer, err := mgr.Open(cfg.SerialToSerial, cfg.ID, settings, cfg.framed())
			if err != nil {
				mgr.Release(dev)
				return nil, err
			}
			b.peer = peer
		}
	}
	return b, nil
}

// AGWEnabled reports whether this bridge participates in the AGW server,
// and on which AGW port.
func (b *Bridge) AGWEnabled() (port int, ok bool) {
	return b.cfg.AGWPort, b.cfg.AGWEnable
}

// Description names the bridge's TNC side for port listings.
func (b *Bridge) Description() string {
	if b.cfg.SerialPort != "" {
		return b.cfg.SerialPort
	}
	return "TCP " + net.JoinHostPort(b.cfg.TCPAddress, strconv.Itoa(b.cfg.TCPPort))
}

// Run starts the bridge's goroutines and returns immediately.
func (b *Bridge) Run() error {
	b.t.Go(b.watchdog)

	if b.cfg.TCPMode == TCPServer || b.cfg.tcpToTCP() {
		for _, addr := range b.cfg.BindAddresses {
			l, err := net.Listen("tcp", addr)
			if err != nil {
				b.t.Kill(nil)
				return fmt.Errorf("%w: %s: %v", ErrBindFailed, addr, err)
			}
			b.listeners = append(b.listeners, l)
			b.log.Info("listening", "addr", l.Addr())
			b.t.Go(func() error { return b.acceptLoop(l) })
		}
	}
	if b.cfg.TCPMode == TCPClient || b.cfg.tcpToTCP() {
		b.t.Go(b.dialLoop)
	}
	if b.dev != nil {
		b.t.Go(b.serialReader)
	}
	if b.peer != nil {
		b.t.Go(b.peerReader)
	}
	if b.poll != nil {
		b.t.Go(b.pollLoop)
	}
	return nil
}

// Wait blocks until the bridge has torn down.
func (b *Bridge) Wait() error { return b.t.Wait() }

// Stop tears the bridge down and releases its devices.
func (b *Bridge) Stop() error {
	b.t.Kill(nil)
	err := b.t.Wait()
	b.stopOnce.Do(func() {
		if d, ok := b.dev.(*device.Device); ok {
			b.mgr.Release(d)
		}
		if d, ok := b.peer.(*device.Device); ok {
			b.mgr.Release(d)
		}
	})
	b.log.Info("bridge stopped",
		"in", b.framesIn.Load(), "out", b.framesOut.Load(), "dropped", b.drops.Load())
	return err
}

// watchdog closes every stream once the tomb starts dying so blocked
// readers unwind. Serial reads need no interruption; they time out and
// check the tomb themselves.
func (b *Bridge) watchdog() error {
	<-b.t.Dying()
	for _, l := range b.listeners {
		l.Close()
	}
	b.slotMu.Lock()
	for i, s := range b.slots {
		if s != nil {
			s.conn.Close()
			b.slots[i] = nil
		}
	}
	if b.out != nil {
		b.out.conn.Close()
		b.out = nil
	}
	b.slotMu.Unlock()
	return nil
}

/*
 * Network side: accept, dial, per-connection readers.
 */

func (b *Bridge) acceptLoop(l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-b.t.Dying():
				return nil
			default:
				return err
			}
		}
		b.addClient(conn)
	}
}

func (b *Bridge) addClient(conn net.Conn) {
	s := &slot{conn: conn, connectedAt: time.Now()}

	b.slotMu.Lock()
	idx := -1
	for i, existing := range b.slots {
		if existing == nil {
			idx = i
			break
		}
	}
	if idx >= 0 {
		b.slots[idx] = s
	}
	b.slotMu.Unlock()

	if idx < 0 {
		// Reject, don't queue.
		b.log.Warn("rejecting client", "err", ErrClientSlotFull, "remote", conn.RemoteAddr())
		conn.Close()
		return
	}

	b.log.Info("client connected", "slot", idx, "remote", conn.RemoteAddr())
	b.t.Go(func() error {
		b.connReader(fmt.Sprintf("client %d", idx), s, func(f []byte) { b.fromClient(s, f) })
		b.dropSlot(idx, s)
		return nil
	})
}

func (b *Bridge) dropSlot(idx int, s *slot) {
	b.slotMu.Lock()
	if b.slots[idx] == s {
		b.slots[idx] = nil
	}
	b.slotMu.Unlock()
	s.conn.Close()
}

func (b *Bridge) snapshotSlots() []*slot {
	b.slotMu.Lock()
	defer b.slotMu.Unlock()
	return append([]*slot(nil), b.slots...)
}

func (b *Bridge) getOut() *slot {
	b.slotMu.Lock()
	defer b.slotMu.Unlock()
	if b.cfg.tcpToTCP() {
		return b.out
	}
	return b.slots[0]
}

// dialLoop keeps the client-mode connection up: exponential backoff from
// 1s to 60s, reset once a connection actually exchanges data.
func (b *Bridge) dialLoop() error {
	addr := net.JoinHostPort(b.cfg.TCPAddress, strconv.Itoa(b.cfg.TCPPort))
	backoff := time.Second

	for {
		select {
		case <-b.t.Dying():
			return nil
		default:
		}

		conn, err := net.Dial("tcp", addr)
		if err != nil {
			b.log.Warn("connect failed", "addr", addr, "err", err)
		} else {
			b.log.Info("connected", "addr", addr)
			s := &slot{conn: conn, connectedAt: time.Now()}
			b.slotMu.Lock()
			if b.cfg.tcpToTCP() {
				b.out = s
			} else {
				b.slots[0] = s
			}
			b.slotMu.Unlock()

			if b.cfg.tcpToTCP() {
				b.connReader("remote", s, b.fromRemote)
			} else {
				b.connReader("remote", s, func(f []byte) { b.fromClient(s, f) })
			}

			b.slotMu.Lock()
			if b.cfg.tcpToTCP() && b.out == s {
				b.out = nil
			} else if !b.cfg.tcpToTCP() && b.slots[0] == s {
				b.slots[0] = nil
			}
			b.slotMu.Unlock()
			s.conn.Close()

			if s.exchanged.Load() {
				backoff = time.Second
			}
		}

		select {
		case <-b.t.Dying():
			return nil
		case <-time.After(backoff):
		}
		if backoff < 60*time.Second {
			backoff *= 2
			if backoff > 60*time.Second {
				backoff = 60 * time.Second
			}
		}
	}
}

// connReader pumps one TCP stream through a per-connection decoder and
// hands completed frames to deliver. It returns on any read error; errors
// on one client never touch the others.
func (b *Bridge) connReader(name string, s *slot, deliver func([]byte)) {
	dec := kiss.NewDecoder(kiss.DefaultMaxFrame, b.log)
	buf := make([]byte, 4096)

	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			if err == io.EOF {
				b.log.Info("peer disconnected", "conn", name)
			} else {
				select {
				case <-b.t.Dying():
				default:
					b.log.Warn("read failed", "conn", name, "err", err)
				}
			}
			return
		}
		if n == 0 {
			continue
		}
		s.exchanged.Store(true)
		data := buf[:n]

		if b.cfg.RawCopy {
			if err := b.dev.WriteFrame(append([]byte(nil), data...)); err != nil {
				b.fatal(err)
				return
			}
			continue
		}

		// Safety gate: without the second danger flag, a TCP-to-TCP
		// bridge only forwards buffers that look like KISS.
		if b.cfg.tcpToTCP() && !b.cfg.TCPToTCPAlsoDangerous && !dec.MidFrame() && data[0] != kiss.FEND {
			b.drops.Add(1)
			b.log.Warn("dropping buffer", "err", ErrTCPToTCPBlocked, "conn", name, "len", n)
			continue
		}

		for _, f := range dec.Feed(data) {
			deliver(f)
		}
	}
}

/*
 * Serial side.
 */

// serialReader pumps the source device. Read timeouts are the shutdown
// check point; any other error tears the whole bridge down.
func (b *Bridge) serialReader() error {
	dec := kiss.NewDecoder(kiss.DefaultMaxFrame, b.log)
	var raw kiss.RawAccumulator
	buf := make([]byte, 1024)

	for {
		select {
		case <-b.t.Dying():
			return nil
		default:
		}

		n, err := b.dev.ReadChunk(buf)
		if err != nil {
			b.log.Error("serial read failed, tearing down", "device", b.dev.Path(), "err", err)
			return err
		}
		if n == 0 {
			continue // timeout yield
		}
		data := buf[:n]

		if b.cfg.RawCopy {
			b.rawToNet(append([]byte(nil), data...))
			continue
		}

		if b.cfg.PhilFlag {
			// The TNC forgets to stuff FEND, so frames close only on a
			// burst-final FEND and bare delimiters inside are repaired.
			if body := raw.Feed(data); body != nil {
				b.fromSerial(kiss.Unstuff(kiss.CorrectToNet(body)))
			}
			continue
		}

		for _, f := range dec.Feed(data) {
			b.fromSerial(f)
		}
	}
}

// peerReader pumps the serial-to-serial destination device back toward
// the source.
func (b *Bridge) peerReader() error {
	dec := kiss.NewDecoder(kiss.DefaultMaxFrame, b.log)
	buf := make([]byte, 1024)

	for {
		select {
		case <-b.t.Dying():
			return nil
		default:
		}

		n, err := b.peer.ReadChunk(buf)
		if err != nil {
			b.log.Error("serial read failed, tearing down", "device", b.peer.Path(), "err", err)
			return err
		}
		if n == 0 {
			continue
		}
		data := buf[:n]

		if b.cfg.RawCopy {
			if err := b.dev.WriteFrame(append([]byte(nil), data...)); err != nil {
				return err
			}
			continue
		}

		for _, f := range dec.Feed(data) {
			b.fromPeer(f)
		}
	}
}

/*
 * Frame paths.
 */

// fromSerial carries one reassembled frame from the TNC toward the
// network destinations.
func (b *Bridge) fromSerial(frame []byte) {
	if len(frame) == 0 {
		return
	}
	b.framesIn.Add(1)
	b.diagnose("tnc", frame)

	// On a shared device this bridge only owns its channel.
	if b.dev.Shared() && int(kiss.Channel(frame[0])) != b.cfg.serialChannel() {
		return
	}

	// XKISS peers speak on their own port and may append a checksum;
	// translate onto the bridge's KISS port before any filtering.
	if b.cfg.XKISSMode {
		var err error
		frame, err = XKISSToKISS(frame, b.cfg.KISSPort, b.cfg.XKISSChecksum)
		if err != nil {
			b.drops.Add(1)
			b.log.Warn("dropping frame from tnc", "err", err)
			return
		}
	}

	if b.cfg.KISSChan >= 0 {
		var ok bool
		frame, ok = kiss.FilterToClient(frame, b.cfg.KISSChan)
		if !ok {
			b.drops.Add(1)
			return
		}
	} else {
		frame = append([]byte(nil), frame...)
		frame[0] = kiss.WithChannel(frame[0], byte(b.cfg.KISSPort))
	}

	if b.poll != nil {
		if dropped := b.poll.push(frame); dropped > 0 {
			b.drops.Add(uint64(dropped))
			b.log.Warn("poll buffer overflow", "err", ErrBufferOverflow, "dropped", dropped)
		}
		return
	}
	b.deliverToNet(frame)
}

// deliverToNet fans one frame out to every live network destination, the
// AGW server, and the capture sink.
func (b *Bridge) deliverToNet(frame []byte) {
	if kiss.Code(frame[0]) == kiss.CmdData && len(frame) > 1 {
		if b.capture != nil {
			b.capture(time.Now(), frame[1:])
		}
		if b.cfg.AGWEnable && b.agw != nil {
			b.agw.Deliver(b.cfg.AGWPort, frame[1:])
		}
	}

	if b.peer != nil {
		if err := b.peer.WriteFrame(kiss.EncapsulateFrame(frame)); err != nil {
			b.fatal(err)
			return
		}
		b.framesOut.Add(1)
		return
	}

	wire := kiss.EncapsulateFrame(frame)
	for i, s := range b.snapshotSlots() {
		if s == nil {
			continue
		}
		if err := s.write(wire); err != nil {
			b.log.Warn("client write failed, closing slot", "slot", i, "err", err)
			b.dropSlot(i, s)
			continue
		}
		s.exchanged.Store(true)
		b.framesOut.Add(1)
	}
}

// fromClient carries one frame from a network client toward the TNC (or,
// on a tcp-to-tcp bridge, toward the remote).
func (b *Bridge) fromClient(src *slot, frame []byte) {
	b.framesIn.Add(1)
	b.diagnose("client", frame)

	if code := kiss.Code(frame[0]); code != kiss.CmdData {
		b.log.Info("kiss command from client",
			"cmd", kiss.CodeName(code), "channel", kiss.Channel(frame[0]))
	}

	if b.cfg.KISSCopy {
		b.echo(src, frame)
	}

	if b.cfg.tcpToTCP() {
		out, ok := kiss.FilterToClient(frame, b.cfg.KISSChan)
		if !ok {
			b.drops.Add(1)
			return
		}
		dst := b.getOut()
		if dst == nil || dst == src {
			b.drops.Add(1)
			return
		}
		if err := dst.write(kiss.EncapsulateFrame(out)); err != nil {
			b.log.Warn("remote write failed", "err", err)
			dst.conn.Close()
			return
		}
		dst.exchanged.Store(true)
		b.framesOut.Add(1)
		return
	}

	if err := b.writeSerial(b.dev, b.toDeviceChannel(frame)); err != nil {
		b.fatal(err)
	}
}

// toDeviceChannel puts a network-side frame on the device-side channel:
// the kiss_chan remap when single-channel filtering is on, the bridge's
// serial port otherwise.
func (b *Bridge) toDeviceChannel(frame []byte) []byte {
	if b.cfg.KISSChan >= 0 {
		return kiss.RemapFromClient(frame, b.cfg.KISSChan)
	}
	return KISSToXKISS(frame, b.cfg.serialChannel(), false)
}

// fromPeer carries one frame from the destination serial device back to
// the source device.
func (b *Bridge) fromPeer(frame []byte) {
	if len(frame) == 0 {
		return
	}
	b.framesIn.Add(1)
	b.diagnose("peer", frame)

	if err := b.writeSerial(b.dev, b.toDeviceChannel(frame)); err != nil {
		b.fatal(err)
	}
}

// fromRemote carries one frame from the tcp-to-tcp dial side back to the
// server-side clients.
func (b *Bridge) fromRemote(frame []byte) {
	b.framesIn.Add(1)
	b.diagnose("remote", frame)

	frame = kiss.RemapFromClient(frame, b.cfg.KISSChan)
	wire := kiss.EncapsulateFrame(frame)
	for i, s := range b.snapshotSlots() {
		if s == nil {
			continue
		}
		if err := s.write(wire); err != nil {
			b.log.Warn("client write failed, closing slot", "slot", i, "err", err)
			b.dropSlot(i, s)
			continue
		}
		b.framesOut.Add(1)
	}
}

// echo copies a client's frame to every other client on the same side.
func (b *Bridge) echo(src *slot, frame []byte) {
	wire := kiss.EncapsulateFrame(frame)
	for i, s := range b.snapshotSlots() {
		if s == nil || s == src {
			continue
		}
		if err := s.write(wire); err != nil {
			b.log.Warn("echo write failed, closing slot", "slot", i, "err", err)
			b.dropSlot(i, s)
			continue
		}
		b.framesOut.Add(1)
	}
}

// rawToNet copies raw serial bytes verbatim to the network side.
func (b *Bridge) rawToNet(data []byte) {
	if b.peer != nil {
		if err := b.peer.WriteFrame(data); err != nil {
			b.fatal(err)
		}
		return
	}
	for i, s := range b.snapshotSlots() {
		if s == nil {
			continue
		}
		if err := s.write(data); err != nil {
			b.dropSlot(i, s)
		}
	}
}

// writeSerial frames and writes one frame to a serial handle, applying
// reframing, the XKISS checksum and the escape corrections on the way.
// The caller has already put the frame on the device channel.
func (b *Bridge) writeSerial(dst serialHandle, frame []byte) error {
	pieces := [][]byte{frame}
	if b.cfg.PhilFlag && b.cfg.ReframeLargePackets {
		pieces = b.reframe(frame)
	}

	for _, f := range pieces {
		if b.cfg.XKISSMode && b.cfg.XKISSChecksum {
			f = kiss.AppendChecksum(f)
		}
		body := kiss.Stuff(f)
		if b.cfg.PhilFlag {
			body = kiss.CorrectToSerial(body)
		}
		wire := make([]byte, 0, len(body)+2)
		wire = append(wire, kiss.FEND)
		wire = append(wire, body...)
		wire = append(wire, kiss.FEND)

		if err := dst.WriteFrame(wire); err != nil {
			return err
		}
		b.framesOut.Add(1)
	}
	return nil
}

// reframe splits an oversized data frame's information field so every
// corrected wire frame fits the TNC buffer. Headers are repeated; no
// reassembly marks are added.
func (b *Bridge) reframe(frame []byte) [][]byte {
	if kiss.Code(frame[0]) != kiss.CmdData || b.wireLen(frame) <= tncWireLimit {
		return [][]byte{frame}
	}
	h, err := ax25.Parse(frame[1:])
	if err != nil {
		return [][]byte{frame}
	}
	info := h.Info(frame[1:])
	if len(info) == 0 {
		return [][]byte{frame}
	}
	head := frame[:1+h.Len]

	budget := reframeTarget - len(head)
	if budget < 16 {
		budget = 16
	}

	var out [][]byte
	for len(info) > 0 {
		n := min(budget, len(info))
		piece := append(append([]byte(nil), head...), info[:n]...)
		// Stuffing and correction can grow a piece; shorten it until the
		// corrected wire frame is within the target.
		for n > 1 && b.wireLen(piece) > reframeTarget {
			n--
			piece = piece[:len(head)+n]
		}
		out = append(out, piece)
		info = info[n:]
	}
	return out
}

func (b *Bridge) wireLen(frame []byte) int {
	body := kiss.Stuff(frame)
	if b.cfg.PhilFlag {
		body = kiss.CorrectToSerial(body)
	}
	return len(body) + 2
}

// pollLoop drains the XKISS receive buffer on its timer.
func (b *Bridge) pollLoop() error {
	ticker := time.NewTicker(time.Duration(b.cfg.XKISSPollTimerMS) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-b.t.Dying():
			return nil
		case <-ticker.C:
			for _, f := range b.poll.drain() {
				b.deliverToNet(f)
			}
		}
	}
}

// fatal records a source-endpoint failure: every client of this bridge is
// torn down with it.
func (b *Bridge) fatal(err error) {
	b.log.Error("source endpoint failed, tearing down", "err", err)
	b.t.Kill(err)
}

// TransmitRaw injects raw AX.25 bytes from the AGW server for
// transmission on this bridge's TNC.
func (b *Bridge) TransmitRaw(data []byte) error {
	frame := make([]byte, 0, len(data)+1)
	frame = append(frame, kiss.WithChannel(kiss.CmdData, byte(b.cfg.serialChannel())))
	frame = append(frame, data...)

	if b.dev != nil {
		return b.writeSerial(b.dev, frame)
	}
	if dst := b.getOut(); dst != nil {
		if err := dst.write(kiss.EncapsulateFrame(frame)); err != nil {
			return err
		}
		b.framesOut.Add(1)
		return nil
	}
	return ErrPeerDisconnected
}

// diagnose emits the configured per-frame debugging output.
func (b *Bridge) diagnose(dir string, frame []byte) {
	if b.cfg.ParseKISS {
		b.log.Debug("kiss frame", "from", dir,
			"channel", kiss.Channel(frame[0]), "cmd", kiss.CodeName(kiss.Code(frame[0])), "len", len(frame))
	}
	if b.cfg.DumpAX25 && kiss.Code(frame[0]) == kiss.CmdData && len(frame) > 1 {
		if h, err := ax25.Parse(frame[1:]); err == nil {
			b.log.Debug("ax.25", "from", dir, "src", h.Src, "dst", h.Dest, "via", len(h.Digis))
		}
	}
	if b.cfg.Dump {
		b.log.Debug("frame dump", "from", dir, "hex", "\n"+hex.Dump(frame))
	}
}
