package bridge

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparques/kisscross/kiss"
)

// fakeSerial stands in for a device.Device: reads come from a channel,
// writes collect for inspection.
type fakeSerial struct {
	reads  chan []byte
	shared bool

	mu     sync.Mutex
	writes [][]byte
}

func newFakeSerial() *fakeSerial {
	return &fakeSerial{reads: make(chan []byte, 16)}
}

func (f *fakeSerial) ReadChunk(p []byte) (int, error) {
	select {
	case data, ok := <-f.reads:
		if !ok {
			return 0, io.EOF
		}
		return copy(p, data), nil
	case <-time.After(5 * time.Millisecond):
		return 0, nil // timeout yield
	}
}

func (f *fakeSerial) WriteFrame(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, append([]byte(nil), p...))
	return nil
}

func (f *fakeSerial) written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.writes...)
}

func (f *fakeSerial) Shared() bool { return f.shared }
func (f *fakeSerial) Path() string { return "/dev/fake" }

// newTestBridge builds a bridge around a fake device without touching the
// device manager. A zero KISSChan means "no filter" here; tests for the
// channel-0 filter set it explicitly.
func newTestBridge(cfg CrossConnect, dev serialHandle) *Bridge {
	if cfg.SerialPort == "" {
		cfg.SerialPort = "/dev/fake"
	}
	cfg.ApplyDefaults()
	if cfg.KISSChan == 0 {
		cfg.KISSChan = -1
	}
	return &Bridge{
		cfg:   cfg,
		dev:   dev,
		log:   log.New(io.Discard),
		slots: make([]*slot, cfg.MaxTCPClients),
	}
}

// readFrames decodes everything arriving on c into out.
func readFrames(c net.Conn, out chan<- []byte) {
	dec := kiss.NewDecoder(0, nil)
	buf := make([]byte, 1024)
	for {
		n, err := c.Read(buf)
		if err != nil {
			return
		}
		for _, f := range dec.Feed(buf[:n]) {
			out <- f
		}
	}
}

func recvFrame(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame arrived")
		return nil
	}
}

func TestFanOutSurvivesDeadClient(t *testing.T) {
	fs := newFakeSerial()
	b := newTestBridge(CrossConnect{ID: 1}, fs)

	outs := make([]chan []byte, 3)
	for i := 0; i < 3; i++ {
		near, far := net.Pipe()
		b.slots[i] = &slot{conn: near}
		outs[i] = make(chan []byte, 4)
		go readFrames(far, outs[i])
		if i == 1 {
			far.Close() // client 1 is already gone when the frame arrives
		}
	}

	frame := []byte{0x00, 0x41, 0x42}
	b.fromSerial(frame)

	// Clients 0 and 2 still receive a byte-identical copy.
	assert.Equal(t, frame, recvFrame(t, outs[0]))
	assert.Equal(t, frame, recvFrame(t, outs[2]))

	// Client 1's slot is reclaimed; the bridge keeps running.
	b.slotMu.Lock()
	assert.Nil(t, b.slots[1])
	b.slotMu.Unlock()

	b.fromSerial(frame)
	assert.Equal(t, frame, recvFrame(t, outs[0]))
}

func TestFanOutPreservesOrder(t *testing.T) {
	fs := newFakeSerial()
	b := newTestBridge(CrossConnect{ID: 1}, fs)

	near, far := net.Pipe()
	b.slots[0] = &slot{conn: near}
	out := make(chan []byte, 16)
	go readFrames(far, out)

	for i := byte(0); i < 10; i++ {
		b.fromSerial([]byte{0x00, i})
	}
	for i := byte(0); i < 10; i++ {
		assert.Equal(t, []byte{0x00, i}, recvFrame(t, out))
	}
}

func TestChannelFilterAndRemap(t *testing.T) {
	fs := newFakeSerial()
	b := newTestBridge(CrossConnect{ID: 1, KISSChan: 3}, fs)

	near, far := net.Pipe()
	b.slots[0] = &slot{conn: near}
	out := make(chan []byte, 4)
	go readFrames(far, out)

	// Channel 3 passes, rewritten to channel 0; channel 2 is dropped.
	b.fromSerial([]byte{0x20, 0x41})
	b.fromSerial([]byte{0x30, 0x41})
	assert.Equal(t, []byte{0x00, 0x41}, recvFrame(t, out))
	assert.Equal(t, uint64(1), b.drops.Load())

	// The reverse direction lifts channel 0 back onto channel 3.
	b.fromClient(b.slots[0], []byte{0x00, 0x42})
	writes := fs.written()
	require.Len(t, writes, 1)
	frames := kiss.NewDecoder(0, nil).Feed(writes[0])
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{0x30, 0x42}, frames[0])
}

func TestSharedDeviceChannelOwnership(t *testing.T) {
	fs := newFakeSerial()
	fs.shared = true
	b := newTestBridge(CrossConnect{ID: 1, KISSPort: 2}, fs)

	near, far := net.Pipe()
	b.slots[0] = &slot{conn: near}
	out := make(chan []byte, 4)
	go readFrames(far, out)

	b.fromSerial([]byte{0x10, 0x41}) // another bridge's channel
	b.fromSerial([]byte{0x20, 0x42}) // ours
	assert.Equal(t, []byte{0x20, 0x42}, recvFrame(t, out))
	assert.Equal(t, uint64(2), b.framesIn.Load())
}

func TestWriteSerialPhilFlag(t *testing.T) {
	fs := newFakeSerial()
	b := newTestBridge(CrossConnect{ID: 1, PhilFlag: true}, fs)

	// "TC0\n" toward the TNC gets its C escaped on the wire.
	require.NoError(t, b.writeSerial(b.dev, []byte{0x00, 0x54, 0x43, 0x30, 0x0A}))

	writes := fs.written()
	require.Len(t, writes, 1)
	assert.Equal(t, []byte{0xC0, 0x00, 0x54, 0xDB, 0x43, 0x30, 0x0A, 0xC0}, writes[0])
}

func TestWriteSerialXKISSChecksum(t *testing.T) {
	fs := newFakeSerial()
	b := newTestBridge(CrossConnect{ID: 1, XKISSMode: true, XKISSPort: 5, XKISSChecksum: true}, fs)

	b.fromClient(nil, []byte{0x00, 0x01, 0x02})

	writes := fs.written()
	require.Len(t, writes, 1)
	frames := kiss.NewDecoder(0, nil).Feed(writes[0])
	require.Len(t, frames, 1)

	// Channel moved to the XKISS port, checksum appended.
	body, err := kiss.VerifyChecksum(frames[0])
	require.NoError(t, err)
	assert.Equal(t, []byte{0x50, 0x01, 0x02}, body)
}

func TestPhilFlagSerialReadRepairsBareFEND(t *testing.T) {
	fs := newFakeSerial()
	b := newTestBridge(CrossConnect{ID: 1, PhilFlag: true}, fs)

	near, far := net.Pipe()
	b.slots[0] = &slot{conn: near}
	out := make(chan []byte, 4)
	go readFrames(far, out)

	b.t.Go(b.serialReader)
	defer func() {
		b.t.Kill(nil)
		near.Close()
		b.t.Wait()
	}()

	// One burst with a bare FEND inside: repaired, not split.
	fs.reads <- []byte{0xC0, 0x00, 0x41, 0xC0, 0x42, 0xC0}
	assert.Equal(t, []byte{0x00, 0x41, 0xC0, 0x42}, recvFrame(t, out))
}

func TestReframeSplitsLargeDataFrames(t *testing.T) {
	fs := newFakeSerial()
	b := newTestBridge(CrossConnect{ID: 1, PhilFlag: true, ReframeLargePackets: true}, fs)

	// A UI frame with a 600-byte information field.
	var raw []byte
	addr := func(call string, ssid int, last bool) []byte {
		a := make([]byte, 7)
		for i := 0; i < 6; i++ {
			c := byte(' ')
			if i < len(call) {
				c = call[i]
			}
			a[i] = c << 1
		}
		a[6] = 0x60 | byte(ssid)<<1
		if last {
			a[6] |= 0x01
		}
		return a
	}
	raw = append(raw, addr("APRS", 0, false)...)
	raw = append(raw, addr("N0CALL", 1, true)...)
	raw = append(raw, 0x03, 0xF0)
	head := len(raw)
	for i := 0; i < 600; i++ {
		raw = append(raw, byte('a'+i%26))
	}
	frame := append([]byte{0x00}, raw...)

	require.NoError(t, b.writeSerial(b.dev, frame))

	writes := fs.written()
	require.Greater(t, len(writes), 1)

	var info []byte
	for _, w := range writes {
		assert.LessOrEqual(t, len(w), tncWireLimit)
		frames := kiss.NewDecoder(0, nil).Feed(w)
		require.Len(t, frames, 1)
		// Every piece repeats the address/control/PID header.
		assert.Equal(t, frame[:1+head], frames[0][:1+head])
		info = append(info, frames[0][1+head:]...)
	}
	assert.Equal(t, raw[head:], info)
}

func TestKissCopyEchoesToOtherClients(t *testing.T) {
	fs := newFakeSerial()
	b := newTestBridge(CrossConnect{ID: 1, KISSCopy: true}, fs)

	outs := make([]chan []byte, 2)
	for i := 0; i < 2; i++ {
		near, far := net.Pipe()
		b.slots[i] = &slot{conn: near}
		outs[i] = make(chan []byte, 4)
		go readFrames(far, outs[i])
	}

	frame := []byte{0x00, 0x41}
	b.fromClient(b.slots[0], frame)

	// The other client hears the echo; the originator does not.
	assert.Equal(t, frame, recvFrame(t, outs[1]))
	select {
	case f := <-outs[0]:
		t.Fatalf("originator got its own frame back: %x", f)
	case <-time.After(50 * time.Millisecond):
	}

	// And the frame still reached the TNC.
	require.Len(t, fs.written(), 1)
}

func TestTCPToTCPGate(t *testing.T) {
	cfg := CrossConnect{
		ID:                1,
		TCPToTCPDangerous: true,
		TCPAddress:        "127.0.0.1",
		TCPPort:           9,
		BindAddresses:     []string{"127.0.0.1:0"},
	}
	cfg.ApplyDefaults()
	b := &Bridge{cfg: cfg, log: log.New(io.Discard), slots: make([]*slot, cfg.MaxTCPClients)}
	b.cfg.KISSChan = -1

	outNear, outFar := net.Pipe()
	b.out = &slot{conn: outNear}
	got := make(chan []byte, 4)
	go readFrames(outFar, got)

	clientNear, clientFar := net.Pipe()
	s := &slot{conn: clientNear}
	b.slotMu.Lock()
	b.slots[0] = s
	b.slotMu.Unlock()

	done := make(chan struct{})
	go func() {
		b.connReader("client 0", s, func(f []byte) { b.fromClient(s, f) })
		close(done)
	}()

	// Arbitrary non-KISS traffic is dropped with a warning.
	_, err := clientFar.Write([]byte("GET / HTTP/1.0\r\n"))
	require.NoError(t, err)

	// Well-formed KISS goes through.
	_, err = clientFar.Write(kiss.Encapsulate(0x00, []byte{0x41}))
	require.NoError(t, err)

	assert.Equal(t, []byte{0x00, 0x41}, recvFrame(t, got))
	assert.Equal(t, uint64(1), b.drops.Load())

	clientFar.Close()
	<-done
}

func TestValidateRejections(t *testing.T) {
	base := func() CrossConnect {
		cfg := CrossConnect{ID: 1, SerialPort: "/dev/ttyUSB0", TCPMode: TCPServer, BindAddresses: []string{":8001"}, KISSChan: -1}
		cfg.ApplyDefaults()
		return cfg
	}

	ok := base()
	assert.NoError(t, ok.Validate())

	bad := base()
	bad.KISSPort = 16
	assert.ErrorIs(t, bad.Validate(), ErrConfigInvalid)

	bad = base()
	bad.AGWPort = 256
	assert.ErrorIs(t, bad.Validate(), ErrConfigInvalid)

	bad = base()
	bad.XKISSPolling = true
	bad.XKISSRXBufferSize = 1024 // below the floor
	assert.ErrorIs(t, bad.Validate(), ErrConfigInvalid)

	bad = base()
	bad.SerialPort = ""
	bad.TCPAddress = "10.0.0.1"
	bad.TCPPort = 8001
	assert.ErrorIs(t, bad.Validate(), ErrConfigInvalid) // missing danger flag

	bad.TCPToTCPDangerous = true
	assert.NoError(t, bad.Validate())
}
