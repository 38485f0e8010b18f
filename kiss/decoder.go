package kiss

import (
	"io"

	"github.com/charmbracelet/log"
)

type decodeState int

const (
	stateIdle     decodeState = iota // awaiting opening FEND
	stateInFrame                     // collecting payload bytes
	stateEscaped                     // saw FESC, next must be TFEND or TFESC
	stateOverflow                    // frame too long, discarding until FEND
)

// Decoder reassembles KISS frames from an append-only byte stream. It never
// fails: malformed input produces best-effort output plus a diagnostic. One
// Decoder per direction per endpoint; not safe for concurrent use.
type Decoder struct {
	state decodeState
	buf   []byte
	max   int
	log   *log.Logger

	// Overflows counts frames discarded for exceeding the limit.
	Overflows uint64
	// Malformed counts FESC sequences recovered leniently.
	Malformed uint64
}

// NewDecoder returns a Decoder that discards frames longer than max bytes.
// max <= 0 selects DefaultMaxFrame. A nil logger silences diagnostics.
func NewDecoder(max int, logger *log.Logger) *Decoder {
	if max <= 0 {
		max = DefaultMaxFrame
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Decoder{max: max, log: logger}
}

// MidFrame reports whether the decoder is inside a partially received
// frame. Between frames it returns false.
func (d *Decoder) MidFrame() bool {
	return d.state == stateEscaped || len(d.buf) > 0
}

// Feed consumes p and returns the frames it completed, unstuffed and
// exclusive of delimiters, in arrival order. A frame's first byte is the
// command byte. Empty frames (doubled FENDs) yield nothing.
func (d *Decoder) Feed(p []byte) [][]byte {
	var frames [][]byte
	for _, b := range p {
		switch d.state {
		case stateIdle:
			// Everything ahead of the opening FEND is line noise.
			if b == FEND {
				d.buf = d.buf[:0]
				d.state = stateInFrame
			}

		case stateInFrame:
			switch b {
			case FEND:
				if len(d.buf) > 0 {
					frames = append(frames, append([]byte(nil), d.buf...))
					d.buf = d.buf[:0]
				}
				// Repeated FENDs start nothing; the next data byte does.
			case FESC:
				d.state = stateEscaped
			default:
				d.buf = append(d.buf, b)
			}

		case stateEscaped:
			switch b {
			case TFEND:
				d.buf = append(d.buf, FEND)
			case TFESC:
				d.buf = append(d.buf, FESC)
			default:
				// Lenient: keep the literal byte and carry on.
				d.Malformed++
				d.log.Debug("protocol error after FESC", "err", ErrFrameMalformed, "byte", b)
				d.buf = append(d.buf, b)
			}
			d.state = stateInFrame

		case stateOverflow:
			if b == FEND {
				d.buf = d.buf[:0]
				d.state = stateIdle
			}
		}

		if d.state != stateOverflow && len(d.buf) > d.max {
			d.Overflows++
			d.log.Warn("discarding oversized frame", "err", ErrFrameOverflow, "max", d.max)
			d.buf = d.buf[:0]
			d.state = stateOverflow
		}
	}
	return frames
}
