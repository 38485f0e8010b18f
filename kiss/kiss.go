// Package kiss implements the KISS TNC framing protocol: byte stuffing,
// stream reassembly, the XKISS checksum extension, channel filtering, and
// the bidirectional escape corrections needed by some defective TNC
// firmware.
package kiss

import (
	"bytes"
	"errors"
)

const (
	FEND  = 0xC0 // Frame delimiter
	FESC  = 0xDB // Escape character
	TFEND = 0xDC // Transposed FEND
	TFESC = 0xDD // Transposed FESC
)

// Command codes carried in the low nybble of the command byte. The high
// nybble is the channel (0-15).
const (
	CmdData        = 0x0
	CmdTXDelay     = 0x1
	CmdPersistence = 0x2
	CmdSlotTime    = 0x3
	CmdTXTail      = 0x4
	CmdFullDuplex  = 0x5
	CmdSetHardware = 0x6
	CmdReturn      = 0xF
)

const (
	// DefaultMaxFrame is the reassembly limit when none is configured.
	DefaultMaxFrame = 4096

	// MinBuffer and MaxBuffer bound the configurable buffer sizes.
	MinBuffer = 4096
	MaxBuffer = 1048576
)

var (
	ErrInvalidChannel = errors.New("invalid channel: must be 0-15")
	ErrFrameOverflow  = errors.New("frame exceeded maximum length before closing FEND")
	ErrFrameMalformed = errors.New("FESC not followed by TFEND or TFESC")
	ErrChecksum       = errors.New("xkiss checksum mismatch")
)

var cmdNames = [16]string{
	"Data", "TXDelay", "Persistence", "SlotTime",
	"TXTail", "FullDuplex", "SetHardware", "Invalid 7",
	"Invalid 8", "Invalid 9", "Invalid 10", "Invalid 11",
	"Invalid 12", "Invalid 13", "Invalid 14", "Return",
}

// Channel returns the channel from a command byte.
func Channel(cmd byte) byte { return cmd >> 4 }

// Code returns the command code from a command byte.
func Code(cmd byte) byte { return cmd & 0x0F }

// WithChannel returns cmd with the channel nybble replaced by ch.
func WithChannel(cmd, ch byte) byte { return ch<<4 | cmd&0x0F }

// CodeName returns a printable name for a command code.
func CodeName(code byte) string { return cmdNames[code&0x0F] }

// Stuff applies KISS byte stuffing to frame without adding delimiters.
// The command byte, if present, is stuffed like any other byte.
func Stuff(frame []byte) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, len(frame)+2))
	for _, b := range frame {
		switch b {
		case FEND:
			buf.Write([]byte{FESC, TFEND})
		case FESC:
			buf.Write([]byte{FESC, TFESC})
		default:
			buf.WriteByte(b)
		}
	}
	return buf.Bytes()
}

// Unstuff reverses Stuff. A FESC followed by anything other than TFEND or
// TFESC keeps the literal byte; a trailing FESC is dropped. Callers that
// care about such malformations use Decoder, which reports them.
func Unstuff(body []byte) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, len(body)))
	escaped := false
	for _, b := range body {
		if escaped {
			switch b {
			case TFEND:
				buf.WriteByte(FEND)
			case TFESC:
				buf.WriteByte(FESC)
			default:
				buf.WriteByte(b)
			}
			escaped = false
			continue
		}
		if b == FESC {
			escaped = true
			continue
		}
		buf.WriteByte(b)
	}
	return buf.Bytes()
}

// Encapsulate wraps a command byte and payload in KISS framing:
// FEND, stuffed command byte, stuffed payload, FEND.
func Encapsulate(cmd byte, payload []byte) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, len(payload)+4))
	buf.WriteByte(FEND)
	buf.Write(Stuff([]byte{cmd}))
	buf.Write(Stuff(payload))
	buf.WriteByte(FEND)
	return buf.Bytes()
}

// EncapsulateFrame is Encapsulate for a frame already carrying its command
// byte at index 0.
func EncapsulateFrame(frame []byte) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, len(frame)+3))
	buf.WriteByte(FEND)
	buf.Write(Stuff(frame))
	buf.WriteByte(FEND)
	return buf.Bytes()
}
