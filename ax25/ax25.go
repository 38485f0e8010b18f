// Package ax25 decodes just enough of an AX.25 frame to bridge it: the
// address block, control and PID bytes, and the information field. Frames
// are otherwise treated as opaque payload.
package ax25

import (
	"errors"
	"fmt"
	"strings"
)

const (
	addrLen  = 7
	maxDigis = 8

	// UI is the control byte of an unnumbered information frame, modulo
	// the poll/final bit.
	UI = 0x03
)

var (
	ErrTooShort   = errors.New("frame too short for an AX.25 address block")
	ErrNoAddrEnd  = errors.New("address block has no end-of-address bit")
	ErrTooManyVia = errors.New("more than 8 digipeater addresses")
)

// Address is one 7-byte AX.25 address field: a callsign of up to six
// characters and a 4-bit SSID.
type Address struct {
	Call string
	SSID int
}

// String formats the address as BASE-SSID, omitting a zero SSID.
func (a Address) String() string {
	if a.SSID != 0 {
		return fmt.Sprintf("%s-%d", a.Call, a.SSID)
	}
	return a.Call
}

func parseAddress(b []byte) Address {
	var sb strings.Builder
	for i := 0; i < addrLen-1; i++ {
		sb.WriteByte(b[i] >> 1)
	}
	return Address{
		Call: strings.TrimRight(sb.String(), " "),
		SSID: int(b[addrLen-1]>>1) & 0x0F,
	}
}

// Header is the fixed part of an AX.25 frame ahead of the information
// field.
type Header struct {
	Dest    Address
	Src     Address
	Digis   []Address
	Control byte
	PID     byte
	HasPID  bool

	// Len is the number of frame bytes the header occupies, through the
	// control byte and PID when present.
	Len int
}

// Parse decodes the address block, control byte and PID of raw. The
// information field is raw[h.Len:].
func Parse(raw []byte) (*Header, error) {
	if len(raw) < 2*addrLen+1 {
		return nil, ErrTooShort
	}

	h := &Header{
		Dest: parseAddress(raw[0:addrLen]),
		Src:  parseAddress(raw[addrLen : 2*addrLen]),
	}

	// Bit 0 of the last byte of an address marks the end of the block.
	i := 2 * addrLen
	for raw[i-1]&0x01 == 0 {
		if len(h.Digis) == maxDigis {
			return nil, ErrTooManyVia
		}
		if len(raw) < i+addrLen+1 {
			return nil, ErrNoAddrEnd
		}
		h.Digis = append(h.Digis, parseAddress(raw[i:i+addrLen]))
		i += addrLen
	}

	h.Control = raw[i]
	i++
	h.Len = i

	// I frames and UI frames carry a PID after the control byte.
	if h.Control&0x01 == 0 || h.Control&^0x10 == UI {
		if len(raw) > i {
			h.PID = raw[i]
			h.HasPID = true
			h.Len++
		}
	}

	return h, nil
}

// Info returns the information field of raw given its parsed header.
func (h *Header) Info(raw []byte) []byte {
	if h.Len >= len(raw) {
		return nil
	}
	return raw[h.Len:]
}
