package kiss

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestEncapsulateDecodeRoundtrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var cmd = rapid.Byte().Draw(t, "cmd")
		var payload = rapid.SliceOf(rapid.Byte()).Draw(t, "payload")

		var wire = Encapsulate(cmd, payload)
		var frames = NewDecoder(0, nil).Feed(wire)

		require.Len(t, frames, 1)
		assert.Equal(t, cmd, frames[0][0])
		assert.True(t, bytes.Equal(payload, frames[0][1:]))
	})
}

func TestEncapsulateStuffing(t *testing.T) {
	// Payload C0 42 DB 17 must come out as DB DC 42 DB DD 17 on the wire.
	var wire = Encapsulate(0x00, []byte{0xC0, 0x42, 0xDB, 0x17})
	assert.Equal(t, []byte{0xC0, 0x00, 0xDB, 0xDC, 0x42, 0xDB, 0xDD, 0x17, 0xC0}, wire)

	var frames = NewDecoder(0, nil).Feed(wire)
	require.Len(t, frames, 1)
	assert.Equal(t, byte(0x00), frames[0][0])
	assert.Equal(t, []byte{0xC0, 0x42, 0xDB, 0x17}, frames[0][1:])
}

func TestEncapsulateFENDCommandByte(t *testing.T) {
	// A command byte of FEND is impossible in valid KISS but must still
	// be emitted stuffed.
	var wire = Encapsulate(FEND, nil)
	assert.Equal(t, []byte{FEND, FESC, TFEND, FEND}, wire)
}

func TestStuffUnstuffRoundtrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var in = rapid.SliceOf(rapid.Byte()).Draw(t, "in")
		assert.True(t, bytes.Equal(in, Unstuff(Stuff(in))))
	})
}

func TestStuffNeverContainsBareFEND(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var in = rapid.SliceOf(rapid.Byte()).Draw(t, "in")
		assert.NotContains(t, Stuff(in), byte(FEND))
	})
}

func TestCommandByteHelpers(t *testing.T) {
	assert.Equal(t, byte(3), Channel(0x30))
	assert.Equal(t, byte(0), Code(0x30))
	assert.Equal(t, byte(6), Code(0x36))
	assert.Equal(t, byte(0x50), WithChannel(0x30, 5))
	assert.Equal(t, byte(0x5F), WithChannel(0x0F, 5))
	assert.Equal(t, "Data", CodeName(CmdData))
	assert.Equal(t, "Return", CodeName(CmdReturn))
}
