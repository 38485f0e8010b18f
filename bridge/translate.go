package bridge

import (
	"github.com/sparques/kisscross/kiss"
)

// Wire-format translation between plain KISS and Extended KISS. The two
// share their byte layout; translation rewrites the channel nybble per the
// cross-connect's port mapping and handles the optional trailing checksum.
// KISS/AGW translation lives with the AGW server, which owns the header
// format.

// KISSToXKISS rewrites an unstuffed KISS frame onto the XKISS port,
// appending the checksum byte when the peer expects one.
func KISSToXKISS(frame []byte, port int, checksum bool) []byte {
	if len(frame) == 0 {
		return frame
	}
	out := append([]byte(nil), frame...)
	out[0] = kiss.WithChannel(out[0], byte(port))
	if checksum {
		out = kiss.AppendChecksum(out)
	}
	return out
}

// XKISSToKISS rewrites an unstuffed XKISS frame onto the KISS port,
// verifying and stripping the trailing checksum when the peer sends one.
// A checksum mismatch returns kiss.ErrChecksum and the frame is to be
// dropped.
func XKISSToKISS(frame []byte, port int, checksum bool) ([]byte, error) {
	if len(frame) == 0 {
		return frame, nil
	}
	if checksum {
		var err error
		frame, err = kiss.VerifyChecksum(frame)
		if err != nil {
			return nil, err
		}
	}
	out := append([]byte(nil), frame...)
	out[0] = kiss.WithChannel(out[0], byte(port))
	return out, nil
}
