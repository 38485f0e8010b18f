package kiss

// Single-channel filtering for legacy applications that expect the whole
// stream on channel 0. A configured channel of -1 disables both directions.

// FilterToClient applies the TNC-to-client filter. Frames on any other
// channel are dropped; accepted frames are rewritten onto channel 0.
func FilterToClient(frame []byte, channel int) ([]byte, bool) {
	if channel < 0 || len(frame) == 0 {
		return frame, true
	}
	if int(Channel(frame[0])) != channel {
		return nil, false
	}
	out := append([]byte(nil), frame...)
	out[0] = WithChannel(out[0], 0)
	return out, true
}

// RemapFromClient applies the client-to-TNC remap: a channel-0 frame is
// rewritten onto the configured channel. Other channels pass unchanged.
func RemapFromClient(frame []byte, channel int) []byte {
	if channel < 0 || len(frame) == 0 || Channel(frame[0]) != 0 {
		return frame
	}
	out := append([]byte(nil), frame...)
	out[0] = WithChannel(out[0], byte(channel))
	return out
}
