package bridge

import "sync"

// pollBuffer is the XKISS polling receive buffer: frames read from the
// serial side wait here until the poll timer drains them. The budget is in
// bytes; when it is exceeded the oldest frames are dropped first.
type pollBuffer struct {
	mu     sync.Mutex
	frames [][]byte
	size   int
	limit  int
}

func newPollBuffer(limit int) *pollBuffer {
	return &pollBuffer{limit: limit}
}

// push appends frame and returns how many buffered frames were dropped to
// make room. A frame larger than the whole buffer is itself dropped.
func (p *pollBuffer) push(frame []byte) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(frame) > p.limit {
		return 1
	}

	p.frames = append(p.frames, frame)
	p.size += len(frame)

	dropped := 0
	for p.size > p.limit {
		p.size -= len(p.frames[0])
		p.frames = p.frames[1:]
		dropped++
	}
	return dropped
}

// drain removes and returns all buffered frames in FIFO order.
func (p *pollBuffer) drain() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	frames := p.frames
	p.frames = nil
	p.size = 0
	return frames
}
