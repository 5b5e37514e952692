package frames

// FrameBuffer pairs consecutive chunks into one frame of twice the chunk
// length. It is not safe for concurrent use.
type FrameBuffer struct {
	buf      []byte
	chunkLen int
	halfFull bool
}

func NewFrameBuffer() *FrameBuffer {
	return &FrameBuffer{}
}

// Accumulate copies chunk into the buffer. It returns the completed frame and
// true on every second chunk. Zero-length chunks are ignored. A chunk whose
// length differs from the previous one discards any pending half and starts a
// new frame sized for the new length.
func (b *FrameBuffer) Accumulate(chunk []byte) ([]byte, bool) {
	n := len(chunk)
	if n == 0 {
		return nil, false
	}
	if n != b.chunkLen || b.buf == nil {
		b.chunkLen = n
		b.buf = make([]byte, 2*n)
		b.halfFull = false
	}
	if !b.halfFull {
		copy(b.buf[:n], chunk)
		b.halfFull = true
		return nil, false
	}
	copy(b.buf[n:], chunk)
	out := b.buf
	b.buf = make([]byte, 2*n)
	b.halfFull = false
	return out, true
}

// HalfFull reports whether a first half is waiting for its pair.
func (b *FrameBuffer) HalfFull() bool { return b.halfFull }

// ChunkLen is the chunk length the buffer is currently sized for.
func (b *FrameBuffer) ChunkLen() int { return b.chunkLen }

// Reset drops any pending half.
func (b *FrameBuffer) Reset() {
	b.halfFull = false
	if b.buf != nil {
		b.buf = make([]byte, 2*b.chunkLen)
	}
}
