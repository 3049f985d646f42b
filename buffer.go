package busio

const (
	defaultBufferSize = 64

	// The read size used when the transport cannot peek, and the capacity
	// the input buffer grows to after a single-byte peek overflowed.
	nonPeekSize = 100
)

// An inputBuffer is grow-only storage for incoming data. Each read
// transaction clears it, but its capacity is retained across transactions.
type inputBuffer struct {
	buf []byte
}

func newInputBuffer(size int) *inputBuffer {
	return &inputBuffer{buf: make([]byte, 0, size)}
}

func (b *inputBuffer) capacity() int { return cap(b.buf) }

// reserve clears b and ensures its capacity is at least n.
func (b *inputBuffer) reserve(n int) {
	if n > cap(b.buf) {
		b.buf = make([]byte, 0, n)
	}
	b.buf = b.buf[:0]
}

// chunk returns a slice of b of length n to read into, growing b if needed.
func (b *inputBuffer) chunk(n int) []byte {
	b.reserve(n)
	return b.buf[:n]
}
