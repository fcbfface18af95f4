package relay

import "sync"

// DefaultBufferSize bounds a single body copy step.
const DefaultBufferSize = 16 * 1024

var bufferPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, DefaultBufferSize)
		return &buf
	},
}

// getBuffer returns a pooled buffer of at least size bytes. Sizes other than
// the default are allocated fresh and never pooled.
func getBuffer(size int) *[]byte {
	if size <= 0 || size == DefaultBufferSize {
		return bufferPool.Get().(*[]byte)
	}
	buf := make([]byte, size)
	return &buf
}

func putBuffer(buf *[]byte) {
	if buf != nil && len(*buf) == DefaultBufferSize {
		bufferPool.Put(buf)
	}
}
