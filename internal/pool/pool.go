// Package pool recycles the copy buffers used to relay streaming response
// bodies, keeping per-chunk allocations off the dispatch hot path.
package pool

import (
	"sync"
)

// copyBufferSize fits typical SSE chunks with room to spare; larger reads
// still work, they just take more iterations.
const copyBufferSize = 32 * 1024

var copyBuffers = sync.Pool{
	New: func() any {
		buf := make([]byte, copyBufferSize)
		return &buf
	},
}

// GetCopyBuffer gets a relay buffer from the pool.
func GetCopyBuffer() *[]byte {
	return copyBuffers.Get().(*[]byte)
}

// PutCopyBuffer returns a relay buffer to the pool.
func PutCopyBuffer(buf *[]byte) {
	copyBuffers.Put(buf)
}
