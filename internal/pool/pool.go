// internal/pool/pool.go
package pool

import (
	"bytes"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// ---------------------------------------------------------------
// Pools
//
// The archiver compresses a whole export batch at once and the admin
// API reads small JSON bodies. Both reuse buffers instead of allocating
// per call.
// ---------------------------------------------------------------

var (
	// BodyPool:
	//   - admin API request bodies
	//   - 4KB initial capacity; bodies are one short JSON object
	BodyPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 4*1024))
		},
	}

	// BufferPool:
	//   - gzip output of one archive window
	//   - 256KB initial capacity, buffers above MaxBufferCap are not returned
	BufferPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 256*1024))
		},
	}

	// GzipPool:
	//   - gzip.Writer reuse (allocation is expensive)
	//   - BestSpeed: archiving runs on the digest tick and should be short
	GzipPool = sync.Pool{
		New: func() any {
			w, _ := gzip.NewWriterLevel(nil, gzip.BestSpeed)
			return w
		},
	}
)

// MaxBufferCap is the largest gzip buffer put back into BufferPool.
const MaxBufferCap = 1 * 1024 * 1024 // 1MB

// PutBody returns buf to BodyPool unless it grew beyond maxCap.
func PutBody(buf *bytes.Buffer, maxCap int64) {
	if int64(buf.Cap()) <= maxCap {
		buf.Reset()
		BodyPool.Put(buf)
	}
}

// PutBuffer returns buf to BufferPool when it is at most MaxBufferCap.
func PutBuffer(buf *bytes.Buffer) {
	if buf.Cap() <= MaxBufferCap {
		buf.Reset()
		BufferPool.Put(buf)
	}
}
