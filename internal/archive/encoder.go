// internal/archive/encoder.go
package archive

import (
	"bytes"

	"trafficwatch/internal/model"
	"trafficwatch/internal/pool"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
)

// Encoder serializes a window of events as gzip-compressed JSONL,
// one ConnectionEvent per line.
//
//   - goccy/go-json writes straight into the gzip writer
//   - gzip writers and output buffers come from internal/pool
//   - the result is copied out, the pooled buffer is never returned
type Encoder struct{}

func NewEncoder() *Encoder {
	return &Encoder{}
}

// EncodeJSONLGZ returns the compressed batch owned by the caller.
func (e *Encoder) EncodeJSONLGZ(events []model.ConnectionEvent) ([]byte, error) {
	buf := pool.BufferPool.Get().(*bytes.Buffer)
	buf.Reset()

	gz := pool.GzipPool.Get().(*gzip.Writer)
	gz.Reset(buf)

	enc := json.NewEncoder(gz)
	for i := range events {
		if err := enc.Encode(&events[i]); err != nil {
			_ = gz.Close()
			pool.GzipPool.Put(gz)
			pool.PutBuffer(buf)
			return nil, err
		}
	}

	// Close writes the gzip footer
	if err := gz.Close(); err != nil {
		pool.GzipPool.Put(gz)
		pool.PutBuffer(buf)
		return nil, err
	}
	pool.GzipPool.Put(gz)

	raw := buf.Bytes()
	data := make([]byte, len(raw))
	copy(data, raw)

	pool.PutBuffer(buf)
	return data, nil
}
