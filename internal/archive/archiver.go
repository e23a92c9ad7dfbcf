// internal/archive/archiver.go
package archive

import (
	"context"
	"fmt"
	"sync/atomic"

	"trafficwatch/internal/metrics"
	"trafficwatch/internal/model"

	"github.com/rs/zerolog/log"
)

// Uploader puts an in-memory object. *S3Uploader satisfies it.
type Uploader interface {
	UploadBytesWithRetryCtx(ctx context.Context, key string, body []byte) error
}

// Archiver
// ------------------------------------------------------------
// Exports batches of stored events to object storage:
//
//  1. encode the batch as gzip JSONL
//  2. upload under <prefix>/dt=/hr=/ of the export time (job.Until)
//  3. on failure keep the batch in the local spool
//  4. after a successful upload, or for an empty job, re-upload up to
//     drainPerTick spooled files so the backlog shrinks once the bucket
//     is reachable again
//
// Archive is called synchronously from the periodic digest tick, after
// the digest is enqueued. Returning nil means the batch is safe (in the
// bucket or in the spool) and the caller may move past it.
type Archiver struct {
	instanceID string
	prefix     string
	metrics    *metrics.Metrics

	encoder  *Encoder
	uploader Uploader
	spool    *Spool
}

const drainPerTick = 3

// New wires an archiver. spool may be nil (failed batches are then lost).
func New(instanceID, prefix string, uploader Uploader, spool *Spool, m *metrics.Metrics) *Archiver {
	if m == nil {
		m = metrics.New()
	}
	return &Archiver{
		instanceID: instanceID,
		prefix:     prefix,
		metrics:    m,
		encoder:    NewEncoder(),
		uploader:   uploader,
		spool:      spool,
	}
}

// Archive exports job. The returned error reports only failures that
// lost data (encode failure, spool write failure).
func (a *Archiver) Archive(ctx context.Context, job model.ArchiveJob) error {
	if len(job.Events) == 0 {
		a.drainSpool(ctx)
		return nil
	}

	data, err := a.encoder.EncodeJSONLGZ(job.Events)
	if err != nil {
		return fmt.Errorf("archive encode %d events: %w", len(job.Events), err)
	}

	name := NewFilename(a.instanceID, job.Until)
	key := BuildKey(a.prefix, job.Until, name)

	if err := a.uploader.UploadBytesWithRetryCtx(ctx, key, data); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("archive upload failed, spooling")
		if a.spool == nil {
			return fmt.Errorf("archive upload %s: %w", key, err)
		}
		if err2 := a.spool.Save(name, data, len(job.Events)); err2 != nil {
			return fmt.Errorf("archive spool: %w", err2)
		}
		return nil
	}

	atomic.AddInt64(&a.metrics.ArchiveEventsStoredTotal, int64(len(job.Events)))
	log.Info().Str("key", key).Int("events", len(job.Events)).Msg("window archived")

	a.drainSpool(ctx)
	return nil
}

func (a *Archiver) drainSpool(ctx context.Context) {
	if a.spool == nil {
		return
	}
	for i := 0; i < drainPerTick; i++ {
		if !a.spool.ProcessOneCtx(ctx) {
			return
		}
	}
}
