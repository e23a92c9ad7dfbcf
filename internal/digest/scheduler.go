// internal/digest/scheduler.go
package digest

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"trafficwatch/internal/metrics"
	"trafficwatch/internal/model"
	"trafficwatch/internal/store"

	"github.com/rs/zerolog/log"
)

// Source is the part of the event store used by a tick. *store.Store
// satisfies it.
type Source interface {
	Summarize(ctx context.Context, since time.Time, maxGroups int) (store.Summary, error)
	EventsAfter(ctx context.Context, afterID int64, limit int) ([]model.ConnectionEvent, error)
	GetSetting(ctx context.Context, key, def string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}

// Notifier accepts rendered text for delivery without blocking.
type Notifier interface {
	Enqueue(kind model.MessageKind, text string) bool
}

// Archiver receives each export batch, including empty ones.
type Archiver interface {
	Archive(ctx context.Context, job model.ArchiveJob) error
}

// DefaultArchiveBatch bounds the events held in memory for one export.
const DefaultArchiveBatch = 50_000

// maxBatchesPerTick bounds one export; the rest waits for the next tick.
const maxBatchesPerTick = 10

// Options configures a Scheduler.
type Options struct {
	DefaultExpr  string        // used when the settings key is missing
	MaxGroups    int           // groups per digest, DefaultMaxGroups when <= 0
	StoreTimeout time.Duration // bound for each store call
	Archiver     Archiver      // optional
	ArchiveBatch int           // events per export object, DefaultArchiveBatch when <= 0
	Now          func() time.Time
}

// Scheduler
// ------------------------------------------------------------
// Emits a digest every interval and on demand.
//
// The interval is read from settings before each wait, so a change made
// at runtime applies from the next period on. An on-demand Trigger does
// not reset the periodic timer.
//
// A tick only reads the store and enqueues; it never blocks on delivery.
//
// Only periodic ticks export to the archiver, and they export by row id
// rather than by window: everything stored since the previous export.
// On-demand digests and interval changes therefore never upload an event
// twice or leave one out.
type Scheduler struct {
	src      Source
	notifier Notifier
	opts     Options
	metrics  *metrics.Metrics

	trigger chan struct{}
}

// New builds a Scheduler. m may be nil.
func New(src Source, n Notifier, opts Options, m *metrics.Metrics) *Scheduler {
	if opts.DefaultExpr == "" {
		opts.DefaultExpr = DefaultExpr
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	if opts.MaxGroups <= 0 {
		opts.MaxGroups = DefaultMaxGroups
	}
	if opts.ArchiveBatch <= 0 {
		opts.ArchiveBatch = DefaultArchiveBatch
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if m == nil {
		m = metrics.New()
	}
	return &Scheduler{
		src:      src,
		notifier: n,
		opts:     opts,
		metrics:  m,
		trigger:  make(chan struct{}, 1),
	}
}

// Interval returns the currently configured period.
func (s *Scheduler) Interval(ctx context.Context) Interval {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.StoreTimeout)
	defer cancel()

	expr, err := s.src.GetSetting(rctx, store.KeySummaryInterval, s.opts.DefaultExpr)
	if err != nil {
		log.Warn().Err(err).Msg("digest: reading interval failed, using default")
		expr = s.opts.DefaultExpr
	}

	iv := ParseInterval(expr)
	if iv.Fallback {
		log.Warn().Str("expr", expr).Str("using", iv.Expr).Msg("digest: invalid interval")
	}
	return iv
}

// Trigger requests an immediate tick. It never blocks; requests made
// while one is already pending are merged.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run ticks until ctx is cancelled. The first periodic tick happens one
// interval after start.
func (s *Scheduler) Run(ctx context.Context) {
	iv := s.Interval(ctx)
	timer := time.NewTimer(iv.Duration)
	defer timer.Stop()

	log.Info().Str("interval", iv.Expr).Msg("digest scheduler started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("digest scheduler stopped")
			return

		case <-s.trigger:
			if _, err := s.RunOnce(ctx); err != nil {
				log.Error().Err(err).Msg("on-demand digest failed")
			}

		case <-timer.C:
			if _, err := s.RunOnce(ctx); err != nil {
				log.Error().Err(err).Msg("digest tick failed")
			}
			if err := s.ArchiveOnce(ctx); err != nil {
				log.Error().Err(err).Msg("archive export failed")
			}
			iv = s.Interval(ctx)
			timer.Reset(iv.Duration)
		}
	}
}

// RunOnce builds and enqueues one digest synchronously. The grouping is
// done by the store, so the tick holds neither the window's rows nor the
// writer connection.
func (s *Scheduler) RunOnce(ctx context.Context) (Digest, error) {
	iv := s.Interval(ctx)
	since := s.opts.Now().UTC().Add(-iv.Duration)

	qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.StoreTimeout)
	sum, err := s.src.Summarize(qctx, since, s.opts.MaxGroups)
	cancel()
	if err != nil {
		return Digest{}, fmt.Errorf("digest: summarize: %w", err)
	}

	d := FromSummary(sum)
	if s.notifier.Enqueue(model.KindDigest, Render(iv, d)) {
		atomic.AddInt64(&s.metrics.DigestsSentTotal, 1)
	} else {
		log.Warn().Msg("digest dropped: queue full")
	}

	log.Info().
		Str("interval", iv.Expr).
		Int("events", d.Events).
		Int("groups", len(d.Groups)).
		Msg("digest tick")
	return d, nil
}

// ArchiveOnce hands the events stored since the previous export to the
// archiver, in batches of Options.ArchiveBatch. The id watermark
// (settings.archived_through_id) advances only after the archiver has
// taken a batch, uploaded or spooled. When nothing is new the archiver
// still gets an empty job, which it uses to drain its spool.
func (s *Scheduler) ArchiveOnce(ctx context.Context) error {
	if s.opts.Archiver == nil {
		return nil
	}

	afterID, since, err := s.archiveMark(ctx)
	if err != nil {
		return err
	}
	until := s.opts.Now().UTC()
	if since.IsZero() || since.After(until) {
		since = until.Add(-s.Interval(ctx).Duration)
	}

	for i := 0; i < maxBatchesPerTick; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.StoreTimeout)
		events, err := s.src.EventsAfter(qctx, afterID, s.opts.ArchiveBatch)
		cancel()
		if err != nil {
			return fmt.Errorf("archive: read after id %d: %w", afterID, err)
		}

		job := model.ArchiveJob{Since: since, Until: until, Events: events}
		if err := s.opts.Archiver.Archive(ctx, job); err != nil {
			return fmt.Errorf("archive %d events after id %d: %w", len(events), afterID, err)
		}
		if len(events) == 0 {
			return nil
		}

		afterID = events[len(events)-1].ID
		if err := s.saveArchiveMark(ctx, afterID, until); err != nil {
			return err
		}
		log.Info().Int("events", len(events)).Int64("through_id", afterID).Msg("archive export")

		if len(events) < s.opts.ArchiveBatch {
			return nil
		}
	}
	log.Warn().Int64("through_id", afterID).Msg("archive backlog left for the next tick")
	return nil
}

func (s *Scheduler) archiveMark(ctx context.Context) (int64, time.Time, error) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.StoreTimeout)
	defer cancel()

	v, err := s.src.GetSetting(rctx, store.KeyArchivedID, "0")
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("archive: read watermark: %w", err)
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id < 0 {
		return 0, time.Time{}, fmt.Errorf("archive: invalid watermark %q", v)
	}

	var since time.Time
	if at, err := s.src.GetSetting(rctx, store.KeyArchivedAt, ""); err == nil && at != "" {
		if sec, err := strconv.ParseInt(at, 10, 64); err == nil {
			since = time.Unix(sec, 0).UTC()
		}
	}
	return id, since, nil
}

// saveArchiveMark stores the id first: it is the one that decides what
// gets exported; the time only labels the next job.
func (s *Scheduler) saveArchiveMark(ctx context.Context, id int64, until time.Time) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.StoreTimeout)
	defer cancel()

	if err := s.src.SetSetting(wctx, store.KeyArchivedID, strconv.FormatInt(id, 10)); err != nil {
		return fmt.Errorf("archive: save watermark %d: %w", id, err)
	}
	if err := s.src.SetSetting(wctx, store.KeyArchivedAt, strconv.FormatInt(until.Unix(), 10)); err != nil {
		log.Warn().Err(err).Msg("archive: export time not saved")
	}
	return nil
}
