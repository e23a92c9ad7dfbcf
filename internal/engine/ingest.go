// internal/engine/ingest.go
package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"trafficwatch/internal/matcher"
	"trafficwatch/internal/model"
	"trafficwatch/internal/parser"
	"trafficwatch/internal/store"
	"trafficwatch/internal/tailer"

	"github.com/rs/zerolog/log"
)

// Outcome is what happened to one line.
type Outcome int

const (
	OutcomeSkipped     Outcome = iota // not a connection record
	OutcomeMalformed                  // connection record with a bad mandatory token
	OutcomeLoopback                   // loopback source, dropped
	OutcomeStoreFailed                // append failed for good, line skipped
	OutcomeStored                     // recorded, no alert
	OutcomeAlerted                    // recorded and matched the watchlist
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSkipped:
		return "skipped"
	case OutcomeMalformed:
		return "malformed"
	case OutcomeLoopback:
		return "loopback"
	case OutcomeStoreFailed:
		return "store_failed"
	case OutcomeStored:
		return "stored"
	case OutcomeAlerted:
		return "alerted"
	default:
		return "unknown"
	}
}

// HandleLine runs one raw line through parse, filter, append and match.
// Nothing here returns an error: every failure is logged, counted and
// turned into an Outcome so the tail loop keeps going.
func (e *Engine) HandleLine(ctx context.Context, line string) Outcome {
	return e.handle(ctx, line, -1)
}

// handle is HandleLine that also commits cursor (when >= 0) together
// with the event.
func (e *Engine) handle(ctx context.Context, line string, cursor int64) Outcome {
	atomic.AddInt64(&e.metrics.LinesReadTotal, 1)

	res := parser.Parse(line)
	switch res.Kind {
	case parser.KindSkip:
		atomic.AddInt64(&e.metrics.LinesSkippedTotal, 1)
		return OutcomeSkipped
	case parser.KindMalformed:
		atomic.AddInt64(&e.metrics.LinesMalformedTotal, 1)
		log.Debug().Str("reason", res.Reason).Str("line", line).Msg("malformed line")
		return OutcomeMalformed
	}

	ev := res.Event
	if isLoopback(ev.ClientIP) {
		atomic.AddInt64(&e.metrics.LoopbackFilteredTotal, 1)
		return OutcomeLoopback
	}

	if err := e.appendWithRetry(ctx, ev, cursor); err != nil {
		atomic.AddInt64(&e.metrics.StoreFailuresTotal, 1)
		log.Error().Err(err).
			Str("domain", ev.Domain).
			Str("observed_at", ev.ObservedAt).
			Msg("event dropped: store append failed")
		return OutcomeStoreFailed
	}
	atomic.AddInt64(&e.metrics.EventsStoredTotal, 1)

	if e.checkAlert(ctx, ev) {
		return OutcomeAlerted
	}
	return OutcomeStored
}

// appendWithRetry retries transient store errors with exponential
// backoff (capped at 2s). Fatal errors return immediately.
func (e *Engine) appendWithRetry(ctx context.Context, ev model.ConnectionEvent, cursor int64) error {
	backoff := e.opts.RetryBackoff

	var lastErr error
	for attempt := 0; attempt <= e.opts.StoreRetries; attempt++ {
		sctx, cancel := e.storeCtx(ctx)
		err := e.store.AppendWithCursor(sctx, ev, cursor)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if !store.IsTransient(err) || attempt == e.opts.StoreRetries {
			break
		}

		atomic.AddInt64(&e.metrics.StoreRetriesTotal, 1)
		log.Warn().Err(err).Int("attempt", attempt+1).Msg("store append retry")

		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(backoff):
			backoff *= 2
			if backoff > 2*time.Second {
				backoff = 2 * time.Second
			}
		}
	}
	return lastErr
}

// checkAlert matches ev against the watchlist when alerts are on and
// enqueues an alert on a hit. Settings or watchlist read errors skip
// alerting for this event only.
func (e *Engine) checkAlert(ctx context.Context, ev model.ConnectionEvent) bool {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	on, err := e.store.GetSetting(sctx, store.KeyAlertsOn, "1")
	if err != nil {
		log.Warn().Err(err).Msg("alerts flag unreadable, skipping match")
		return false
	}
	if on != "1" {
		return false
	}

	entries, err := e.store.ListWatchlist(sctx)
	if err != nil {
		log.Warn().Err(err).Msg("watchlist unreadable, skipping match")
		return false
	}

	m, ok := e.cache.Find(ev.Domain, matcher.NewWatchlist(entries))
	if !ok {
		return false
	}

	atomic.AddInt64(&e.metrics.AlertsMatchedTotal, 1)
	if !e.notifier.Enqueue(model.KindAlert, FormatAlert(ev, m)) {
		log.Warn().Str("domain", ev.Domain).Str("entry", m.Entry).Msg("alert dropped: queue full")
	}
	return true
}

// FormatAlert renders the chat text for a watchlist hit.
func FormatAlert(ev model.ConnectionEvent, m matcher.Match) string {
	when := ev.ObservedAt
	if t, err := ev.ObservedUTC(); err == nil {
		when = t.Format("2006-01-02 15:04:05") + " UTC"
	}
	identity := ev.ClientIdentity
	if identity == "" {
		identity = "без email"
	}

	return fmt.Sprintf(
		"🚨 Домен в списке!\n"+
			"Клиент: %s (%s:%d)\n"+
			"IP клиента: %s\n"+
			"Время (UTC): %s\n"+
			"Инбаунд: %s\n"+
			"Домен: %s\n"+
			"Правило: %s (%s)",
		identity, ev.ClientIP, ev.ClientPort,
		ev.ClientIP,
		when,
		ev.InboundTag,
		ev.Domain,
		m.Entry, m.Rule,
	)
}

// RunIngest
// ------------------------------------------------------------
// Tails the access log until ctx is cancelled.
//
// The tailer resumes from settings.tail_offset, or attaches at EOF when
// no cursor exists yet. The cursor is committed in the same transaction
// as every recorded event, so a restart never replays a stored line and
// never skips an unprocessed one. Lines that record nothing leave the
// cursor behind; replaying them after a restart is harmless.
//
// Failing to open the log stops ingestion only: the state becomes
// failed, an operator notice is enqueued and the error is returned.
// Digests, delivery and the admin API keep running.
func (e *Engine) RunIngest(ctx context.Context) error {
	start := e.loadCursor(ctx)

	t, err := tailer.Open(e.opts.LogPath, start,
		tailer.WithPollInterval(e.opts.PollInterval),
		tailer.WithMaxLineBytes(e.opts.MaxLineBytes),
		tailer.WithRotateHook(func(readPos, size int64) {
			atomic.AddInt64(&e.metrics.TailRotationsTotal, 1)
			log.Warn().
				Str("path", e.opts.LogPath).
				Int64("read_pos", readPos).
				Int64("size", size).
				Msg("log truncated or rotated, reading from start")
		}),
	)
	if err != nil {
		e.failIngest(err)
		return err
	}
	defer t.Close()

	e.offset.Store(t.Offset())
	if start.FromEnd {
		e.saveCursor(ctx, t.Offset())
	}
	e.setState(IngestRunning)
	log.Info().Str("path", e.opts.LogPath).Int64("offset", t.Offset()).Msg("ingestion started")

	for {
		line, err := t.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				e.setState(IngestStopped)
				log.Info().Int64("offset", e.offset.Load()).Msg("ingestion stopped")
				return nil
			}
			e.failIngest(err)
			return err
		}

		if line.Oversized {
			atomic.AddInt64(&e.metrics.LinesReadTotal, 1)
			atomic.AddInt64(&e.metrics.LinesMalformedTotal, 1)
			log.Warn().Int64("offset", line.Offset).Msg("oversized line dropped")
		} else {
			e.handle(ctx, line.Text, line.Offset)
		}
		e.offset.Store(line.Offset)
	}
}

func (e *Engine) failIngest(err error) {
	e.setState(IngestFailed)
	log.Error().Err(err).Str("path", e.opts.LogPath).Msg("ingestion failed")

	text := fmt.Sprintf("⚠️ Мониторинг лога остановлен\nФайл: %s\nОшибка: %v", e.opts.LogPath, err)
	if errors.Is(err, tailer.ErrOpen) {
		text = fmt.Sprintf("⚠️ Не удалось открыть лог\nФайл: %s\nОшибка: %v", e.opts.LogPath, err)
	}
	e.notifier.Enqueue(model.KindNotice, text)
}

func (e *Engine) loadCursor(ctx context.Context) tailer.Start {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	v, err := e.store.GetSetting(sctx, store.KeyTailOffset, "")
	if err != nil {
		log.Warn().Err(err).Msg("tail cursor unreadable, attaching at end of file")
		return tailer.Start{FromEnd: true}
	}
	if v == "" {
		return tailer.Start{FromEnd: true}
	}
	off, err := strconv.ParseInt(v, 10, 64)
	if err != nil || off < 0 {
		log.Warn().Str("value", v).Msg("invalid tail cursor, attaching at end of file")
		return tailer.Start{FromEnd: true}
	}
	return tailer.Start{Offset: off}
}

func (e *Engine) saveCursor(ctx context.Context, off int64) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	if err := e.store.SetSetting(sctx, store.KeyTailOffset, strconv.FormatInt(off, 10)); err != nil {
		log.Warn().Err(err).Int64("offset", off).Msg("tail cursor not saved")
	}
}
