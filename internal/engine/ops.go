// internal/engine/ops.go
package engine

import (
	"context"
	"errors"
	"strings"

	"trafficwatch/internal/digest"
	"trafficwatch/internal/model"
	"trafficwatch/internal/store"

	"github.com/rs/zerolog/log"
)

// Front-end errors. Callers map them to user-facing replies.
var (
	ErrEmptyDomain     = errors.New("domain is empty")
	ErrInvalidInterval = errors.New("interval must look like 30m, 6h or 1d")
	ErrNoDigest        = errors.New("digest scheduler is not running")
)

// ------------------------------------------------------------
// Watchlist
// ------------------------------------------------------------

// Watchlist returns the entries in insertion order.
func (e *Engine) Watchlist(ctx context.Context) ([]string, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	return e.store.ListWatchlist(sctx)
}

// AddWatch adds domain (lower-cased). added is false for a duplicate.
func (e *Engine) AddWatch(ctx context.Context, domain string) (added bool, err error) {
	d := strings.ToLower(strings.TrimSpace(domain))
	if d == "" {
		return false, ErrEmptyDomain
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	added, err = e.store.AddWatchlist(sctx, d)
	if err == nil && added {
		log.Info().Str("domain", d).Msg("watchlist entry added")
	}
	return added, err
}

// RemoveWatch deletes domain. removed is false when it was not listed.
func (e *Engine) RemoveWatch(ctx context.Context, domain string) (removed bool, err error) {
	d := strings.ToLower(strings.TrimSpace(domain))
	if d == "" {
		return false, ErrEmptyDomain
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	removed, err = e.store.RemoveWatchlist(sctx, d)
	if err == nil && removed {
		log.Info().Str("domain", d).Msg("watchlist entry removed")
	}
	return removed, err
}

// ClearWatch empties the watchlist.
func (e *Engine) ClearWatch(ctx context.Context) (int64, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	n, err := e.store.ClearWatchlist(sctx)
	if err == nil {
		log.Info().Int64("removed", n).Msg("watchlist cleared")
	}
	return n, err
}

// SyncWatchlist adds every seed entry that is not listed yet and
// returns how many were added. Entries are never removed here.
func (e *Engine) SyncWatchlist(ctx context.Context, seeds []string) (int, error) {
	added := 0
	for _, s := range seeds {
		ok, err := e.AddWatch(ctx, s)
		if errors.Is(err, ErrEmptyDomain) {
			continue
		}
		if err != nil {
			return added, err
		}
		if ok {
			added++
		}
	}
	return added, nil
}

// ------------------------------------------------------------
// Settings
// ------------------------------------------------------------

// AlertsEnabled reports the alerts_on flag.
func (e *Engine) AlertsEnabled(ctx context.Context) (bool, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	v, err := e.store.GetSetting(sctx, store.KeyAlertsOn, "1")
	if err != nil {
		return false, err
	}
	return v == "1", nil
}

// SetAlerts turns alerting on or off. The next ingested event sees it.
func (e *Engine) SetAlerts(ctx context.Context, on bool) error {
	v := "0"
	if on {
		v = "1"
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	if err := e.store.SetSetting(sctx, store.KeyAlertsOn, v); err != nil {
		return err
	}
	log.Info().Bool("alerts_on", on).Msg("alerts toggled")
	return nil
}

// SetSummaryInterval stores a new digest period. It applies after the
// current period ends.
func (e *Engine) SetSummaryInterval(ctx context.Context, expr string) (digest.Interval, error) {
	iv := digest.ParseInterval(expr)
	if iv.Fallback {
		return iv, ErrInvalidInterval
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	if err := e.store.SetSetting(sctx, store.KeySummaryInterval, iv.Expr); err != nil {
		return iv, err
	}
	log.Info().Str("interval", iv.Expr).Msg("summary interval changed")
	return iv, nil
}

// ------------------------------------------------------------
// Digest / queries
// ------------------------------------------------------------

// TriggerDigest asks the scheduler for an immediate digest.
func (e *Engine) TriggerDigest() error {
	if e.digest == nil {
		return ErrNoDigest
	}
	e.digest.Trigger()
	return nil
}

// Find returns the newest events whose domain contains substr.
func (e *Engine) Find(ctx context.Context, substr string, limit int) ([]model.ConnectionEvent, error) {
	q := strings.TrimSpace(substr)
	if q == "" {
		return nil, ErrEmptyDomain
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	return e.store.FindByDomain(sctx, q, limit)
}

// Status is a snapshot for operators.
type Status struct {
	AlertsEnabled   bool   `json:"alerts_enabled"`
	WatchlistSize   int    `json:"watchlist_size"`
	EventsStored    int64  `json:"events_stored"`
	SummaryInterval string `json:"summary_interval"`
	Ingest          string `json:"ingest"`
	TailOffset      int64  `json:"tail_offset"`
	QueueLen        int    `json:"queue_len"`
	QueueCap        int    `json:"queue_cap"`
	QueueDropped    int64  `json:"queue_dropped"`
	CacheEntries    int    `json:"cache_entries"`
}

// Status collects the flag, watchlist size, event count and loop state.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	st := Status{
		Ingest:       e.State().String(),
		TailOffset:   e.offset.Load(),
		CacheEntries: e.cache.Len(),
	}

	on, err := e.store.GetSetting(sctx, store.KeyAlertsOn, "1")
	if err != nil {
		return st, err
	}
	st.AlertsEnabled = on == "1"

	entries, err := e.store.ListWatchlist(sctx)
	if err != nil {
		return st, err
	}
	st.WatchlistSize = len(entries)

	if st.EventsStored, err = e.store.CountEvents(sctx); err != nil {
		return st, err
	}

	expr, err := e.store.GetSetting(sctx, store.KeySummaryInterval, digest.DefaultExpr)
	if err != nil {
		return st, err
	}
	st.SummaryInterval = digest.ParseInterval(expr).Expr

	if q, ok := e.notifier.(Queue); ok {
		st.QueueLen = q.Len()
		st.QueueCap = q.Cap()
		st.QueueDropped = q.Dropped()
	}
	return st, nil
}
