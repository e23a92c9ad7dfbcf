// internal/engine/engine.go
package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"trafficwatch/internal/matcher"
	"trafficwatch/internal/metrics"
	"trafficwatch/internal/model"
)

// Store is the part of the event store the engine needs.
// *store.Store satisfies it.
type Store interface {
	AppendWithCursor(ctx context.Context, ev model.ConnectionEvent, cursor int64) error
	GetSetting(ctx context.Context, key, def string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	ListWatchlist(ctx context.Context) ([]string, error)
	AddWatchlist(ctx context.Context, domain string) (bool, error)
	RemoveWatchlist(ctx context.Context, domain string) (bool, error)
	ClearWatchlist(ctx context.Context) (int64, error)
	FindByDomain(ctx context.Context, substr string, limit int) ([]model.ConnectionEvent, error)
	CountEvents(ctx context.Context) (int64, error)
}

// Notifier accepts outbound text without blocking. *dispatcher.Dispatcher satisfies it.
type Notifier interface {
	Enqueue(kind model.MessageKind, text string) bool
}

// Queue is implemented by notifiers that can report their backlog.
type Queue interface {
	Len() int
	Cap() int
	Dropped() int64
}

// DigestTrigger requests an on-demand digest. *digest.Scheduler satisfies it.
type DigestTrigger interface {
	Trigger()
}

// Deps are the collaborators handed to New. Store and Notifier are required.
type Deps struct {
	Store    Store
	Notifier Notifier
	Digest   DigestTrigger  // optional
	Cache    *matcher.Cache // optional, nil disables caching
	Metrics  *metrics.Metrics
}

// Options tunes ingestion.
type Options struct {
	LogPath      string
	PollInterval time.Duration
	MaxLineBytes int           // longer lines are counted malformed; 0 keeps the tailer default
	StoreTimeout time.Duration // bound for every store call
	StoreRetries int           // extra attempts for transient append failures
	RetryBackoff time.Duration // first retry delay, doubled up to 2s
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 5 * time.Second
	}
	if o.StoreRetries < 0 {
		o.StoreRetries = 0
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 200 * time.Millisecond
	}
	return o
}

// IngestState describes the tail loop.
type IngestState int32

const (
	IngestIdle IngestState = iota
	IngestRunning
	IngestFailed
	IngestStopped
)

func (s IngestState) String() string {
	switch s {
	case IngestRunning:
		return "running"
	case IngestFailed:
		return "failed"
	case IngestStopped:
		return "stopped"
	default:
		return "idle"
	}
}

// Engine
// ------------------------------------------------------------
// The context object every component hangs off. There are no package
// globals: the store, matcher cache, dispatcher and metrics are all
// reached through an Engine value.
//
//   - RunIngest: Tailer → Parser → Store → Matcher → Dispatcher
//   - front-end operations: synchronous calls used by the admin API and
//     the config watcher
//
// Engine methods are safe for concurrent use.
type Engine struct {
	store    Store
	notifier Notifier
	digest   DigestTrigger
	cache    *matcher.Cache
	metrics  *metrics.Metrics
	opts     Options

	state  atomic.Int32
	offset atomic.Int64
}

// New validates deps and returns an engine.
func New(deps Deps, opts Options) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if deps.Notifier == nil {
		return nil, errors.New("engine: notifier is required")
	}
	if deps.Cache == nil {
		deps.Cache = matcher.NewCache(0)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}

	return &Engine{
		store:    deps.Store,
		notifier: deps.Notifier,
		digest:   deps.Digest,
		cache:    deps.Cache,
		metrics:  deps.Metrics,
		opts:     opts.withDefaults(),
	}, nil
}

// State returns the ingestion state.
func (e *Engine) State() IngestState {
	return IngestState(e.state.Load())
}

func (e *Engine) setState(s IngestState) {
	e.state.Store(int32(s))
}

// storeCtx bounds one store call. Cancelling the parent does not cut
// an in-flight call short; only the timeout does.
func (e *Engine) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.opts.StoreTimeout)
}
