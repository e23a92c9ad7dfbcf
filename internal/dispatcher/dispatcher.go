// internal/dispatcher/dispatcher.go
package dispatcher

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"trafficwatch/internal/metrics"
	"trafficwatch/internal/model"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Sink physically delivers one message (chat API, message bus, ...).
// Send must honour ctx; a returned error is treated as transient.
type Sink interface {
	Send(ctx context.Context, msg model.Message) error
}

// Options bounds the queue and every delivery.
type Options struct {
	Capacity       int           // queue size; overflow drops the newest message
	MaxAttempts    int           // delivery attempts per message
	AttemptTimeout time.Duration // timeout of a single Send
	Deadline       time.Duration // total budget per message, backoff included
	BaseBackoff    time.Duration // first retry delay, doubled each time
	MaxBackoff     time.Duration // retry delay cap
}

// DefaultOptions are used for any zero field.
var DefaultOptions = Options{
	Capacity:       256,
	MaxAttempts:    3,
	AttemptTimeout: 10 * time.Second,
	Deadline:       30 * time.Second,
	BaseBackoff:    500 * time.Millisecond,
	MaxBackoff:     5 * time.Second,
}

func (o Options) withDefaults() Options {
	if o.Capacity <= 0 {
		o.Capacity = DefaultOptions.Capacity
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultOptions.MaxAttempts
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = DefaultOptions.AttemptTimeout
	}
	if o.Deadline <= 0 {
		o.Deadline = DefaultOptions.Deadline
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = DefaultOptions.BaseBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultOptions.MaxBackoff
	}
	return o
}

// Dispatcher
// ------------------------------------------------------------
// Decouples ingestion from the notification sink.
//
//   - Enqueue never blocks: a full queue drops the NEW message and
//     counts it. Older, already-queued alerts keep their place.
//   - Run is the single consumer; messages leave in FIFO order.
//   - A failing message is retried with exponential backoff but never
//     longer than Options.Deadline, so one stuck message cannot hold
//     back the ones behind it.
//   - A sink-provided retry delay (Telegram 429 retry_after) replaces the
//     backoff; when it does not fit in the deadline the message is
//     abandoned right away.
//
// Slow or rate-limited chat APIs therefore cost alerts, never ingestion
// throughput.
type Dispatcher struct {
	sink        Sink
	destination string
	opts        Options
	metrics     *metrics.Metrics

	queue   chan model.Message
	dropped atomic.Int64
}

// New builds a dispatcher delivering to destination through sink.
func New(sink Sink, destination string, opts Options, m *metrics.Metrics) *Dispatcher {
	opts = opts.withDefaults()
	if m == nil {
		m = metrics.New()
	}
	return &Dispatcher{
		sink:        sink,
		destination: destination,
		opts:        opts,
		metrics:     m,
		queue:       make(chan model.Message, opts.Capacity),
	}
}

// Enqueue queues text for delivery. It returns false when the queue was
// full and the message was dropped.
func (d *Dispatcher) Enqueue(kind model.MessageKind, text string) bool {
	msg := model.Message{
		ID:          uuid.NewString(),
		Kind:        kind,
		Destination: d.destination,
		Text:        text,
		CreatedAt:   time.Now().UTC(),
	}

	select {
	case d.queue <- msg:
		atomic.AddInt64(&d.metrics.MessagesEnqueuedTotal, 1)
		return true
	default:
		d.dropped.Add(1)
		atomic.AddInt64(&d.metrics.MessagesDroppedTotal, 1)
		return false
	}
}

// Len is the number of queued messages.
func (d *Dispatcher) Len() int { return len(d.queue) }

// Cap is the queue capacity.
func (d *Dispatcher) Cap() int { return cap(d.queue) }

// Dropped is the number of messages rejected by Enqueue since start.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Run drains the queue until ctx is cancelled. Messages still queued at
// that point are abandoned and counted.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.abandonQueued()
			return
		case msg := <-d.queue:
			d.deliver(ctx, msg)
		}
	}
}

// deliver tries msg up to MaxAttempts times within Deadline.
func (d *Dispatcher) deliver(ctx context.Context, msg model.Message) bool {
	mctx, cancel := context.WithTimeout(ctx, d.opts.Deadline)
	defer cancel()

	backoff := d.opts.BaseBackoff
	var lastErr error

	for attempt := 1; attempt <= d.opts.MaxAttempts; attempt++ {
		actx, acancel := context.WithTimeout(mctx, d.opts.AttemptTimeout)
		err := d.sink.Send(actx, msg)
		acancel()

		if err == nil {
			atomic.AddInt64(&d.metrics.MessagesDeliveredTotal, 1)
			return true
		}
		lastErr = err
		atomic.AddInt64(&d.metrics.DeliveryErrorsTotal, 1)
		log.Warn().Err(err).
			Str("id", msg.ID).
			Str("kind", string(msg.Kind)).
			Int("attempt", attempt).
			Msg("delivery failed")

		if attempt == d.opts.MaxAttempts {
			break
		}

		wait := backoff
		backoff *= 2
		if backoff > d.opts.MaxBackoff {
			backoff = d.opts.MaxBackoff
		}
		if ra, ok := retryAfter(err); ok {
			if dl, _ := mctx.Deadline(); time.Until(dl) < ra {
				log.Warn().Dur("retry_after", ra).Str("id", msg.ID).Msg("retry_after exceeds delivery deadline")
				break
			}
			wait = ra
		}

		select {
		case <-mctx.Done():
			attempt = d.opts.MaxAttempts
		case <-time.After(wait):
		}
	}

	atomic.AddInt64(&d.metrics.MessagesAbandonedTotal, 1)
	log.Error().Err(lastErr).
		Str("id", msg.ID).
		Str("kind", string(msg.Kind)).
		Msg("message abandoned")
	return false
}

// retryAfter extracts the delay a rate-limited sink asked for.
func retryAfter(err error) (time.Duration, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return time.Duration(apiErr.RetryAfter) * time.Second, true
	}
	return 0, false
}

func (d *Dispatcher) abandonQueued() {
	n := 0
	for {
		select {
		case <-d.queue:
			n++
		default:
			if n > 0 {
				atomic.AddInt64(&d.metrics.MessagesAbandonedTotal, int64(n))
				log.Warn().Int("count", n).Msg("dispatcher stopped with queued messages")
			}
			return
		}
	}
}
