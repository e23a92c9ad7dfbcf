// internal/metrics/metrics.go
package metrics

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the set of process counters. Every field is updated with
// sync/atomic and read through String or the Prometheus collector.
type Metrics struct {
	// ======================
	// Ingestion
	// ======================

	// LinesReadTotal
	// - every complete line returned by the tailer, noise included.
	LinesReadTotal int64

	// LinesSkippedTotal
	// - lines without the "accepted" marker (banner / debug output).
	// - expected to be non-zero; only the trend matters.
	LinesSkippedTotal int64

	// LinesMalformedTotal
	// - lines that had the marker but a missing or invalid field.
	// - a sudden rise usually means the proxy changed its log format.
	LinesMalformedTotal int64

	// LoopbackFilteredTotal
	// - parsed events from a loopback client, dropped before storage.
	LoopbackFilteredTotal int64

	// EventsStoredTotal
	// - events durably appended to the store.
	EventsStoredTotal int64

	// StoreRetriesTotal / StoreFailuresTotal
	// - transient store errors that were retried, and lines given up on.
	// - StoreFailuresTotal > 0 means events were lost for good.
	StoreRetriesTotal  int64
	StoreFailuresTotal int64

	// TailRotationsTotal
	// - times the tailer restarted from offset 0 (truncate / rotate).
	TailRotationsTotal int64

	// ======================
	// Alerts / dispatch
	// ======================

	// AlertsMatchedTotal
	// - stored events that matched a watchlist entry while alerts were on.
	AlertsMatchedTotal int64

	// MessagesEnqueuedTotal / MessagesDroppedTotal
	// - accepted into the dispatcher queue, and rejected because it was full.
	MessagesEnqueuedTotal int64
	MessagesDroppedTotal  int64

	// MessagesDeliveredTotal
	// - messages the sink accepted.
	MessagesDeliveredTotal int64

	// DeliveryErrorsTotal
	// - failed delivery attempts (one message may add several).
	DeliveryErrorsTotal int64

	// MessagesAbandonedTotal
	// - messages given up on: retries exhausted, deadline hit, or still
	//   queued at shutdown.
	MessagesAbandonedTotal int64

	// DigestsSentTotal
	// - digest messages accepted by the dispatcher queue.
	DigestsSentTotal int64

	// ======================
	// Archive (optional)
	// ======================

	// ArchiveEventsStoredTotal / ArchivePutErrorsTotal
	// - events uploaded to S3, and failed PutObject attempts.
	ArchiveEventsStoredTotal int64
	ArchivePutErrorsTotal    int64

	// Spool*
	// - local spool for archive batches whose upload failed.
	SpoolEventsEnqueuedTotal   int64
	SpoolEventsReuploadedTotal int64
	SpoolEventsDroppedTotal    int64
	SpoolFilesExpiredTotal     int64
	SpoolFilesCurrent          int64
	SpoolSizeBytes             int64
}

func New() *Metrics {
	return &Metrics{}
}

type field struct {
	name  string
	help  string
	gauge bool
	ptr   *int64
}

func (m *Metrics) fields() []field {
	return []field{
		{"lines_read_total", "Lines returned by the tailer.", false, &m.LinesReadTotal},
		{"lines_skipped_total", "Lines that are not connection records.", false, &m.LinesSkippedTotal},
		{"lines_malformed_total", "Connection lines with missing or invalid fields.", false, &m.LinesMalformedTotal},
		{"loopback_filtered_total", "Events from loopback clients dropped before storage.", false, &m.LoopbackFilteredTotal},
		{"events_stored_total", "Events appended to the store.", false, &m.EventsStoredTotal},
		{"store_retries_total", "Transient store errors retried.", false, &m.StoreRetriesTotal},
		{"store_failures_total", "Lines dropped after store errors.", false, &m.StoreFailuresTotal},
		{"tail_rotations_total", "Times the tailer restarted from offset 0.", false, &m.TailRotationsTotal},
		{"alerts_matched_total", "Events that matched the watchlist.", false, &m.AlertsMatchedTotal},
		{"messages_enqueued_total", "Messages accepted by the dispatcher queue.", false, &m.MessagesEnqueuedTotal},
		{"messages_dropped_total", "Messages rejected because the queue was full.", false, &m.MessagesDroppedTotal},
		{"messages_delivered_total", "Messages accepted by the sink.", false, &m.MessagesDeliveredTotal},
		{"delivery_errors_total", "Failed delivery attempts.", false, &m.DeliveryErrorsTotal},
		{"messages_abandoned_total", "Messages given up on after retries or at shutdown.", false, &m.MessagesAbandonedTotal},
		{"digests_sent_total", "Digest messages enqueued.", false, &m.DigestsSentTotal},
		{"archive_events_stored_total", "Events uploaded to the archive bucket.", false, &m.ArchiveEventsStoredTotal},
		{"archive_put_errors_total", "Failed archive PutObject attempts.", false, &m.ArchivePutErrorsTotal},
		{"spool_events_enqueued_total", "Events written to the local archive spool.", false, &m.SpoolEventsEnqueuedTotal},
		{"spool_events_reuploaded_total", "Spooled events uploaded later.", false, &m.SpoolEventsReuploadedTotal},
		{"spool_events_dropped_total", "Events dropped because the spool was full.", false, &m.SpoolEventsDroppedTotal},
		{"spool_files_expired_total", "Spool files removed by TTL or capacity.", false, &m.SpoolFilesExpiredTotal},
		{"spool_files_current", "Files currently in the spool.", true, &m.SpoolFilesCurrent},
		{"spool_size_bytes", "Bytes currently in the spool.", true, &m.SpoolSizeBytes},
	}
}

func (m *Metrics) String() string {
	var sb strings.Builder
	sb.Grow(1024)
	for _, f := range m.fields() {
		fmt.Fprintf(&sb, "%s=%d\n", f.name, atomic.LoadInt64(f.ptr))
	}
	return sb.String()
}

// Collector exposes the counters to a Prometheus registry under namespace.
func (m *Metrics) Collector(namespace string) prometheus.Collector {
	c := &collector{m: m}
	for _, f := range m.fields() {
		c.descs = append(c.descs, prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", f.name), f.help, nil, nil))
	}
	return c
}

type collector struct {
	m     *Metrics
	descs []*prometheus.Desc
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	for i, f := range c.m.fields() {
		vt := prometheus.CounterValue
		if f.gauge {
			vt = prometheus.GaugeValue
		}
		ch <- prometheus.MustNewConstMetric(c.descs[i], vt, float64(atomic.LoadInt64(f.ptr)))
	}
}
