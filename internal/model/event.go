// internal/model/event.go
package model

import (
	"time"
)

// SourceTimeLayout is the timestamp layout written by the proxy into access.log.
// The value carries no timezone; it is interpreted as UTC when read back.
const SourceTimeLayout = "2006/01/02 15:04:05"

// Protocol is the transport reported after the "accepted" marker.
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
)

// ConnectionEvent
// ------------------------------------------------------------
// One proxy connection observed in access.log.
// It is the basic unit flowing Tailer → Parser → Store → Matcher and it
// is never mutated after parsing.
//
// ObservedAt keeps the source text verbatim. Normalization to UTC
// happens only at read time (ObservedUTC) so the stored value never
// depends on how that normalization evolves.
type ConnectionEvent struct {
	ID             int64    `json:"id,omitempty"`
	ObservedAt     string   `json:"observed_at"`     // "2025/08/06 15:54:22.272696"
	ClientIP       string   `json:"client_ip"`       // source address of the client
	ClientPort     int      `json:"client_port"`     // source port of the client
	Protocol       Protocol `json:"protocol"`        // tcp | udp
	Domain         string   `json:"domain"`          // destination host as reported
	DestPort       int      `json:"dest_port"`       // destination port, 0 when absent
	InboundTag     string   `json:"inbound_tag"`     // listener that accepted the connection
	ClientIdentity string   `json:"client_identity"` // "email:" label, "" when absent
}

// ObservedUTC parses ObservedAt as a UTC instant.
func (e ConnectionEvent) ObservedUTC() (time.Time, error) {
	return time.ParseInLocation(SourceTimeLayout, e.ObservedAt, time.UTC)
}

// FormatSourceTime renders t the way the proxy writes timestamps so that
// stored values and query bounds compare lexicographically.
func FormatSourceTime(t time.Time) string {
	return t.UTC().Format(SourceTimeLayout)
}

// MessageKind classifies outbound notifications.
type MessageKind string

const (
	KindAlert  MessageKind = "alert"
	KindDigest MessageKind = "digest"
	KindNotice MessageKind = "notice"
)

// Message
// ------------------------------------------------------------
// A single notification waiting in the dispatcher queue.
// Destination is the fixed chat/channel identifier from config.
type Message struct {
	ID          string      `json:"id"`
	Kind        MessageKind `json:"kind"`
	Destination string      `json:"destination"`
	Text        string      `json:"text"`
	CreatedAt   time.Time   `json:"created_at"`
}

// ArchiveJob
// ------------------------------------------------------------
// A batch of events handed from the periodic tick to the archiver:
// rows stored since the previous export, labelled with the time span
// between the two exports.
type ArchiveJob struct {
	Since  time.Time
	Until  time.Time
	Events []ConnectionEvent
}
