// internal/parser/parser.go
package parser

import (
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"time"

	"trafficwatch/internal/model"
)

// Kind tags the outcome of parsing one access.log line.
type Kind int

const (
	// KindSkip: the line is not a connection record at all (banner, debug, blank).
	KindSkip Kind = iota
	// KindMalformed: the line carries the "accepted" marker but a mandatory
	// token is missing or invalid. Still not an event, but worth counting.
	KindMalformed
	// KindEvent: a complete connection record.
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindEvent:
		return "event"
	case KindMalformed:
		return "malformed"
	default:
		return "skip"
	}
}

// Result
// ------------------------------------------------------------
// Tagged parse result. Event is only meaningful for KindEvent,
// Reason is only set for KindMalformed.
type Result struct {
	Kind   Kind
	Event  model.ConnectionEvent
	Reason string
}

// OK reports whether the line produced an event.
func (r Result) OK() bool { return r.Kind == KindEvent }

// Tokens are searched independently so their order inside the line does not matter.
//
// Example line:
//
//	2025/08/06 15:54:22.272696 from 5.167.225.135:62124 accepted tcp:speed.cloudflare.com:443 [inbound-16880 >> direct] email: 7p5uebch
var (
	reTimestamp = regexp.MustCompile(`\d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2}(?:\.\d+)?`)
	reSource    = regexp.MustCompile(`(?i)\bfrom (?:(?:tcp|udp):)?(\[[0-9A-Fa-f:.]+\]|[0-9.]+):(\d+)`)
	reAccepted  = regexp.MustCompile(`(?i)\baccepted (tcp|udp):(\S+?)(?::(\d+))?(?:\s|$)`)
	reInbound   = regexp.MustCompile(`\[([^\s\]]+)`)
	reIdentity  = regexp.MustCompile(`email:\s*([A-Za-z0-9_.@+\-]+)`)
)

// Parse extracts a ConnectionEvent from one raw line.
// It never panics and never returns an error: anything that is not a
// complete record degrades to KindSkip or KindMalformed.
func Parse(line string) Result {
	line = strings.TrimRight(line, "\r\n")

	acc := reAccepted.FindStringSubmatchIndex(line)
	if acc == nil {
		return Result{Kind: KindSkip}
	}

	var ev model.ConnectionEvent
	ev.Protocol = model.Protocol(strings.ToLower(line[acc[2]:acc[3]]))
	ev.Domain = line[acc[4]:acc[5]]
	if acc[6] >= 0 {
		port, ok := parsePort(line[acc[6]:acc[7]])
		if !ok {
			return malformed("destination port out of range")
		}
		ev.DestPort = port
	}
	if ev.Domain == "" {
		return malformed("empty destination host")
	}

	ts := reTimestamp.FindString(line)
	if ts == "" {
		return malformed("missing timestamp")
	}
	if _, err := time.Parse(model.SourceTimeLayout, ts); err != nil {
		return malformed("invalid timestamp")
	}
	ev.ObservedAt = ts

	src := reSource.FindStringSubmatch(line)
	if src == nil {
		return malformed("missing source address")
	}
	addr, err := netip.ParseAddr(strings.Trim(src[1], "[]"))
	if err != nil {
		return malformed("invalid source address")
	}
	port, ok := parsePort(src[2])
	if !ok {
		return malformed("source port out of range")
	}
	ev.ClientIP = addr.String()
	ev.ClientPort = port

	// The inbound bracket follows the destination; fall back to the first
	// bracket anywhere in the line.
	tag := reInbound.FindStringSubmatch(line[acc[1]:])
	if tag == nil {
		tag = reInbound.FindStringSubmatch(line)
	}
	if tag == nil || tag[1] == "" {
		return malformed("missing inbound tag")
	}
	ev.InboundTag = tag[1]

	if id := reIdentity.FindStringSubmatch(line); id != nil {
		ev.ClientIdentity = id[1]
	}

	return Result{Kind: KindEvent, Event: ev}
}

func malformed(reason string) Result {
	return Result{Kind: KindMalformed, Reason: reason}
}

func parsePort(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > 65535 {
		return 0, false
	}
	return n, true
}
