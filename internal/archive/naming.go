// internal/archive/naming.go
package archive

import (
	"fmt"
	"sync/atomic"
	"time"
)

// naming.go
// ------------------------------------------------------------
// Object and spool file names:
//
//	<unix>_<instance>_<counter>.jsonl.gz
//
// e.g.
//
//	1764721594_vpn1_000042.jsonl.gz
//
// Sorting names sorts by creation time, which the spool relies on to
// re-upload oldest first and to apply its TTL without stat'ing mtimes.
var globalCounter uint64

// NextCounter wraps at 1e6; together with the timestamp and instance
// the name stays unique.
func NextCounter() uint64 {
	return atomic.AddUint64(&globalCounter, 1) % 1_000_000
}

// NewFilename builds a name stamped with now.
func NewFilename(instanceID string, now time.Time) string {
	return fmt.Sprintf("%d_%s_%06d.jsonl.gz", now.Unix(), instanceID, NextCounter())
}

// BuildKey partitions objects by the export they belong to:
//
//	<prefix>/dt=<YYYY-MM-DD>/hr=<HH>/<filename>
//
// windowEnd is the export time, so a re-upload from the spool lands in
// the same partition as the first attempt would have.
func BuildKey(prefix string, windowEnd time.Time, filename string) string {
	t := windowEnd.UTC()
	return fmt.Sprintf("%s/dt=%s/hr=%s/%s", prefix, t.Format("2006-01-02"), t.Format("15"), filename)
}

// partitionTime recovers the export time encoded in a file name; the
// archiver stamps names with it.
func partitionTime(name string) (time.Time, bool) {
	sec, ok := extractUnixFromFilename(name)
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(sec, 0).UTC(), true
}
