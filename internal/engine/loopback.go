// internal/engine/loopback.go
package engine

import (
	"net"
	"strings"
)

// ------------------------------------------------------------
// Loopback filter
//
// Panels and health checks talk to the proxy over loopback; those
// connections are noise and are dropped before storage and matching.
// ------------------------------------------------------------

// safeParseIP tolerates blanks and brackets; invalid input yields nil.
func safeParseIP(s string) net.IP {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if s == "" {
		return nil
	}
	return net.ParseIP(s)
}

// isLoopback covers 127.0.0.0/8, ::1 and IPv4-mapped loopback.
func isLoopback(addr string) bool {
	ip := safeParseIP(addr)
	return ip != nil && ip.IsLoopback()
}
