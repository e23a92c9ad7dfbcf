// internal/digest/interval.go
package digest

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultInterval is used whenever an expression cannot be parsed.
const (
	DefaultInterval = 6 * time.Hour
	DefaultExpr     = "6h"
)

// Interval is a parsed digest period.
type Interval struct {
	Duration time.Duration
	Expr     string // normalized expression, e.g. "30m"
	Fallback bool   // true when the input was rejected and the default applied
}

// ParseInterval
//
// Accepts "<N>h", "<N>m" or "<N>d" with N a positive integer.
// Anything else (empty, "1.5h", "0h", "-2d", "90s") yields the 6h default
// with Fallback set. It never fails.
func ParseInterval(expr string) Interval {
	s := strings.ToLower(strings.TrimSpace(expr))
	if len(s) < 2 {
		return fallback()
	}

	var unit time.Duration
	switch s[len(s)-1] {
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	default:
		return fallback()
	}

	num := s[:len(s)-1]
	for _, r := range num {
		if r < '0' || r > '9' {
			return fallback()
		}
	}
	n, err := strconv.ParseInt(num, 10, 64)
	if err != nil || n <= 0 {
		return fallback()
	}
	// keep the product far away from int64 overflow
	if n > int64(100*365*24*time.Hour/unit) {
		return fallback()
	}

	return Interval{
		Duration: time.Duration(n) * unit,
		Expr:     strconv.FormatInt(n, 10) + s[len(s)-1:],
	}
}

func fallback() Interval {
	return Interval{Duration: DefaultInterval, Expr: DefaultExpr, Fallback: true}
}

// Label renders the period for the digest header, e.g. "6 ч", "30 мин", "2 дн".
func (iv Interval) Label() string {
	d := iv.Duration
	switch {
	case d%(24*time.Hour) == 0:
		return fmt.Sprintf("%d дн", int64(d/(24*time.Hour)))
	case d%time.Hour == 0:
		return fmt.Sprintf("%d ч", int64(d/time.Hour))
	default:
		return fmt.Sprintf("%d мин", int64(d/time.Minute))
	}
}
