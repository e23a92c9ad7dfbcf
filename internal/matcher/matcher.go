// internal/matcher/matcher.go
package matcher

import (
	"strings"
)

// Rule identifies which of the three match semantics held.
type Rule int

const (
	RuleNone Rule = iota
	RuleExact
	RuleSubdomain
	RuleSubstring
)

func (r Rule) String() string {
	switch r {
	case RuleExact:
		return "exact"
	case RuleSubdomain:
		return "subdomain"
	case RuleSubstring:
		return "substring"
	default:
		return "none"
	}
}

// Match is the watchlist entry that fired and the most specific rule it satisfied.
type Match struct {
	Entry string
	Rule  Rule
}

// Rules evaluates one (observed, entry) pair, case-insensitively.
//
// Exact and subdomain hits are always substring hits as well; the
// returned Rule is the most specific one. The substring rule is
// bidirectional, so "ads.example.com" also fires on
// "notads.example.com".
func Rules(observed, entry string) Rule {
	o := strings.ToLower(strings.TrimSpace(observed))
	e := strings.ToLower(strings.TrimSpace(entry))
	if o == "" || e == "" {
		return RuleNone
	}

	switch {
	case o == e:
		return RuleExact
	case strings.HasSuffix(o, "."+e):
		return RuleSubdomain
	case strings.Contains(o, e) || strings.Contains(e, o):
		return RuleSubstring
	}
	return RuleNone
}

// Find returns the first entry, in iteration order, related to observed
// under any rule. Matching stops at the first hit; it is not a ranking.
func Find(observed string, entries []string) (Match, bool) {
	for _, entry := range entries {
		if r := Rules(observed, entry); r != RuleNone {
			return Match{Entry: entry, Rule: r}, true
		}
	}
	return Match{}, false
}
