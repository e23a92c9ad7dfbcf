// internal/digest/digest.go
package digest

import (
	"fmt"
	"strings"

	"trafficwatch/internal/store"
)

// DefaultMaxGroups caps the number of (client, inbound, domain) lines in one digest.
const DefaultMaxGroups = 40

// Group is one digest line: how many times a client reached a domain
// through an inbound inside the window.
type Group struct {
	Identity string
	Inbound  string
	Domain   string
	Count    int
}

// Digest is the grouped view of a window. Groups are ordered by client
// identity then inbound; inside a client by count descending then domain.
type Digest struct {
	Groups    []Group
	Events    int  // events in the window
	Truncated bool // more groups existed than were kept
}

// FromSummary turns the grouped store view into a Digest. Grouping,
// ordering and the group cap are applied by store.Summarize.
func FromSummary(sum store.Summary) Digest {
	d := Digest{Events: int(sum.Events), Truncated: sum.Truncated}
	if len(sum.Groups) > 0 {
		d.Groups = make([]Group, len(sum.Groups))
		for i, g := range sum.Groups {
			d.Groups[i] = Group{Identity: g.Identity, Inbound: g.Inbound, Domain: g.Domain, Count: g.Count}
		}
	}
	return d
}

// Render produces the chat text for d over the period iv.
//
//	⏱️ Сводка за последние 6 ч
//
//	Клиент: alice@example.com (in1)
//	- x.com (3 раз)
//	- y.com (1 раз)
func Render(iv Interval, d Digest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "⏱️ Сводка за последние %s\n", iv.Label())

	if len(d.Groups) == 0 {
		b.WriteString("Нет активности.")
		return b.String()
	}

	b.WriteByte('\n')
	var prev *Group
	for i := range d.Groups {
		g := &d.Groups[i]
		if prev == nil || prev.Identity != g.Identity || prev.Inbound != g.Inbound {
			if prev != nil {
				b.WriteByte('\n')
			}
			fmt.Fprintf(&b, "Клиент: %s (%s)\n", identityLabel(g.Identity), g.Inbound)
		}
		fmt.Fprintf(&b, "- %s (%d раз)\n", g.Domain, g.Count)
		prev = g
	}

	if d.Truncated {
		fmt.Fprintf(&b, "\n… показаны первые %d групп", len(d.Groups))
	}
	return strings.TrimRight(b.String(), "\n")
}

func identityLabel(id string) string {
	if id == "" {
		return "без email"
	}
	return id
}
