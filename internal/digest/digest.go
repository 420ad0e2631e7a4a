// Package digest gathers items from content sources and formats them into a
// single notification.
package digest

import (
	"fmt"
	"strings"
	"time"
)

type Item struct {
	Title     string
	URL       string
	Source    string
	Summary   string
	Published time.Time
}

type SourceFailure struct {
	Source string
	Err    error
}

type Digest struct {
	Name        string
	Items       []Item
	Failed      []SourceFailure
	GeneratedAt time.Time
}

const emptyText = "No new items."

// Title is the subject line, e.g. "News digest - 2026-03-10".
func (d *Digest) Title(at time.Time) string {
	return fmt.Sprintf("%s - %s", d.Name, at.Format("2006-01-02"))
}

type group struct {
	source string
	items  []Item
}

// groups keeps sources in the order their first item appears.
func (d *Digest) groups() []group {
	var out []group
	index := make(map[string]int)
	for _, it := range d.Items {
		src := it.Source
		if src == "" {
			src = "unknown"
		}
		i, ok := index[src]
		if !ok {
			i = len(out)
			index[src] = i
			out = append(out, group{source: src})
		}
		out[i].items = append(out[i].items, it)
	}
	return out
}

func (d *Digest) Plain() string {
	var b strings.Builder
	stamp := d.GeneratedAt.Format("2006-01-02 15:04")
	fmt.Fprintf(&b, "%s - %s\n%s\n\n", d.Name, stamp, strings.Repeat("=", 40))

	if len(d.Items) == 0 {
		b.WriteString(emptyText + "\n")
	}
	for _, g := range d.groups() {
		fmt.Fprintf(&b, "[%s]\n", g.source)
		for i, it := range g.items {
			fmt.Fprintf(&b, "  %d. %s\n", i+1, it.Title)
			if it.URL != "" {
				fmt.Fprintf(&b, "     %s\n", it.URL)
			}
		}
		b.WriteString("\n")
	}
	if len(d.Items) > 0 {
		fmt.Fprintf(&b, "%d new items\n", len(d.Items))
	}
	if len(d.Failed) > 0 {
		fmt.Fprintf(&b, "Unavailable sources: %s\n", strings.Join(d.failedNames(), ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (d *Digest) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s - %s\n\n", d.Name, d.GeneratedAt.Format("2006-01-02 15:04"))

	if len(d.Items) == 0 {
		b.WriteString(emptyText + "\n")
	}
	for _, g := range d.groups() {
		fmt.Fprintf(&b, "### %s\n", g.source)
		for i, it := range g.items {
			if it.URL != "" {
				fmt.Fprintf(&b, "> %d. [%s](%s)\n", i+1, escapeLink(it.Title), it.URL)
			} else {
				fmt.Fprintf(&b, "> %d. %s\n", i+1, it.Title)
			}
		}
		b.WriteString("\n")
	}
	if len(d.Items) > 0 {
		fmt.Fprintf(&b, "**%d** new items\n", len(d.Items))
	}
	if len(d.Failed) > 0 {
		fmt.Fprintf(&b, "\n_Unavailable sources: %s_\n", strings.Join(d.failedNames(), ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (d *Digest) failedNames() []string {
	names := make([]string, len(d.Failed))
	for i, f := range d.Failed {
		names[i] = f.Source
	}
	return names
}

func escapeLink(s string) string {
	return strings.NewReplacer("[", "\\[", "]", "\\]").Replace(s)
}
