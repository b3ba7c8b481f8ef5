// Package catalog holds the dangerous-drug reference list and the matcher
// that flags medications against it.
package catalog

import (
	"context"
	"strings"
)

// DefaultReason is used for entries loaded without an explicit reason.
const DefaultReason = "Potentially dangerous medication"

// Entry is one high-risk medication name.
type Entry struct {
	Name   string `json:"name" yaml:"name"`
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Source loads catalog entries from wherever they are kept.
type Source interface {
	Load(ctx context.Context) ([]Entry, error)
}

// Catalog is an immutable, ordered snapshot. Build one with New.
type Catalog struct {
	entries []Entry
	index   map[string]int
}

// Normalize is the only comparison key used for matching: trimmed and
// lowercased, nothing else.
func Normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// New builds a snapshot from entries. Blank names are dropped and the first
// occurrence of a duplicate name wins.
func New(entries []Entry) *Catalog {
	c := &Catalog{
		entries: make([]Entry, 0, len(entries)),
		index:   make(map[string]int, len(entries)),
	}
	for _, e := range entries {
		key := Normalize(e.Name)
		if key == "" {
			continue
		}
		if _, dup := c.index[key]; dup {
			continue
		}
		reason := strings.TrimSpace(e.Reason)
		if reason == "" {
			reason = DefaultReason
		}
		c.index[key] = len(c.entries)
		c.entries = append(c.entries, Entry{Name: strings.TrimSpace(e.Name), Reason: reason})
	}
	return c
}

// Len returns the number of entries.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.entries)
}

// Entries returns a copy of the entries in catalog order.
func (c *Catalog) Entries() []Entry {
	if c == nil {
		return nil
	}
	return append([]Entry(nil), c.entries...)
}

// Lookup finds the entry for name using exact normalized comparison.
func (c *Catalog) Lookup(name string) (Entry, bool) {
	if c == nil {
		return Entry{}, false
	}
	i, ok := c.index[Normalize(name)]
	if !ok {
		return Entry{}, false
	}
	return c.entries[i], true
}

// DefaultEntries is the built-in seed list used when no other source is
// configured.
func DefaultEntries() []Entry {
	return []Entry{
		{Name: "warfarin", Reason: DefaultReason},
		{Name: "methotrexate", Reason: "Narrow therapeutic index; weekly dosing errors are fatal"},
		{Name: "insulin", Reason: "High-alert medication; dosing errors cause hypoglycemia"},
		{Name: "digoxin", Reason: "Narrow therapeutic index"},
		{Name: "lithium", Reason: "Narrow therapeutic index; requires level monitoring"},
		{Name: "fentanyl", Reason: "Opioid; risk of respiratory depression"},
		{Name: "morphine", Reason: "Opioid; risk of respiratory depression"},
		{Name: "oxycodone", Reason: "Opioid; risk of respiratory depression"},
		{Name: "heparin", Reason: "Anticoagulant; bleeding risk"},
		{Name: "amiodarone", Reason: DefaultReason},
		{Name: "isotretinoin", Reason: "Teratogenic"},
		{Name: "clozapine", Reason: "Risk of agranulocytosis"},
	}
}
