// Package matcher resolves logical field keys to records in an external
// directory using progressively relaxed name comparisons.
package matcher

import (
	"regexp"
	"sort"
	"strings"
)

// Rule names the comparison that produced a match.
type Rule string

const (
	RuleExact      Rule = "exact"
	RuleLower      Rule = "case-insensitive"
	RuleNormalized Rule = "normalized"
	RulePrefix     Rule = "prefix"
	RuleStripped   Rule = "stripped"
)

type Entry struct {
	ID   string
	Name string
}

type Match struct {
	Entry
	Rule Rule
}

var (
	whitespace = regexp.MustCompile(`\s+`)
	pagePrefix = regexp.MustCompile(`^[0-9]+_`)
)

// Index holds every entry under each of its name forms. It is built once per
// sync run and is read-only afterwards.
type Index struct {
	exact      map[string]Entry
	lower      map[string]Entry
	normalized map[string]Entry
	stripped   map[string]Entry
	prefixes   []string
}

// Build indexes entries. When several entries share a form the first one wins.
func Build(entries []Entry, prefixes []string) *Index {
	idx := &Index{
		exact:      make(map[string]Entry, len(entries)),
		lower:      make(map[string]Entry, len(entries)),
		normalized: make(map[string]Entry, len(entries)),
		stripped:   make(map[string]Entry, len(entries)),
		prefixes:   sortedPrefixes(prefixes),
	}
	for _, entry := range entries {
		putFirst(idx.exact, entry.Name, entry)
		putFirst(idx.lower, strings.ToLower(entry.Name), entry)
		norm := Normalize(entry.Name)
		putFirst(idx.normalized, norm, entry)
		putFirst(idx.stripped, Strip(norm), entry)
	}
	return idx
}

func putFirst(m map[string]Entry, key string, entry Entry) {
	if key == "" {
		return
	}
	if _, ok := m[key]; !ok {
		m[key] = entry
	}
}

func sortedPrefixes(prefixes []string) []string {
	out := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		if p = Normalize(p); p != "" {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}

// Normalize lower-cases name, trims it and joins whitespace runs with "_".
func Normalize(name string) string {
	return whitespace.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "_")
}

// Strip removes a leading page-number prefix such as "02_".
func Strip(name string) string {
	return pagePrefix.ReplaceAllString(name, "")
}

func (idx *Index) Len() int { return len(idx.exact) }

// Lookup resolves key. Each rule is only tried once the previous ones failed.
func (idx *Index) Lookup(key string) (Match, bool) {
	if key == "" {
		return Match{}, false
	}
	if entry, ok := idx.exact[key]; ok {
		return Match{Entry: entry, Rule: RuleExact}, true
	}
	if entry, ok := idx.lower[strings.ToLower(key)]; ok {
		return Match{Entry: entry, Rule: RuleLower}, true
	}
	norm := Normalize(key)
	if entry, ok := idx.normalized[norm]; ok {
		return Match{Entry: entry, Rule: RuleNormalized}, true
	}
	for _, prefix := range idx.prefixes {
		if entry, ok := idx.normalized[prefix+norm]; ok {
			return Match{Entry: entry, Rule: RulePrefix}, true
		}
	}
	stripped := Strip(norm)
	if stripped != norm {
		if entry, ok := idx.normalized[stripped]; ok {
			return Match{Entry: entry, Rule: RuleStripped}, true
		}
	}
	if entry, ok := idx.stripped[stripped]; ok {
		return Match{Entry: entry, Rule: RuleStripped}, true
	}
	return Match{}, false
}

// ID resolves key to an entry id; "" and false when nothing matches.
func (idx *Index) ID(key string) (string, bool) {
	match, ok := idx.Lookup(key)
	return match.ID, ok
}
