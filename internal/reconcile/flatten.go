package reconcile

import (
	"sort"
	"strings"

	"funnelsync/api/internal/catalog"
	"funnelsync/api/internal/content"
)

type FlatField struct {
	FieldID string
	Value   content.Value
}

// Flattener turns a section document into individually addressable fields.
type Flattener interface {
	Flatten(section *catalog.Section, doc content.Record) []FlatField
}

// CatalogFlattener reads each catalog field at its newest present path. Keys
// outside every catalogued path become fields named by their dotted path.
type CatalogFlattener struct{}

func (CatalogFlattener) Flatten(section *catalog.Section, doc content.Record) []FlatField {
	out := make([]FlatField, 0)
	seen := make(map[string]bool)

	for _, fieldID := range section.FieldIDs() {
		for _, path := range section.CandidatePaths(fieldID) {
			value, ok := doc.Lookup(path)
			if !ok {
				continue
			}
			out = append(out, FlatField{FieldID: fieldID, Value: value.Clone()})
			seen[fieldID] = true
			break
		}
	}

	claimed := section.ClaimedPaths()
	residual(doc, "", claimed, func(path string, value content.Value) {
		if seen[path] {
			return
		}
		seen[path] = true
		out = append(out, FlatField{FieldID: path, Value: value.Clone()})
	})

	sort.SliceStable(out, func(i, j int) bool { return out[i].FieldID < out[j].FieldID })
	return out
}

func residual(doc content.Record, prefix string, claimed map[string]string, emit func(string, content.Value)) {
	for _, key := range doc.Keys() {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		if _, ok := claimed[path]; ok {
			continue
		}
		value := doc[key]
		if rec, ok := value.Rec(); ok && hasClaimedBelow(claimed, path) {
			residual(rec, path, claimed, emit)
			continue
		}
		emit(path, value)
	}
}

func hasClaimedBelow(claimed map[string]string, path string) bool {
	for candidate := range claimed {
		if strings.HasPrefix(candidate, path+".") {
			return true
		}
	}
	return false
}
