package catalog

import (
	"sort"
	"strings"

	"funnelsync/api/internal/content"
)

// Upgrade rewrites doc from shape version `from` to the current shape, one
// version step at a time. A from of 0 means the version is unknown and is
// detected first. The input is not modified.
func (s *Section) Upgrade(doc content.Record, from int) (content.Record, int) {
	out := doc.Clone()
	if from <= 0 {
		from = s.DetectVersion(out)
	}
	current := s.CurrentVersion()
	if from >= current || len(s.Shapes) < 2 {
		return out, max(from, current)
	}

	for i := 0; i+1 < len(s.Shapes); i++ {
		older, newer := s.Shapes[i], s.Shapes[i+1]
		if older.Version < from {
			continue
		}
		upgradeStep(out, older, newer)
	}
	return out, current
}

func upgradeStep(doc content.Record, older, newer Shape) {
	fieldIDs := make([]string, 0, len(newer.Paths))
	for fieldID := range newer.Paths {
		fieldIDs = append(fieldIDs, fieldID)
	}
	sort.Strings(fieldIDs)

	for _, fieldID := range fieldIDs {
		oldPath, newPath := older.Paths[fieldID], newer.Paths[fieldID]
		if oldPath == "" || newPath == "" || oldPath == newPath {
			continue
		}
		value, ok := doc.Lookup(oldPath)
		if !ok {
			continue
		}
		if !doc.Has(newPath) {
			doc.Set(newPath, value)
		}
		doc.Delete(oldPath)
		pruneEmptyParents(doc, oldPath)
	}
}

func pruneEmptyParents(doc content.Record, path string) {
	segments := content.SplitPath(path)
	for depth := len(segments) - 1; depth > 0; depth-- {
		parentPath := strings.Join(segments[:depth], ".")
		parent, ok := doc.Lookup(parentPath)
		if !ok {
			return
		}
		rec, ok := parent.Rec()
		if !ok || len(rec) > 0 {
			return
		}
		doc.Delete(parentPath)
	}
}
