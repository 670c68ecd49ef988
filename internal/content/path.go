package content

import "strings"

// SplitPath turns "offer.tier1Promise" into its segments, dropping empty ones.
func SplitPath(path string) []string {
	parts := strings.Split(path, ".")
	segments := parts[:0]
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			segments = append(segments, part)
		}
	}
	return segments
}

// Lookup resolves a dotted path. The bool reports whether the path exists,
// which is distinct from the value being null.
func (r Record) Lookup(path string) (Value, bool) {
	segments := SplitPath(path)
	if len(segments) == 0 || r == nil {
		return Value{}, false
	}
	current := r
	for i, segment := range segments {
		value, ok := current[segment]
		if !ok {
			return Value{}, false
		}
		if i == len(segments)-1 {
			return value, true
		}
		next, ok := value.Rec()
		if !ok {
			return Value{}, false
		}
		current = next
	}
	return Value{}, false
}

func (r Record) Has(path string) bool {
	_, ok := r.Lookup(path)
	return ok
}

// Set writes value at path, creating intermediate records. A non-record
// intermediate is replaced by a record.
func (r Record) Set(path string, value Value) {
	segments := SplitPath(path)
	if len(segments) == 0 || r == nil {
		return
	}
	current := r
	for _, segment := range segments[:len(segments)-1] {
		next, ok := current[segment].Rec()
		if !ok || next == nil {
			next = Record{}
			current[segment] = Object(next)
		}
		current = next
	}
	current[segments[len(segments)-1]] = value
}

// Delete removes the value at path. Emptied parents are left in place.
func (r Record) Delete(path string) bool {
	segments := SplitPath(path)
	if len(segments) == 0 || r == nil {
		return false
	}
	current := r
	for _, segment := range segments[:len(segments)-1] {
		next, ok := current[segment].Rec()
		if !ok {
			return false
		}
		current = next
	}
	last := segments[len(segments)-1]
	if _, ok := current[last]; !ok {
		return false
	}
	delete(current, last)
	return true
}
