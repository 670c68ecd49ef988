package reconcile

import (
	"regexp"
	"strings"

	"funnelsync/api/internal/content"
)

const NormalizeDeliverables = "deliverables"

var deliverableValue = regexp.MustCompile(`\s*\(Value:\s*([^)]*)\)\s*$`)

// Normalize applies a catalog normalizer to a field value. Unknown
// normalizers leave the value unchanged.
func Normalize(name string, value content.Value) content.Value {
	switch name {
	case NormalizeDeliverables:
		return normalizeDeliverables(value)
	default:
		return value
	}
}

// normalizeDeliverables rewrites "Title: description (Value: X)" strings as
// {title, description, value} records. Record items pass through.
func normalizeDeliverables(value content.Value) content.Value {
	items, ok := value.Items()
	if !ok {
		return value
	}
	out := make([]content.Value, 0, len(items))
	for _, item := range items {
		text, ok := item.Str()
		if !ok {
			out = append(out, item)
			continue
		}
		out = append(out, content.Object(ParseDeliverable(text)))
	}
	return content.List(out...)
}

func ParseDeliverable(text string) content.Record {
	text = strings.TrimSpace(text)
	rec := content.Record{}

	worth := ""
	if m := deliverableValue.FindStringSubmatchIndex(text); m != nil {
		worth = strings.TrimSpace(text[m[2]:m[3]])
		text = strings.TrimSpace(text[:m[0]])
	}

	title, description, found := strings.Cut(text, ":")
	if !found {
		rec["title"] = content.String(text)
	} else {
		rec["title"] = content.String(strings.TrimSpace(title))
		rec["description"] = content.String(strings.TrimSpace(description))
	}
	if worth != "" {
		rec["value"] = content.String(worth)
	}
	return rec
}
