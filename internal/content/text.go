package content

import "strings"

// PlainText renders a value as text: lists one item per line, deliverable
// records as "Title: description (Value: X)", other records as compact JSON.
func PlainText(v Value) string {
	switch v.Kind() {
	case KindNull:
		return ""
	case KindString:
		text, _ := v.Str()
		return text
	case KindNumber:
		num, _ := v.Num()
		return num.String()
	case KindBool:
		if b, _ := v.Boolean(); b {
			return "true"
		}
		return "false"
	case KindList:
		items, _ := v.Items()
		lines := make([]string, 0, len(items))
		for _, item := range items {
			lines = append(lines, renderItem(item))
		}
		return strings.Join(lines, "\n")
	default:
		return compact(v)
	}
}

func renderItem(v Value) string {
	rec, ok := v.Rec()
	if !ok {
		return PlainText(v)
	}
	title, ok := stringAt(rec, "title")
	if !ok {
		return compact(v)
	}
	var b strings.Builder
	b.WriteString(title)
	if description, _ := stringAt(rec, "description"); description != "" {
		b.WriteString(": ")
		b.WriteString(description)
	}
	if worth, _ := stringAt(rec, "value"); worth != "" {
		b.WriteString(" (Value: ")
		b.WriteString(worth)
		b.WriteString(")")
	}
	return b.String()
}

func stringAt(rec Record, key string) (string, bool) {
	value, ok := rec[key]
	if !ok {
		return "", false
	}
	return value.Str()
}

func compact(v Value) string {
	encoded, err := EncodeValue(v)
	if err != nil {
		return ""
	}
	return string(encoded)
}
