package export

import (
	"bytes"
	"embed"
	"html/template"
	"strings"
	"time"
	"unicode"
)

//go:embed templates/*.html
var templateFS embed.FS

var projectTemplate = template.Must(template.New("project.html").Funcs(template.FuncMap{
	"lower": strings.ToLower,
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
}).ParseFS(templateFS, "templates/project.html"))

// TemplateData holds data for project template rendering
type TemplateData struct {
	Title       string
	GeneratedAt time.Time
	Sections    []TemplateSection
}

type TemplateSection struct {
	ID        string
	Title     string
	Phase     int
	PhaseName string
	Status    string
	Fields    []TemplateField
}

type TemplateField struct {
	Label string
	Text  string
}

// RenderProjectHTML renders the project template with provided data
func RenderProjectHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := projectTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// fieldLabel turns a dotted camelCase field id into a heading, e.g.
// "offer.tier1Promise" becomes "Offer tier1 promise".
func fieldLabel(fieldID string) string {
	var b strings.Builder
	prev := rune(0)
	for _, r := range fieldID {
		switch {
		case r == '.' || r == '_':
			b.WriteRune(' ')
		case unicode.IsUpper(r) && prev != 0 && !unicode.IsUpper(prev) && prev != '.' && prev != '_':
			b.WriteRune(' ')
			b.WriteRune(unicode.ToLower(r))
		default:
			b.WriteRune(unicode.ToLower(r))
		}
		prev = r
	}
	label := b.String()
	if label == "" {
		return label
	}
	runes := []rune(label)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
