package search

import (
	"context"
	"strings"

	"funnelsync/api/internal/store"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ProjectID string `json:"projectId"`
	SectionID string `json:"sectionId"`
	FieldID   string `json:"fieldId"`
	Snippet   string `json:"snippet"`
	Version   int    `json:"version"`
}

// Query describes a search request.
type Query struct {
	ProjectID string
	Text      string
	SectionID string // empty = all sections
	Limit     int
	Offset    int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// FieldRecord is the data we index for a field.
type FieldRecord struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	SectionID string `json:"sectionId"`
	FieldID   string `json:"fieldId"`
	Text      string `json:"text"`
	Version   int    `json:"version"`
}

// FieldSearcher is the database fallback used while Meilisearch is unavailable.
type FieldSearcher interface {
	SearchFields(ctx context.Context, projectID, query string, limit int) ([]store.Field, error)
}

// recordID builds a Meilisearch primary key, which only allows [A-Za-z0-9_-].
func recordID(projectID, sectionID, fieldID string) string {
	var b strings.Builder
	for _, r := range projectID + "_" + sectionID + "_" + fieldID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}
