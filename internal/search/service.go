package search

import (
	"context"
	"log"

	"funnelsync/api/internal/content"
	"funnelsync/api/internal/store"
)

// Service is the facade that tries Meilisearch first and falls back to the store.
type Service struct {
	meili    *Meili
	fallback FieldSearcher
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, fallback FieldSearcher) *Service {
	return &Service{meili: meili, fallback: fallback}
}

// Search tries Meilisearch if healthy, otherwise falls back to the store.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to store: %v", err)
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	fields, err := s.fallback.SearchFields(ctx, q.ProjectID, q.Text, limit+q.Offset)
	if err != nil {
		log.Printf("search: store fallback error: %v", err)
		return Response{Results: []Result{}, Query: q.Text}
	}
	results := make([]Result, 0, len(fields))
	for _, f := range fields {
		if q.SectionID != "" && f.SectionID != q.SectionID {
			continue
		}
		results = append(results, Result{
			ProjectID: f.ProjectID,
			SectionID: f.SectionID,
			FieldID:   f.FieldID,
			Snippet:   snippet(content.PlainText(f.Value), 160),
			Version:   f.Version,
		})
	}
	if q.Offset > 0 {
		if q.Offset >= len(results) {
			results = results[:0]
		} else {
			results = results[q.Offset:]
		}
	}
	return Response{Results: results, Total: len(results), Query: q.Text}
}

// IndexFields indexes fields (fire-and-forget to Meilisearch).
func (s *Service) IndexFields(projectID, sectionID string, fields []store.Field) {
	if s.meili == nil || !s.meili.Healthy() || len(fields) == 0 {
		return
	}
	records := ToRecords(fields)
	go func() {
		if err := s.meili.IndexFields(records); err != nil {
			log.Printf("search: index %d field(s) of %s/%s: %v", len(records), projectID, sectionID, err)
		}
	}()
}

// Reindex pushes every given field to Meilisearch synchronously.
func (s *Service) Reindex(fields []store.Field) error {
	if s.meili == nil || !s.meili.Healthy() {
		return nil
	}
	return s.meili.IndexFields(ToRecords(fields))
}

func ToRecords(fields []store.Field) []FieldRecord {
	records := make([]FieldRecord, 0, len(fields))
	for _, f := range fields {
		records = append(records, FieldRecord{
			ID:        recordID(f.ProjectID, f.SectionID, f.FieldID),
			ProjectID: f.ProjectID,
			SectionID: f.SectionID,
			FieldID:   f.FieldID,
			Text:      content.PlainText(f.Value),
			Version:   f.Version,
		})
	}
	return records
}

func snippet(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "…"
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
