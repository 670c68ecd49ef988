package export

import (
	"context"
	"fmt"
	"sort"
	"time"

	"funnelsync/api/internal/catalog"
	"funnelsync/api/internal/content"
	"funnelsync/api/internal/store"
)

// DataStore is the read side the exporter needs.
type DataStore interface {
	ListCurrentDocuments(ctx context.Context, projectID string) ([]store.SectionDocument, error)
	ListProjectFields(ctx context.Context, projectID string) ([]store.Field, error)
}

type Service struct {
	store DataStore
	cat   *catalog.Catalog
	pdf   PDFRenderer
	now   func() time.Time
}

// NewService creates an export service. A nil renderer uses ChromePDF.
func NewService(s DataStore, cat *catalog.Catalog, pdf PDFRenderer) *Service {
	if pdf == nil {
		pdf = ChromePDF
	}
	return &Service{store: s, cat: cat, pdf: pdf, now: time.Now}
}

// Export renders a project's sections in catalog order.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	data, err := s.templateData(ctx, req)
	if err != nil {
		return nil, err
	}
	html, err := RenderProjectHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	sections := make([]string, 0, len(data.Sections))
	for _, section := range data.Sections {
		sections = append(sections, section.ID)
	}
	result := &Result{
		Filename:    sanitizeFilename(data.Title),
		Sections:    sections,
		GeneratedAt: data.GeneratedAt,
	}

	switch req.Format {
	case FormatHTML, "":
		result.Data = []byte(html)
		result.Filename += ".html"
		result.MimeType = "text/html; charset=utf-8"
	case FormatPDF:
		pdf, err := s.pdf(ctx, html)
		if err != nil {
			return nil, err
		}
		result.Data = pdf
		result.Filename += ".pdf"
		result.MimeType = "application/pdf"
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
	return result, nil
}

func (s *Service) templateData(ctx context.Context, req Request) (TemplateData, error) {
	docs, err := s.store.ListCurrentDocuments(ctx, req.ProjectID)
	if err != nil {
		return TemplateData{}, fmt.Errorf("list documents: %w", err)
	}
	fields, err := s.store.ListProjectFields(ctx, req.ProjectID)
	if err != nil {
		return TemplateData{}, fmt.Errorf("list fields: %w", err)
	}

	wanted := make(map[string]bool, len(req.Sections))
	for _, id := range req.Sections {
		wanted[id] = true
	}
	bySection := make(map[string]store.SectionDocument, len(docs))
	for _, doc := range docs {
		if len(wanted) > 0 && !wanted[doc.SectionID] {
			continue
		}
		switch doc.Status {
		case store.StatusApproved:
		case store.StatusGenerated:
			if !req.IncludeUnapproved {
				continue
			}
		default:
			continue
		}
		bySection[doc.SectionID] = doc
	}
	fieldsBySection := make(map[string][]store.Field)
	for _, f := range fields {
		fieldsBySection[f.SectionID] = append(fieldsBySection[f.SectionID], f)
	}

	phaseNames := make(map[int]string, len(s.cat.Phases))
	for _, phase := range s.cat.Phases {
		phaseNames[phase.Number] = phase.Name
	}

	data := TemplateData{Title: req.Title, GeneratedAt: s.now().UTC()}
	if data.Title == "" {
		data.Title = "Funnel content"
	}
	for _, id := range s.orderedSectionIDs(bySection) {
		doc := bySection[id]
		section := s.cat.Resolve(id)
		title := section.Title
		if title == "" {
			title = id
		}
		phase := s.cat.PhaseOf(id)
		ts := TemplateSection{
			ID:        id,
			Title:     title,
			Phase:     phase,
			PhaseName: phaseNames[phase],
			Status:    string(doc.Status),
		}
		for _, f := range fieldsBySection[id] {
			text := content.PlainText(f.Value)
			if text == "" {
				continue
			}
			ts.Fields = append(ts.Fields, TemplateField{Label: fieldLabel(f.FieldID), Text: text})
		}
		data.Sections = append(data.Sections, ts)
	}
	if len(data.Sections) == 0 {
		return TemplateData{}, ErrNothingToExport
	}
	return data, nil
}

// orderedSectionIDs puts catalog sections first in catalog order, then any
// uncatalogued sections alphabetically.
func (s *Service) orderedSectionIDs(present map[string]store.SectionDocument) []string {
	ids := make([]string, 0, len(present))
	seen := make(map[string]bool, len(present))
	for _, id := range s.cat.SectionIDs() {
		if _, ok := present[id]; ok {
			ids = append(ids, id)
			seen[id] = true
		}
	}
	extra := make([]string, 0)
	for id := range present {
		if !seen[id] {
			extra = append(extra, id)
		}
	}
	sort.Strings(extra)
	return append(ids, extra...)
}
