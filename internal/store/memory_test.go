package store

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"funnelsync/api/internal/content"
)

func TestMemorySupersedeKeepsHistory(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, value := range []string{"a", "b", "c"} {
		if _, err := s.SupersedeField(ctx, Field{ProjectID: "p", SectionID: "offer", FieldID: "tier1Promise", Value: content.String(value)}); err != nil {
			t.Fatalf("SupersedeField() error = %v", err)
		}
	}

	history := s.FieldHistory("p", "offer", "tier1Promise")
	if len(history) != 3 {
		t.Fatalf("history length = %d, want 3", len(history))
	}
	for i, row := range history {
		if row.Version != i+1 {
			t.Errorf("row %d version = %d", i, row.Version)
		}
		if row.IsCurrent != (i == 2) {
			t.Errorf("row %d is_current = %v", i, row.IsCurrent)
		}
	}

	current, err := s.ListCurrentFields(ctx, "p", "offer")
	if err != nil {
		t.Fatalf("ListCurrentFields() error = %v", err)
	}
	if len(current) != 1 || current[0].ValueType != "string" {
		t.Fatalf("unexpected current fields: %+v", current)
	}
}

func TestMemoryDocumentVersionCheck(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	doc, err := s.InsertDocument(ctx, SectionDocument{ProjectID: "p", SectionID: "offer", Status: StatusGenerated})
	if err != nil {
		t.Fatalf("InsertDocument() error = %v", err)
	}
	if _, err := s.InsertDocument(ctx, SectionDocument{ProjectID: "p", SectionID: "offer"}); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("duplicate insert error = %v", err)
	}

	next, err := s.UpdateDocumentContent(ctx, doc.ID, doc.Version, content.Record{"a": content.String("x")}, 1)
	if err != nil {
		t.Fatalf("UpdateDocumentContent() error = %v", err)
	}
	if next != doc.Version+1 {
		t.Fatalf("version = %d", next)
	}
	if _, err := s.UpdateDocumentStatus(ctx, doc.ID, doc.Version, StatusApproved); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("stale status update error = %v", err)
	}

	loaded, err := s.GetCurrentDocument(ctx, "p", "offer")
	if err != nil {
		t.Fatalf("GetCurrentDocument() error = %v", err)
	}
	loaded.Content.Set("a", content.String("mutated"))
	again, _ := s.GetCurrentDocument(ctx, "p", "offer")
	if v, _ := again.Content.Lookup("a"); !content.Equal(v, content.String("x")) {
		t.Fatal("reads must return copies")
	}
}

func TestMemorySetStatusBulkSkipsGenerating(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for id, status := range map[string]Status{"offer": StatusGenerated, "story": StatusGenerating, "message": StatusApproved} {
		if _, err := s.InsertDocument(ctx, SectionDocument{ProjectID: "p", SectionID: id, Status: status}); err != nil {
			t.Fatalf("InsertDocument(%s) error = %v", id, err)
		}
	}

	changed, err := s.SetStatusBulk(ctx, "p", []string{"offer", "story", "message"}, StatusApproved)
	if err != nil {
		t.Fatalf("SetStatusBulk() error = %v", err)
	}
	if !reflect.DeepEqual(changed, []string{"offer"}) {
		t.Fatalf("changed = %v, want [offer]", changed)
	}

	generating, _ := s.ListSectionIDsByStatus(ctx, "p", StatusGenerating)
	if !reflect.DeepEqual(generating, []string{"story"}) {
		t.Fatalf("generating = %v", generating)
	}
}

func TestMemoryAuditNewestFirst(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, section := range []string{"offer", "vsl", "ads"} {
		if err := s.InsertSyncAudit(ctx, SyncAuditEntry{ProjectID: "p", SectionID: section}); err != nil {
			t.Fatalf("InsertSyncAudit() error = %v", err)
		}
	}
	_ = s.InsertSyncAudit(ctx, SyncAuditEntry{ProjectID: "other", SectionID: "offer"})

	entries, err := s.ListSyncAudit(ctx, "p", 2)
	if err != nil {
		t.Fatalf("ListSyncAudit() error = %v", err)
	}
	if len(entries) != 2 || entries[0].SectionID != "ads" || entries[1].SectionID != "vsl" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}
