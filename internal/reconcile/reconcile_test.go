package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"funnelsync/api/internal/catalog"
	"funnelsync/api/internal/content"
	"funnelsync/api/internal/lease"
	"funnelsync/api/internal/store"
)

const projectID = "6f1c2a1e-7d1b-4c4e-9a53-0c8f1b2d9e11"

type flakyStore struct {
	*store.MemoryStore
	failField string
	conflicts int
}

func (f *flakyStore) SupersedeField(ctx context.Context, item store.Field) (store.Field, error) {
	if item.FieldID == f.failField {
		return store.Field{}, errors.New("disk full")
	}
	return f.MemoryStore.SupersedeField(ctx, item)
}

func (f *flakyStore) UpdateDocumentContent(ctx context.Context, id string, expected int, doc content.Record, schemaVersion int) (int, error) {
	if f.conflicts > 0 {
		f.conflicts--
		return 0, store.ErrVersionConflict
	}
	return f.MemoryStore.UpdateDocumentContent(ctx, id, expected, doc, schemaVersion)
}

type recordingIndexer struct {
	calls  int
	fields []string
}

func (r *recordingIndexer) IndexFields(_, _ string, fields []store.Field) {
	r.calls++
	for _, f := range fields {
		r.fields = append(r.fields, f.FieldID)
	}
}

func seedField(t *testing.T, s *store.MemoryStore, sectionID, fieldID string, value content.Value) {
	t.Helper()
	if _, err := s.SupersedeField(context.Background(), store.Field{
		ProjectID: projectID,
		SectionID: sectionID,
		FieldID:   fieldID,
		Value:     value,
	}); err != nil {
		t.Fatalf("seed field %s: %v", fieldID, err)
	}
}

func lookupString(t *testing.T, doc content.Record, path string) string {
	t.Helper()
	value, ok := doc.Lookup(path)
	if !ok {
		t.Fatalf("path %s missing from %v", path, doc)
	}
	text, ok := value.Str()
	if !ok {
		t.Fatalf("path %s is %s, want string", path, value.Kind())
	}
	return text
}

func TestFromFieldsCreatesDocumentInNewestShape(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedField(t, s, "offer", "tier1Promise", content.String("Lose 10lbs"))
	seedField(t, s, "offer", "tier1RecommendedPrice", content.String("$997"))

	r := New(s, catalog.Default())
	result, err := r.FromFields(ctx, projectID, "offer")
	if err != nil {
		t.Fatalf("FromFields failed: %v", err)
	}
	if !result.Success || !result.Created || result.FieldCount != 2 {
		t.Fatalf("unexpected result %+v", result)
	}

	doc, err := s.GetCurrentDocument(ctx, projectID, "offer")
	if err != nil {
		t.Fatalf("GetCurrentDocument failed: %v", err)
	}
	if doc.Status != store.StatusGenerated || doc.Phase != 1 || doc.SchemaVersion != 2 {
		t.Fatalf("unexpected document %+v", doc)
	}
	if got := lookupString(t, doc.Content, "offer.tier1Promise"); got != "Lose 10lbs" {
		t.Fatalf("offer.tier1Promise = %q", got)
	}
	if doc.Content.Has("signatureOffer") {
		t.Fatal("new documents must not use the legacy shape")
	}
}

func TestFromFieldsKeepsLegacyShape(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	legacy := content.Record{}
	legacy.Set("signatureOffer.thePromise", content.String("old"))
	legacy.Set("signatureOffer.offerName", content.String("Signature"))
	if _, err := s.InsertDocument(ctx, store.SectionDocument{
		ProjectID: projectID,
		SectionID: "offer",
		Content:   legacy,
		Status:    store.StatusApproved,
		Phase:     1,
	}); err != nil {
		t.Fatal(err)
	}
	seedField(t, s, "offer", "tier1Promise", content.String("Lose 10lbs"))

	r := New(s, catalog.Default())
	result, err := r.FromFields(ctx, projectID, "offer")
	if err != nil || !result.Success || result.Created {
		t.Fatalf("FromFields() = %+v, %v", result, err)
	}

	doc, _ := s.GetCurrentDocument(ctx, projectID, "offer")
	if got := lookupString(t, doc.Content, "signatureOffer.thePromise"); got != "Lose 10lbs" {
		t.Fatalf("signatureOffer.thePromise = %q", got)
	}
	if doc.Content.Has("offer.tier1Promise") {
		t.Fatal("legacy document gained a new-shape path")
	}
	if doc.SchemaVersion != 1 {
		t.Fatalf("SchemaVersion = %d, want 1", doc.SchemaVersion)
	}
	if doc.Status != store.StatusApproved {
		t.Fatal("folding must not change status")
	}
}

func TestFoldReusesExistingPathInMixedDocument(t *testing.T) {
	mixed := content.Record{}
	mixed.Set("signatureOffer.thePromise", content.String("old"))
	mixed.Set("offer.guarantee", content.String("30 days"))
	fields := []store.Field{{FieldID: "tier1Promise", Value: content.String("new")}}

	offer, _ := catalog.Default().Section("offer")
	out, version := Fold(offer, mixed, 0, fields)

	if got := lookupString(t, out, "signatureOffer.thePromise"); got != "new" {
		t.Fatalf("signatureOffer.thePromise = %q, want new", got)
	}
	if out.Has("offer.tier1Promise") {
		t.Fatalf("mixed document gained a second promise: %v", out)
	}
	if got := lookupString(t, out, "offer.guarantee"); got != "30 days" {
		t.Fatalf("offer.guarantee = %q", got)
	}
	if version != 2 {
		t.Fatalf("version = %d, want 2", version)
	}

	// A stored version is authoritative.
	out, version = Fold(offer, mixed, 2, fields)
	if got := lookupString(t, out, "offer.tier1Promise"); got != "new" || version != 2 {
		t.Fatalf("versioned fold: offer.tier1Promise = %q, version %d", got, version)
	}
}

func TestFromFieldsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedField(t, s, "offer", "tier1Promise", content.String("Lose 10lbs"))
	seedField(t, s, "offer", "guarantee", content.MustFromAny(map[string]any{"days": 30, "kind": "refund"}))

	r := New(s, catalog.Default())
	if _, err := r.FromFields(ctx, projectID, "offer"); err != nil {
		t.Fatal(err)
	}
	first, _ := s.GetCurrentDocument(ctx, projectID, "offer")
	firstBytes, _ := content.EncodeDocument(first.Content)

	result, err := r.FromFields(ctx, projectID, "offer")
	if err != nil {
		t.Fatal(err)
	}
	if !result.Unchanged || result.Version != first.Version {
		t.Fatalf("second fold should be a no-op, got %+v", result)
	}
	second, _ := s.GetCurrentDocument(ctx, projectID, "offer")
	secondBytes, _ := content.EncodeDocument(second.Content)
	if string(firstBytes) != string(secondBytes) || second.Version != first.Version {
		t.Fatalf("content changed:\n%s\n%s", firstBytes, secondBytes)
	}
	if history := s.FieldHistory(projectID, "offer", "tier1Promise"); len(history) != 1 {
		t.Fatalf("fold touched field rows: %d versions", len(history))
	}
}

func TestFromFieldsNormalizesDeliverables(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedField(t, s, "leadMagnet", "coreDeliverables", content.List(content.String("Checklist: 10 steps (Value: $197)")))

	r := New(s, catalog.Default())
	if _, err := r.FromFields(ctx, projectID, "leadMagnet"); err != nil {
		t.Fatal(err)
	}
	doc, _ := s.GetCurrentDocument(ctx, projectID, "leadMagnet")
	got, ok := doc.Content.Lookup("leadMagnet.coreDeliverables")
	if !ok {
		t.Fatalf("coreDeliverables missing: %v", doc.Content)
	}
	want := content.List(content.Object(content.Record{
		"title":       content.String("Checklist"),
		"description": content.String("10 steps"),
		"value":       content.String("$197"),
	}))
	if !content.Equal(got, want) {
		t.Fatalf("coreDeliverables = %v", got)
	}
}

func TestFromFieldsSkips(t *testing.T) {
	ctx := context.Background()
	r := New(store.NewMemoryStore(), catalog.Default())

	result, err := r.FromFields(ctx, "not-a-uuid", "offer")
	if err != nil || !result.Success || !result.Skipped {
		t.Fatalf("malformed project: %+v, %v", result, err)
	}
	result, err = r.FromFields(ctx, projectID, "offer")
	if err != nil || !result.Success || !result.Skipped {
		t.Fatalf("no fields: %+v, %v", result, err)
	}
	if _, err := r.FromFields(ctx, projectID, ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestFromFieldsRetriesVersionConflicts(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	if _, err := mem.InsertDocument(ctx, store.SectionDocument{ProjectID: projectID, SectionID: "story", Status: store.StatusGenerated, Phase: 1}); err != nil {
		t.Fatal(err)
	}
	seedField(t, mem, "story", "originStory", content.String("garage"))

	flaky := &flakyStore{MemoryStore: mem, conflicts: 2}
	result, err := New(flaky, catalog.Default()).FromFields(ctx, projectID, "story")
	if err != nil || !result.Success {
		t.Fatalf("FromFields() = %+v, %v", result, err)
	}

	flaky.conflicts = 5
	seedField(t, mem, "story", "originStory", content.String("basement"))
	result, err = New(flaky, catalog.Default()).FromFields(ctx, projectID, "story")
	if !errors.Is(err, store.ErrVersionConflict) || result.Success {
		t.Fatalf("expected conflict after retries, got %+v, %v", result, err)
	}
}

func TestFromFieldsWaitsForLease(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedField(t, s, "story", "originStory", content.String("garage"))
	locker := lease.NewLocalLocker()
	if _, err := locker.Acquire(ctx, lease.SectionKey("fold", projectID, "story"), time.Minute); err != nil {
		t.Fatal(err)
	}

	r := New(s, catalog.Default(), WithLocker(locker), WithLeaseTiming(time.Minute, 60*time.Millisecond))
	result, err := r.FromFields(ctx, projectID, "story")
	if !errors.Is(err, lease.ErrHeld) || result.Success {
		t.Fatalf("expected lease.ErrHeld, got %+v, %v", result, err)
	}
}

func TestFromSectionThenFromFieldsRoundTrips(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	indexer := &recordingIndexer{}
	r := New(s, catalog.Default(), WithIndexer(indexer))

	original := content.Record{}
	original.Set("offer.tier1Name", content.String("Signature"))
	original.Set("offer.tier1Promise", content.String("Lose 10lbs"))
	original.Set("offer.bonuses", content.List(content.String("Cookbook"), content.String("Community")))
	original.Set("notes", content.MustFromAny(map[string]any{"tone": "warm", "score": 9}))

	flat, err := r.FromSection(ctx, projectID, "offer", original)
	if err != nil || !flat.Success || flat.Failed != 0 {
		t.Fatalf("FromSection() = %+v, %v", flat, err)
	}
	if flat.Written != 4 {
		t.Fatalf("Written = %d, want 4", flat.Written)
	}
	if indexer.calls != 1 || len(indexer.fields) != 4 {
		t.Fatalf("indexer saw %d calls, fields %v", indexer.calls, indexer.fields)
	}

	if _, err := r.FromFields(ctx, projectID, "offer"); err != nil {
		t.Fatal(err)
	}
	doc, _ := s.GetCurrentDocument(ctx, projectID, "offer")
	if !content.RecordsEqual(doc.Content, original) {
		got, _ := content.EncodeDocument(doc.Content)
		want, _ := content.EncodeDocument(original)
		t.Fatalf("round trip mismatch:\n got %s\nwant %s", got, want)
	}
}

func TestFromSectionOverwritesCurrentValues(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedField(t, s, "story", "originStory", content.String("hand edit"))
	r := New(s, catalog.Default())

	doc := content.Record{}
	doc.Set("story.origin", content.String("regenerated"))
	if _, err := r.FromSection(ctx, projectID, "story", doc); err != nil {
		t.Fatal(err)
	}
	history := s.FieldHistory(projectID, "story", "originStory")
	if len(history) != 2 || history[0].IsCurrent || !history[1].IsCurrent {
		t.Fatalf("expected superseded history, got %+v", history)
	}
	if text, _ := history[1].Value.Str(); text != "regenerated" {
		t.Fatalf("current value = %q", text)
	}
}

func TestFromSectionReportsPartialFailures(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyStore{MemoryStore: store.NewMemoryStore(), failField: "pitch"}
	r := New(flaky, catalog.Default())

	doc := content.Record{}
	doc.Set("closerScript.discovery", content.String("ask"))
	doc.Set("closerScript.pitch", content.String("sell"))
	doc.Set("closerScript.objections", content.List())

	result, err := r.FromSection(ctx, projectID, "closerScript", doc)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success || result.Written != 2 || result.Failed != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.Failures[0].FieldID != "pitch" || result.Failures[0].Error != "disk full" {
		t.Fatalf("unexpected failures %+v", result.Failures)
	}
}

func TestEditFieldFoldsSection(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	indexer := &recordingIndexer{}
	r := New(s, catalog.Default(), WithIndexer(indexer))

	result, err := r.EditField(ctx, projectID, "message", "oneLiner", content.String("We help coaches"))
	if err != nil {
		t.Fatalf("EditField failed: %v", err)
	}
	if result.Field.Version != 1 || !result.Fold.Created {
		t.Fatalf("unexpected edit result %+v", result)
	}
	doc, _ := s.GetCurrentDocument(ctx, projectID, "message")
	if got := lookupString(t, doc.Content, "message.oneLiner"); got != "We help coaches" {
		t.Fatalf("message.oneLiner = %q", got)
	}
	if indexer.calls != 1 {
		t.Fatalf("indexer calls = %d", indexer.calls)
	}

	if _, err := r.EditField(ctx, "bad", "message", "oneLiner", content.Null()); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestUpgradeSectionMovesLegacyDocument(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	legacy := content.Record{}
	legacy.Set("signatureOffer.thePromise", content.String("Lose 10lbs"))
	inserted, err := s.InsertDocument(ctx, store.SectionDocument{ProjectID: projectID, SectionID: "offer", Content: legacy, Status: store.StatusGenerated, Phase: 1})
	if err != nil {
		t.Fatal(err)
	}

	r := New(s, catalog.Default())
	result, err := r.UpgradeSection(ctx, projectID, "offer")
	if err != nil {
		t.Fatalf("UpgradeSection failed: %v", err)
	}
	if !result.Upgraded || result.FromVersion != 1 || result.ToVersion != 2 || result.Version != inserted.Version+1 {
		t.Fatalf("unexpected result %+v", result)
	}
	doc, _ := s.GetCurrentDocument(ctx, projectID, "offer")
	if got := lookupString(t, doc.Content, "offer.tier1Promise"); got != "Lose 10lbs" {
		t.Fatalf("offer.tier1Promise = %q", got)
	}
	if doc.SchemaVersion != 2 {
		t.Fatalf("SchemaVersion = %d", doc.SchemaVersion)
	}

	again, err := r.UpgradeSection(ctx, projectID, "offer")
	if err != nil || again.Upgraded {
		t.Fatalf("second upgrade should be a no-op: %+v, %v", again, err)
	}
}

func TestParseDeliverable(t *testing.T) {
	tests := []struct {
		in   string
		want content.Record
	}{
		{
			in: "Checklist: 10 steps (Value: $197)",
			want: content.Record{
				"title":       content.String("Checklist"),
				"description": content.String("10 steps"),
				"value":       content.String("$197"),
			},
		},
		{
			in: "Workbook: covers: pricing and offers",
			want: content.Record{
				"title":       content.String("Workbook"),
				"description": content.String("covers: pricing and offers"),
			},
		},
		{
			in:   "Bonus training",
			want: content.Record{"title": content.String("Bonus training")},
		},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseDeliverable(tt.in); !content.RecordsEqual(got, tt.want) {
				t.Fatalf("ParseDeliverable(%q) = %v", tt.in, got)
			}
		})
	}
}

func TestNormalizeKeepsRecordItems(t *testing.T) {
	record := content.Object(content.Record{"title": content.String("Map")})
	got := Normalize(NormalizeDeliverables, content.List(record, content.String("Guide: intro")))
	items, _ := got.Items()
	if len(items) != 2 || !content.Equal(items[0], record) {
		t.Fatalf("Normalize() = %v", got)
	}
	if got := Normalize(NormalizeDeliverables, content.String("plain")); !content.Equal(got, content.String("plain")) {
		t.Fatal("non-list values pass through")
	}
}
