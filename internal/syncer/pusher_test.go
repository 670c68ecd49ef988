package syncer

import (
	"context"
	"testing"

	"funnelsync/api/internal/catalog"
	"funnelsync/api/internal/content"
	"funnelsync/api/internal/platform"
	"funnelsync/api/internal/store"
)

const projectID = "0b7d5f0e-3c43-4f55-8d9a-1f6a6d2b7c10"

type update struct {
	location, id, name, value string
}

type fakePlatform struct {
	records    []platform.Record
	listErr    error
	listCalls  int
	updates    []update
	updateFunc func(u update) error
}

func (f *fakePlatform) ListRecords(_ context.Context, _ string) ([]platform.Record, error) {
	f.listCalls++
	return f.records, f.listErr
}

func (f *fakePlatform) UpdateRecord(_ context.Context, location, id, name, value string) error {
	u := update{location: location, id: id, name: name, value: value}
	f.updates = append(f.updates, u)
	if f.updateFunc != nil {
		return f.updateFunc(u)
	}
	return nil
}

func approvedSection(t *testing.T, sectionID string, fields map[string]content.Value) *store.MemoryStore {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()
	if err := s.SaveIntegration(ctx, store.Integration{ProjectID: projectID, LocationID: "loc-1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.InsertDocument(ctx, store.SectionDocument{ProjectID: projectID, SectionID: sectionID, Status: store.StatusApproved, Phase: 2}); err != nil {
		t.Fatal(err)
	}
	for fieldID, value := range fields {
		if _, err := s.SupersedeField(ctx, store.Field{ProjectID: projectID, SectionID: sectionID, FieldID: fieldID, Value: value}); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

func lastAudit(t *testing.T, s *store.MemoryStore) store.SyncAuditEntry {
	t.Helper()
	entries, _ := s.ListSyncAudit(context.Background(), projectID, 10)
	if len(entries) == 0 {
		t.Fatal("no audit entry written")
	}
	return entries[0]
}

func TestPushUpdatesMatchedAndSkipsUnmatched(t *testing.T) {
	s := approvedSection(t, "funnelCopy", map[string]content.Value{
		"optinHeadline":   content.String("Get the checklist"),
		"bookingHeadline": content.String("Book a call"),
	})
	fake := &fakePlatform{records: []platform.Record{
		{ID: "r1", Name: "02_Optin Headline", Value: "old"},
		{ID: "r2", Name: "thank_you_headline"},
	}}

	result, err := NewPusher(s, fake, catalog.Default(), 0).PushSection(context.Background(), projectID, "funnelCopy")
	if err != nil {
		t.Fatalf("PushSection failed: %v", err)
	}
	if !result.Success || result.Pushed != 1 || result.Updated != 1 || result.Skipped != 1 || result.Failed != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
	if fake.listCalls != 1 {
		t.Fatalf("directory listed %d times", fake.listCalls)
	}
	if len(fake.updates) != 1 {
		t.Fatalf("expected exactly one update, got %+v", fake.updates)
	}
	got := fake.updates[0]
	if got.location != "loc-1" || got.id != "r1" || got.name != "02_Optin Headline" || got.value != "Get the checklist" {
		t.Fatalf("unexpected update %+v", got)
	}

	entry := lastAudit(t, s)
	if !entry.Success || entry.PushedCount != 1 || entry.SkippedCount != 1 || entry.SectionID != "funnelCopy" {
		t.Fatalf("unexpected audit %+v", entry)
	}
}

func TestPushUnmatchedKeyMakesNoWrites(t *testing.T) {
	s := approvedSection(t, "funnelCopy", map[string]content.Value{
		"bookingHeadline": content.String("Book a call"),
	})
	fake := &fakePlatform{records: []platform.Record{{ID: "r1", Name: "unrelated"}}}

	result, _ := NewPusher(s, fake, catalog.Default(), 0).PushSection(context.Background(), projectID, "funnelCopy")
	if !result.Success || result.Skipped != 1 || len(fake.updates) != 0 {
		t.Fatalf("result %+v, updates %+v", result, fake.updates)
	}
}

func TestPushExcludesSkippedFields(t *testing.T) {
	s := approvedSection(t, "vsl", map[string]content.Value{
		"hook":   content.String("Stop scrolling"),
		"script": content.String("long script"),
	})
	fake := &fakePlatform{records: []platform.Record{
		{ID: "h", Name: "vsl_hook"},
		{ID: "s", Name: "script"},
	}}

	result, _ := NewPusher(s, fake, catalog.Default(), 0).PushSection(context.Background(), projectID, "vsl")
	if result.Updated != 1 || result.Skipped != 0 || len(fake.updates) != 1 || fake.updates[0].id != "h" {
		t.Fatalf("result %+v, updates %+v", result, fake.updates)
	}
}

func TestPushRequiresApproval(t *testing.T) {
	ctx := context.Background()
	s := approvedSection(t, "ads", nil)
	if _, err := s.SetStatusBulk(ctx, projectID, []string{"ads"}, store.StatusGenerated); err != nil {
		t.Fatal(err)
	}
	fake := &fakePlatform{}

	result, err := NewPusher(s, fake, catalog.Default(), 0).PushSection(ctx, projectID, "ads")
	if err != nil {
		t.Fatal(err)
	}
	if result.Success || result.Error != ErrNotApproved.Error() {
		t.Fatalf("unexpected result %+v", result)
	}
	if fake.listCalls != 0 {
		t.Fatal("unapproved sections must not reach the platform")
	}
	if entry := lastAudit(t, s); entry.Success || entry.Error != ErrNotApproved.Error() {
		t.Fatalf("unexpected audit %+v", entry)
	}
}

func TestPushWithoutIntegration(t *testing.T) {
	s := store.NewMemoryStore()
	result, err := NewPusher(s, &fakePlatform{}, catalog.Default(), 0).PushSection(context.Background(), projectID, "ads")
	if err != nil || result.Success || result.Error != ErrNoIntegration.Error() {
		t.Fatalf("PushSection() = %+v, %v", result, err)
	}
	lastAudit(t, s)
}

func TestPushContinuesAfterFailedUpdate(t *testing.T) {
	s := approvedSection(t, "ads", map[string]content.Value{
		"primaryText": content.String("Buy"),
		"headlines":   content.List(content.String("One"), content.String("Two")),
	})
	fake := &fakePlatform{
		records: []platform.Record{{ID: "p", Name: "ad_primary_text"}, {ID: "h", Name: "ad_headlines"}},
		updateFunc: func(u update) error {
			if u.id == "h" {
				return &platform.StatusError{Op: "update record", Code: 500}
			}
			return nil
		},
	}

	result, err := NewPusher(s, fake, catalog.Default(), 0).PushSection(context.Background(), projectID, "ads")
	if err != nil {
		t.Fatal(err)
	}
	if result.Success || result.Failed != 1 || result.Updated != 1 || len(fake.updates) != 2 {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.Errors[0].Key != "ad_headlines" {
		t.Fatalf("unexpected errors %+v", result.Errors)
	}
	if fake.updates[0].value != "One\nTwo" {
		t.Fatalf("list rendered as %q", fake.updates[0].value)
	}
	if entry := lastAudit(t, s); entry.Success || entry.FailedCount != 1 {
		t.Fatalf("unexpected audit %+v", entry)
	}
}

func TestPushCancellationFailsRemainingFields(t *testing.T) {
	s := approvedSection(t, "funnelCopy", map[string]content.Value{
		"bookingHeadline":  content.String("a"),
		"optinHeadline":    content.String("b"),
		"thankYouHeadline": content.String("c"),
		"optinSubheadline": content.String("d"),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fake := &fakePlatform{
		records: []platform.Record{
			{ID: "1", Name: "booking_headline"},
			{ID: "2", Name: "optin_headline"},
			{ID: "3", Name: "thank_you_headline"},
		},
		updateFunc: func(update) error {
			cancel()
			return nil
		},
	}

	result, err := NewPusher(s, fake, catalog.Default(), 0).PushSection(ctx, projectID, "funnelCopy")
	if err != nil {
		t.Fatal(err)
	}
	if result.Success || result.Updated != 1 || result.Failed != 2 || result.Skipped != 1 || len(fake.updates) != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	for _, e := range result.Errors {
		if e.Error != context.Canceled.Error() {
			t.Fatalf("unexpected error %+v", e)
		}
	}
	if entry := lastAudit(t, s); entry.FailedCount != 2 || entry.UpdatedCount != 1 || entry.SkippedCount != 1 {
		t.Fatalf("audit not written after cancellation: %+v", entry)
	}
}

func TestPushRejectsMalformedProject(t *testing.T) {
	s := store.NewMemoryStore()
	result, err := NewPusher(s, &fakePlatform{}, catalog.Default(), 0).PushSection(context.Background(), "nope", "ads")
	if err != nil || result.Success {
		t.Fatalf("PushSection() = %+v, %v", result, err)
	}
}
