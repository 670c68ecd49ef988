package approval

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"funnelsync/api/internal/catalog"
	"funnelsync/api/internal/content"
	"funnelsync/api/internal/reconcile"
	"funnelsync/api/internal/store"
)

const projectID = "3d8e54a4-95b2-4d0b-8c59-2b1e7f3a6c21"

type fakeRecorder struct {
	projectID string
	sections  []string
	err       error
}

func (f *fakeRecorder) RecordApproved(_ context.Context, projectID string, docs []store.SectionDocument) error {
	f.projectID = projectID
	for _, doc := range docs {
		f.sections = append(f.sections, doc.SectionID)
	}
	return f.err
}

func newMachine(t *testing.T, opts ...Option) (*Machine, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	cat := catalog.Default()
	return New(s, cat, reconcile.New(s, cat), opts...), s
}

func putDocument(t *testing.T, s *store.MemoryStore, sectionID string, status store.Status) {
	t.Helper()
	if _, err := s.InsertDocument(context.Background(), store.SectionDocument{
		ProjectID: projectID,
		SectionID: sectionID,
		Status:    status,
		Phase:     catalog.Default().PhaseOf(sectionID),
	}); err != nil {
		t.Fatalf("insert %s: %v", sectionID, err)
	}
}

func statusOf(t *testing.T, s *store.MemoryStore, sectionID string) store.Status {
	t.Helper()
	doc, err := s.GetCurrentDocument(context.Background(), projectID, sectionID)
	if err != nil {
		t.Fatalf("get %s: %v", sectionID, err)
	}
	return doc.Status
}

func TestSetApprovalsLeavesGeneratingSectionsAlone(t *testing.T) {
	ctx := context.Background()
	m, s := newMachine(t)
	putDocument(t, s, "idealClient", store.StatusGenerated)
	putDocument(t, s, "message", store.StatusGenerating)
	putDocument(t, s, "story", store.StatusGenerating)
	putDocument(t, s, "offer", store.StatusApproved)

	result, err := m.SetApprovals(ctx, projectID, Request{
		Approved: map[int][]string{1: {"idealClient", "message"}},
	})
	if err != nil || !result.Success {
		t.Fatalf("SetApprovals() = %+v, %v", result, err)
	}

	if got := statusOf(t, s, "message"); got != store.StatusGenerating {
		t.Fatalf("approved-set generating section became %s", got)
	}
	if got := statusOf(t, s, "story"); got != store.StatusGenerating {
		t.Fatalf("unapproved-set generating section became %s", got)
	}
	if got := statusOf(t, s, "idealClient"); got != store.StatusApproved {
		t.Fatalf("idealClient = %s", got)
	}
	if got := statusOf(t, s, "offer"); got != store.StatusGenerated {
		t.Fatalf("offer = %s", got)
	}
	if !reflect.DeepEqual(result.ExcludedGenerating, []string{"message", "story"}) {
		t.Fatalf("ExcludedGenerating = %v", result.ExcludedGenerating)
	}
	if !reflect.DeepEqual(result.Approved, []string{"idealClient"}) || !reflect.DeepEqual(result.Unapproved, []string{"offer"}) {
		t.Fatalf("Approved = %v, Unapproved = %v", result.Approved, result.Unapproved)
	}
}

func TestPhaseCompletionTracksCatalog(t *testing.T) {
	ctx := context.Background()
	m, s := newMachine(t)
	for _, id := range []string{"idealClient", "message", "story"} {
		putDocument(t, s, id, store.StatusApproved)
	}
	// A stale phase column must not move a section between phases.
	if _, err := s.InsertDocument(ctx, store.SectionDocument{ProjectID: projectID, SectionID: "offer", Status: store.StatusGenerated, Phase: 3}); err != nil {
		t.Fatal(err)
	}

	got, err := m.GetApprovals(ctx, projectID)
	if err != nil {
		t.Fatal(err)
	}
	if got.PhaseComplete[1] {
		t.Fatal("phase 1 complete with offer unapproved")
	}

	phase1 := catalog.Default().PhaseSections(1)
	if _, err := m.SetApprovals(ctx, projectID, Request{Approved: map[int][]string{1: phase1}}); err != nil {
		t.Fatal(err)
	}
	got, _ = m.GetApprovals(ctx, projectID)
	if !got.PhaseComplete[1] || got.PhaseComplete[2] {
		t.Fatalf("PhaseComplete = %v", got.PhaseComplete)
	}
	if !reflect.DeepEqual(got.Approved[1], []string{"idealClient", "message", "offer", "story"}) {
		t.Fatalf("Approved[1] = %v", got.Approved[1])
	}
	if len(got.Approved[3]) != 0 {
		t.Fatalf("Approved[3] = %v", got.Approved[3])
	}

	if _, err := m.SetApprovals(ctx, projectID, Request{Approved: map[int][]string{1: phase1[1:]}}); err != nil {
		t.Fatal(err)
	}
	got, _ = m.GetApprovals(ctx, projectID)
	if got.PhaseComplete[1] {
		t.Fatal("removing one approval must clear phase completion")
	}
}

func TestSetApprovalsInsertsPlaceholders(t *testing.T) {
	ctx := context.Background()
	m, s := newMachine(t)

	result, err := m.SetApprovals(ctx, projectID, Request{Approved: map[int][]string{2: {"ads"}}})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(result.Placeholders, []string{"ads"}) {
		t.Fatalf("Placeholders = %v", result.Placeholders)
	}
	doc, err := s.GetCurrentDocument(ctx, projectID, "ads")
	if err != nil {
		t.Fatal(err)
	}
	if doc.Status != store.StatusApproved || len(doc.Content) != 0 || doc.Phase != 2 {
		t.Fatalf("unexpected placeholder %+v", doc)
	}
}

func TestSetApprovalsUnapprovesSectionsOutsideCatalog(t *testing.T) {
	ctx := context.Background()
	m, s := newMachine(t)

	if _, err := m.SetApprovals(ctx, projectID, Request{Approved: map[int][]string{1: {"bonusWebinar"}}}); err != nil {
		t.Fatal(err)
	}
	if got := statusOf(t, s, "bonusWebinar"); got != store.StatusApproved {
		t.Fatalf("bonusWebinar status = %s", got)
	}

	result, err := m.SetApprovals(ctx, projectID, Request{Approved: map[int][]string{1: {"offer"}}})
	if err != nil {
		t.Fatal(err)
	}
	if got := statusOf(t, s, "bonusWebinar"); got != store.StatusGenerated {
		t.Fatalf("bonusWebinar left %s after being omitted", got)
	}
	found := false
	for _, id := range result.Unapproved {
		found = found || id == "bonusWebinar"
	}
	if !found {
		t.Fatalf("Unapproved = %v", result.Unapproved)
	}
}

func TestResetSectionsOnlyTouchesTargets(t *testing.T) {
	ctx := context.Background()
	m, s := newMachine(t)
	putDocument(t, s, "offer", store.StatusApproved)
	putDocument(t, s, "story", store.StatusApproved)
	putDocument(t, s, "message", store.StatusGenerating)

	result, err := m.SetApprovals(ctx, projectID, Request{
		ResetSections: []string{"offer", "message"},
		UnlockPhases:  []int{2},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(result.Reset, []string{"offer"}) || !reflect.DeepEqual(result.ExcludedGenerating, []string{"message"}) {
		t.Fatalf("unexpected result %+v", result)
	}
	if statusOf(t, s, "story") != store.StatusApproved || statusOf(t, s, "offer") != store.StatusGenerated {
		t.Fatal("reset touched sections outside its targets")
	}
	if statusOf(t, s, "message") != store.StatusGenerating {
		t.Fatal("reset moved a generating section")
	}
	if phases, _ := s.ListUnlockedPhases(ctx, projectID); len(phases) != 0 {
		t.Fatalf("reset must not record unlocks, got %v", phases)
	}
}

func TestUnlockPhasesAndRecorder(t *testing.T) {
	ctx := context.Background()
	recorder := &fakeRecorder{err: errors.New("repo offline")}
	m, s := newMachine(t, WithRecorder(recorder))
	putDocument(t, s, "offer", store.StatusGenerated)

	result, err := m.SetApprovals(ctx, projectID, Request{
		Approved:     map[int][]string{1: {"offer", "story"}},
		UnlockPhases: []int{2, 2},
	})
	if err != nil || !result.Success {
		t.Fatalf("recorder failures must not fail approval: %+v, %v", result, err)
	}
	if !reflect.DeepEqual(result.UnlockedPhases, []int{2}) {
		t.Fatalf("UnlockedPhases = %v", result.UnlockedPhases)
	}
	got, _ := m.GetApprovals(ctx, projectID)
	if !reflect.DeepEqual(got.UnlockedPhases, []int{2}) {
		t.Fatalf("GetApprovals().UnlockedPhases = %v", got.UnlockedPhases)
	}
	if recorder.projectID != projectID || !reflect.DeepEqual(recorder.sections, []string{"offer", "story"}) {
		t.Fatalf("recorder saw %s %v", recorder.projectID, recorder.sections)
	}
}

func TestMalformedProjectIsNeutral(t *testing.T) {
	ctx := context.Background()
	m, _ := newMachine(t)

	got, err := m.GetApprovals(ctx, "not-a-uuid")
	if err != nil || len(got.Approved[1]) != 0 || got.PhaseComplete[1] {
		t.Fatalf("GetApprovals() = %+v, %v", got, err)
	}
	result, err := m.SetApprovals(ctx, "not-a-uuid", Request{Approved: map[int][]string{1: {"offer"}}})
	if err != nil || !result.Success || len(result.Approved) != 0 {
		t.Fatalf("SetApprovals() = %+v, %v", result, err)
	}
}

func TestBeginGenerationCascades(t *testing.T) {
	ctx := context.Background()
	m, s := newMachine(t)
	putDocument(t, s, "closerScript", store.StatusApproved)
	putDocument(t, s, "appointmentReminders", store.StatusGenerating)

	result, err := m.BeginGeneration(ctx, projectID, "closerScript", true)
	if err != nil {
		t.Fatalf("BeginGeneration failed: %v", err)
	}
	if !reflect.DeepEqual(result.Generating, []string{"closerScript"}) || !reflect.DeepEqual(result.AlreadyGenerating, []string{"appointmentReminders"}) {
		t.Fatalf("unexpected result %+v", result)
	}
	if statusOf(t, s, "closerScript") != store.StatusGenerating {
		t.Fatal("closerScript not generating")
	}

	if _, err := m.BeginGeneration(ctx, projectID, "closerScript", false); !errors.Is(err, ErrGenerating) {
		t.Fatalf("expected ErrGenerating, got %v", err)
	}
}

func TestBeginGenerationInsertsPlaceholder(t *testing.T) {
	ctx := context.Background()
	m, s := newMachine(t)

	result, err := m.BeginGeneration(ctx, projectID, "idealClient", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Generating) != len(catalog.Default().Dependents("idealClient"))+1 {
		t.Fatalf("Generating = %v", result.Generating)
	}
	if statusOf(t, s, "appointmentReminders") != store.StatusGenerating {
		t.Fatal("transitive dependent not marked generating")
	}
}

func TestCompleteGeneration(t *testing.T) {
	ctx := context.Background()
	m, s := newMachine(t)
	if _, err := m.BeginGeneration(ctx, projectID, "offer", false); err != nil {
		t.Fatal(err)
	}

	doc := content.Record{}
	doc.Set("offer.tier1Promise", content.String("Lose 10lbs"))
	doc.Set("offer.tier1RecommendedPrice", content.String("$997"))
	result, err := m.CompleteGeneration(ctx, projectID, "offer", doc)
	if err != nil {
		t.Fatalf("CompleteGeneration failed: %v", err)
	}
	if !result.Success || result.SchemaVersion != 2 || result.Fields.Written != 2 {
		t.Fatalf("unexpected result %+v", result)
	}

	stored, _ := s.GetCurrentDocument(ctx, projectID, "offer")
	if stored.Status != store.StatusGenerated || !content.RecordsEqual(stored.Content, doc) {
		t.Fatalf("unexpected document %+v", stored)
	}
	fields, _ := s.ListCurrentFields(ctx, projectID, "offer")
	if len(fields) != 2 {
		t.Fatalf("fields = %+v", fields)
	}

	if _, err := m.CompleteGeneration(ctx, projectID, "offer", doc); !errors.Is(err, ErrNotGenerating) {
		t.Fatalf("expected ErrNotGenerating, got %v", err)
	}
}

func TestReleaseGenerating(t *testing.T) {
	ctx := context.Background()
	m, s := newMachine(t)
	putDocument(t, s, "vsl", store.StatusGenerating)

	released, err := m.ReleaseGenerating(ctx, projectID, "vsl")
	if err != nil || !released {
		t.Fatalf("ReleaseGenerating() = %v, %v", released, err)
	}
	if statusOf(t, s, "vsl") != store.StatusGenerated {
		t.Fatal("vsl still generating")
	}
	released, err = m.ReleaseGenerating(ctx, projectID, "vsl")
	if err != nil || released {
		t.Fatalf("second ReleaseGenerating() = %v, %v", released, err)
	}
	if _, err := m.ReleaseGenerating(ctx, "bad", "vsl"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
