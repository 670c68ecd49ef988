// Package approval drives section status: per-phase approval, targeted
// resets, and the generating transitions that bulk approval must not touch.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"funnelsync/api/internal/catalog"
	"funnelsync/api/internal/content"
	"funnelsync/api/internal/lease"
	"funnelsync/api/internal/reconcile"
	"funnelsync/api/internal/store"

	"github.com/google/uuid"
)

var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrGenerating    = errors.New("section is already generating")
	ErrNotGenerating = errors.New("section is not generating")
)

type Store interface {
	ListCurrentDocuments(ctx context.Context, projectID string) ([]store.SectionDocument, error)
	ListSectionIDsByStatus(ctx context.Context, projectID string, status store.Status) ([]string, error)
	GetCurrentDocument(ctx context.Context, projectID, sectionID string) (store.SectionDocument, error)
	InsertDocument(ctx context.Context, item store.SectionDocument) (store.SectionDocument, error)
	UpdateDocumentContent(ctx context.Context, documentID string, expectedVersion int, doc content.Record, schemaVersion int) (int, error)
	UpdateDocumentStatus(ctx context.Context, documentID string, expectedVersion int, status store.Status) (int, error)
	SetStatusBulk(ctx context.Context, projectID string, sectionIDs []string, status store.Status) ([]string, error)
	UnlockPhase(ctx context.Context, projectID string, phase int) error
	ListUnlockedPhases(ctx context.Context, projectID string) ([]int, error)
}

// Flattener repopulates fields from a completed generation.
type Flattener interface {
	FromSection(ctx context.Context, projectID, sectionID string, doc content.Record) (reconcile.SectionResult, error)
}

// Recorder keeps a snapshot of newly approved sections. Failures are logged only.
type Recorder interface {
	RecordApproved(ctx context.Context, projectID string, docs []store.SectionDocument) error
}

type Machine struct {
	store     Store
	catalog   *catalog.Catalog
	locker    lease.Locker
	flattener Flattener
	recorder  Recorder
	leaseTTL  time.Duration
	leaseWait time.Duration
}

type Option func(*Machine)

func WithLocker(locker lease.Locker) Option {
	return func(m *Machine) { m.locker = locker }
}

func WithRecorder(recorder Recorder) Option {
	return func(m *Machine) { m.recorder = recorder }
}

func New(s Store, cat *catalog.Catalog, flattener Flattener, opts ...Option) *Machine {
	m := &Machine{
		store:     s,
		catalog:   cat,
		locker:    lease.NewLocalLocker(),
		flattener: flattener,
		leaseTTL:  30 * time.Second,
		leaseWait: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func validProject(projectID string) bool {
	_, err := uuid.Parse(projectID)
	return err == nil
}

type Approvals struct {
	Approved       map[int][]string `json:"approved"`
	PhaseComplete  map[int]bool     `json:"phaseComplete"`
	UnlockedPhases []int            `json:"unlockedPhases"`
}

func (m *Machine) emptyApprovals() Approvals {
	out := Approvals{
		Approved:       make(map[int][]string),
		PhaseComplete:  make(map[int]bool),
		UnlockedPhases: []int{},
	}
	for _, phase := range m.catalog.PhaseNumbers() {
		out.Approved[phase] = []string{}
		out.PhaseComplete[phase] = len(m.catalog.PhaseSections(phase)) == 0
	}
	return out
}

// GetApprovals partitions approved sections by the catalog's phase table. The
// stored phase column is ignored.
func (m *Machine) GetApprovals(ctx context.Context, projectID string) (Approvals, error) {
	out := m.emptyApprovals()
	if !validProject(projectID) {
		return out, nil
	}

	approved, err := m.store.ListSectionIDsByStatus(ctx, projectID, store.StatusApproved)
	if err != nil {
		return out, fmt.Errorf("list approved sections: %w", err)
	}
	for _, sectionID := range approved {
		phase := m.catalog.PhaseOf(sectionID)
		if phase == 0 {
			continue
		}
		out.Approved[phase] = append(out.Approved[phase], sectionID)
	}
	for _, phase := range m.catalog.PhaseNumbers() {
		out.PhaseComplete[phase] = len(out.Approved[phase]) >= len(m.catalog.PhaseSections(phase))
	}

	unlocked, err := m.store.ListUnlockedPhases(ctx, projectID)
	if err != nil {
		return out, fmt.Errorf("list unlocked phases: %w", err)
	}
	out.UnlockedPhases = unlocked
	return out, nil
}

type Request struct {
	Approved      map[int][]string `json:"approved"`
	ResetSections []string         `json:"resetSections,omitempty"`
	UnlockPhases  []int            `json:"unlockPhases,omitempty"`
}

type Result struct {
	Success            bool     `json:"success"`
	Approved           []string `json:"approved"`
	Unapproved         []string `json:"unapproved"`
	ExcludedGenerating []string `json:"excludedGenerating"`
	Placeholders       []string `json:"placeholders"`
	Reset              []string `json:"reset"`
	UnlockedPhases     []int    `json:"unlockedPhases"`
	Error              string   `json:"error,omitempty"`
}

func newResult() Result {
	return Result{
		Approved:           []string{},
		Unapproved:         []string{},
		ExcludedGenerating: []string{},
		Placeholders:       []string{},
		Reset:              []string{},
		UnlockedPhases:     []int{},
	}
}

func failResult(result Result, err error) (Result, error) {
	result.Success = false
	result.Error = err.Error()
	return result, err
}

// SetApprovals applies a full approval set, or only a targeted reset when
// ResetSections is non-empty. Sections in generating keep their status.
func (m *Machine) SetApprovals(ctx context.Context, projectID string, req Request) (Result, error) {
	result := newResult()
	if !validProject(projectID) {
		result.Success = true
		return result, nil
	}

	generatingIDs, err := m.store.ListSectionIDsByStatus(ctx, projectID, store.StatusGenerating)
	if err != nil {
		return failResult(result, fmt.Errorf("list generating sections: %w", err))
	}
	generating := toSet(generatingIDs)

	if len(req.ResetSections) > 0 {
		targets := dedupe(req.ResetSections)
		result.ExcludedGenerating = intersect(targets, generating)
		reset, err := m.store.SetStatusBulk(ctx, projectID, subtract(targets, generating), store.StatusGenerated)
		if err != nil {
			return failResult(result, fmt.Errorf("reset sections: %w", err))
		}
		result.Reset = reset
		result.Success = true
		log.Printf("approval: reset %d section(s) for project %s", len(reset), projectID)
		return result, nil
	}

	supplied := make([]string, 0)
	for _, ids := range req.Approved {
		supplied = append(supplied, ids...)
	}
	allApproved := dedupe(supplied)

	docs, err := m.store.ListCurrentDocuments(ctx, projectID)
	if err != nil {
		return failResult(result, fmt.Errorf("list documents: %w", err))
	}
	existing := make(map[string]bool, len(docs))
	stored := make([]string, 0, len(docs))
	for _, doc := range docs {
		existing[doc.SectionID] = true
		stored = append(stored, doc.SectionID)
	}

	for _, sectionID := range allApproved {
		if existing[sectionID] {
			continue
		}
		section := m.catalog.Resolve(sectionID)
		phase := section.Phase
		if phase == 0 {
			phase = 1
		}
		_, err := m.store.InsertDocument(ctx, store.SectionDocument{
			ProjectID:     projectID,
			SectionID:     sectionID,
			Content:       content.Record{},
			Status:        store.StatusApproved,
			Phase:         phase,
			Version:       1,
			SchemaVersion: section.CurrentVersion(),
		})
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return failResult(result, fmt.Errorf("insert placeholder %s: %w", sectionID, err))
		}
		result.Placeholders = append(result.Placeholders, sectionID)
	}

	universe := dedupe(append(append(m.catalog.SectionIDs(), stored...), allApproved...))
	approvedSet := toSet(allApproved)
	unapprove := make([]string, 0, len(universe))
	for _, sectionID := range universe {
		if !approvedSet[sectionID] {
			unapprove = append(unapprove, sectionID)
		}
	}
	result.ExcludedGenerating = intersect(universe, generating)

	approve := subtract(allApproved, generating)
	newlyApproved, err := m.store.SetStatusBulk(ctx, projectID, approve, store.StatusApproved)
	if err != nil {
		return failResult(result, fmt.Errorf("approve sections: %w", err))
	}
	unapproved, err := m.store.SetStatusBulk(ctx, projectID, subtract(unapprove, generating), store.StatusGenerated)
	if err != nil {
		return failResult(result, fmt.Errorf("unapprove sections: %w", err))
	}
	result.Approved = approve
	result.Unapproved = unapproved

	for _, phase := range dedupeInts(req.UnlockPhases) {
		if err := m.store.UnlockPhase(ctx, projectID, phase); err != nil {
			return failResult(result, fmt.Errorf("unlock phase %d: %w", phase, err))
		}
		result.UnlockedPhases = append(result.UnlockedPhases, phase)
	}

	m.record(ctx, projectID, append(newlyApproved, result.Placeholders...))
	result.Success = true
	return result, nil
}

func (m *Machine) record(ctx context.Context, projectID string, sectionIDs []string) {
	if m.recorder == nil || len(sectionIDs) == 0 {
		return
	}
	wanted := toSet(sectionIDs)
	docs, err := m.store.ListCurrentDocuments(ctx, projectID)
	if err != nil {
		log.Printf("approval: load approved snapshots for %s: %v", projectID, err)
		return
	}
	approved := make([]store.SectionDocument, 0, len(wanted))
	for _, doc := range docs {
		if wanted[doc.SectionID] && doc.Status == store.StatusApproved {
			approved = append(approved, doc)
		}
	}
	if err := m.recorder.RecordApproved(ctx, projectID, approved); err != nil {
		log.Printf("approval: record approved snapshots for %s: %v", projectID, err)
	}
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func dedupeInts(values []int) []int {
	seen := make(map[int]bool, len(values))
	out := make([]int, 0, len(values))
	for _, v := range values {
		if v <= 0 || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

func subtract(ids []string, remove map[string]bool) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !remove[id] {
			out = append(out, id)
		}
	}
	return out
}

func intersect(ids []string, set map[string]bool) []string {
	out := make([]string, 0)
	for _, id := range ids {
		if set[id] {
			out = append(out, id)
		}
	}
	return out
}
