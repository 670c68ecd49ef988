package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"funnelsync/api/internal/content"

	"github.com/google/uuid"
)

// MemoryStore keeps both content representations in process. It backs local
// development when no database is configured and the package tests of every
// consumer. All reads return deep copies.
type MemoryStore struct {
	mu           sync.Mutex
	fields       []Field
	documents    []SectionDocument
	audit        []SyncAuditEntry
	unlocks      map[string]map[int]time.Time
	integrations map[string]Integration
	nextAuditID  int64
	now          func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		unlocks:      make(map[string]map[int]time.Time),
		integrations: make(map[string]Integration),
		now:          time.Now,
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func cloneField(f Field) Field {
	f.Value = f.Value.Clone()
	return f
}

func cloneDocument(d SectionDocument) SectionDocument {
	d.Content = d.Content.Clone()
	return d
}

func (s *MemoryStore) ListCurrentFields(_ context.Context, projectID, sectionID string) ([]Field, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]Field, 0)
	for _, f := range s.fields {
		if f.IsCurrent && f.ProjectID == projectID && f.SectionID == sectionID {
			items = append(items, cloneField(f))
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].FieldID < items[j].FieldID })
	return items, nil
}

func (s *MemoryStore) ListProjectFields(_ context.Context, projectID string) ([]Field, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]Field, 0)
	for _, f := range s.fields {
		if f.IsCurrent && f.ProjectID == projectID {
			items = append(items, cloneField(f))
		}
	}
	sortFields(items)
	return items, nil
}

func (s *MemoryStore) SearchFields(_ context.Context, projectID, query string, limit int) ([]Field, error) {
	if limit <= 0 {
		limit = 20
	}
	needle := strings.ToLower(query)
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]Field, 0)
	for _, f := range s.fields {
		if !f.IsCurrent || f.ProjectID != projectID {
			continue
		}
		encoded, _ := content.EncodeValue(f.Value)
		if strings.Contains(strings.ToLower(string(encoded)), needle) || strings.Contains(strings.ToLower(f.FieldID), needle) {
			items = append(items, cloneField(f))
		}
	}
	sortFields(items)
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func sortFields(items []Field) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].SectionID != items[j].SectionID {
			return items[i].SectionID < items[j].SectionID
		}
		return items[i].FieldID < items[j].FieldID
	})
}

func (s *MemoryStore) SupersedeField(_ context.Context, item Field) (Field, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous := 0
	for i := range s.fields {
		f := &s.fields[i]
		if f.IsCurrent && f.ProjectID == item.ProjectID && f.SectionID == item.SectionID && f.FieldID == item.FieldID {
			f.IsCurrent = false
			previous = f.Version
		}
	}
	inserted := Field{
		ID:        uuid.NewString(),
		ProjectID: item.ProjectID,
		SectionID: item.SectionID,
		FieldID:   item.FieldID,
		Value:     item.Value.Clone(),
		ValueType: item.Value.Kind().String(),
		IsCurrent: true,
		Version:   previous + 1,
		CreatedAt: s.now(),
	}
	s.fields = append(s.fields, inserted)
	return cloneField(inserted), nil
}

// FieldHistory returns every row, current or not, for one field ordered by version.
func (s *MemoryStore) FieldHistory(projectID, sectionID, fieldID string) []Field {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]Field, 0)
	for _, f := range s.fields {
		if f.ProjectID == projectID && f.SectionID == sectionID && f.FieldID == fieldID {
			items = append(items, cloneField(f))
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Version < items[j].Version })
	return items
}

func (s *MemoryStore) currentDocumentIndex(projectID, sectionID string) int {
	for i, d := range s.documents {
		if d.IsCurrent && d.ProjectID == projectID && d.SectionID == sectionID {
			return i
		}
	}
	return -1
}

func (s *MemoryStore) GetCurrentDocument(_ context.Context, projectID, sectionID string) (SectionDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.currentDocumentIndex(projectID, sectionID)
	if idx < 0 {
		return SectionDocument{}, ErrNotFound
	}
	return cloneDocument(s.documents[idx]), nil
}

func (s *MemoryStore) ListCurrentDocuments(_ context.Context, projectID string) ([]SectionDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]SectionDocument, 0)
	for _, d := range s.documents {
		if d.IsCurrent && d.ProjectID == projectID {
			items = append(items, cloneDocument(d))
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].SectionID < items[j].SectionID })
	return items, nil
}

func (s *MemoryStore) ListSectionIDsByStatus(_ context.Context, projectID string, status Status) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0)
	for _, d := range s.documents {
		if d.IsCurrent && d.ProjectID == projectID && d.Status == status {
			ids = append(ids, d.SectionID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) InsertDocument(_ context.Context, item SectionDocument) (SectionDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentDocumentIndex(item.ProjectID, item.SectionID) >= 0 {
		return SectionDocument{}, ErrVersionConflict
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Version <= 0 {
		item.Version = 1
	}
	if item.Content == nil {
		item.Content = content.Record{}
	}
	now := s.now()
	item.IsCurrent = true
	item.CreatedAt = now
	item.UpdatedAt = now
	item.ContentUnreadable = false
	s.documents = append(s.documents, cloneDocument(item))
	return cloneDocument(item), nil
}

func (s *MemoryStore) documentByID(documentID string, expectedVersion int) (*SectionDocument, error) {
	for i := range s.documents {
		d := &s.documents[i]
		if d.ID == documentID && d.IsCurrent {
			if d.Version != expectedVersion {
				return nil, ErrVersionConflict
			}
			return d, nil
		}
	}
	return nil, ErrVersionConflict
}

func (s *MemoryStore) UpdateDocumentContent(_ context.Context, documentID string, expectedVersion int, doc content.Record, schemaVersion int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.documentByID(documentID, expectedVersion)
	if err != nil {
		return 0, err
	}
	// Round-trip through the canonical encoding, as the database would.
	encoded, err := content.EncodeDocument(doc)
	if err != nil {
		return 0, err
	}
	decoded, _ := content.DecodeDocument(encoded)
	d.Content = decoded
	d.SchemaVersion = schemaVersion
	d.Version++
	d.UpdatedAt = s.now()
	return d.Version, nil
}

func (s *MemoryStore) UpdateDocumentStatus(_ context.Context, documentID string, expectedVersion int, status Status) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.documentByID(documentID, expectedVersion)
	if err != nil {
		return 0, err
	}
	d.Status = status
	d.Version++
	d.UpdatedAt = s.now()
	return d.Version, nil
}

func (s *MemoryStore) SetStatusBulk(_ context.Context, projectID string, sectionIDs []string, status Status) ([]string, error) {
	wanted := make(map[string]bool, len(sectionIDs))
	for _, id := range sectionIDs {
		wanted[id] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := make([]string, 0)
	for i := range s.documents {
		d := &s.documents[i]
		if !d.IsCurrent || d.ProjectID != projectID || !wanted[d.SectionID] {
			continue
		}
		if d.Status == StatusGenerating || d.Status == status {
			continue
		}
		d.Status = status
		d.Version++
		d.UpdatedAt = s.now()
		changed = append(changed, d.SectionID)
	}
	sort.Strings(changed)
	return changed, nil
}

func (s *MemoryStore) UnlockPhase(_ context.Context, projectID string, phase int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	phases, ok := s.unlocks[projectID]
	if !ok {
		phases = make(map[int]time.Time)
		s.unlocks[projectID] = phases
	}
	if _, exists := phases[phase]; !exists {
		phases[phase] = s.now()
	}
	return nil
}

func (s *MemoryStore) ListUnlockedPhases(_ context.Context, projectID string) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	phases := make([]int, 0)
	for phase := range s.unlocks[projectID] {
		phases = append(phases, phase)
	}
	sort.Ints(phases)
	return phases, nil
}

func (s *MemoryStore) GetIntegration(_ context.Context, projectID string) (Integration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.integrations[projectID]
	if !ok {
		return Integration{}, ErrNotFound
	}
	return item, nil
}

func (s *MemoryStore) SaveIntegration(_ context.Context, item Integration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.integrations[item.ProjectID]; ok {
		item.CreatedAt = existing.CreatedAt
	} else {
		item.CreatedAt = s.now()
	}
	item.LocationID = strings.TrimSpace(item.LocationID)
	s.integrations[item.ProjectID] = item
	return nil
}

func (s *MemoryStore) InsertSyncAudit(_ context.Context, entry SyncAuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextAuditID++
	entry.ID = s.nextAuditID
	entry.CreatedAt = s.now()
	s.audit = append(s.audit, entry)
	return nil
}

func (s *MemoryStore) ListSyncAudit(_ context.Context, projectID string, limit int) ([]SyncAuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]SyncAuditEntry, 0)
	for i := len(s.audit) - 1; i >= 0 && len(items) < limit; i-- {
		if s.audit[i].ProjectID == projectID {
			items = append(items, s.audit[i])
		}
	}
	return items, nil
}
