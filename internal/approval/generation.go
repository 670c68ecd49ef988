package approval

import (
	"context"
	"errors"
	"fmt"
	"log"

	"funnelsync/api/internal/content"
	"funnelsync/api/internal/lease"
	"funnelsync/api/internal/reconcile"
	"funnelsync/api/internal/store"
)

type GenerationResult struct {
	Success           bool     `json:"success"`
	Generating        []string `json:"generating"`
	AlreadyGenerating []string `json:"alreadyGenerating"`
}

// withSectionLease runs fn while holding the status lease of one section.
func (m *Machine) withSectionLease(ctx context.Context, projectID, sectionID string, fn func() error) error {
	held, err := lease.AcquireWait(ctx, m.locker, lease.SectionKey("status", projectID, sectionID), m.leaseTTL, m.leaseWait)
	if err != nil {
		return fmt.Errorf("acquire status lease for %s: %w", sectionID, err)
	}
	defer func() {
		if err := held.Release(context.WithoutCancel(ctx)); err != nil {
			log.Printf("approval: release status lease %s/%s: %v", projectID, sectionID, err)
		}
	}()
	return fn()
}

func checkIDs(projectID, sectionID string) error {
	if sectionID == "" || !validProject(projectID) {
		return fmt.Errorf("%w: a project uuid and section id are required", ErrInvalidInput)
	}
	return nil
}

// BeginGeneration marks a section generating. With cascade every section that
// transitively depends on it is marked too. A section that is already
// generating cannot be started again.
func (m *Machine) BeginGeneration(ctx context.Context, projectID, sectionID string, cascade bool) (GenerationResult, error) {
	result := GenerationResult{Generating: []string{}, AlreadyGenerating: []string{}}
	if err := checkIDs(projectID, sectionID); err != nil {
		return result, err
	}

	targets := []string{sectionID}
	if cascade {
		targets = append(targets, m.catalog.Dependents(sectionID)...)
	}
	for i, target := range targets {
		var started bool
		err := m.withSectionLease(ctx, projectID, target, func() error {
			var err error
			started, err = m.markGenerating(ctx, projectID, target)
			return err
		})
		if err != nil {
			return result, err
		}
		if !started {
			if i == 0 {
				return result, ErrGenerating
			}
			result.AlreadyGenerating = append(result.AlreadyGenerating, target)
			continue
		}
		result.Generating = append(result.Generating, target)
	}
	log.Printf("approval: %s generating %v (cascade=%v)", projectID, result.Generating, cascade)
	result.Success = true
	return result, nil
}

func (m *Machine) markGenerating(ctx context.Context, projectID, sectionID string) (bool, error) {
	for attempt := 0; attempt < 3; attempt++ {
		doc, err := m.store.GetCurrentDocument(ctx, projectID, sectionID)
		if errors.Is(err, store.ErrNotFound) {
			section := m.catalog.Resolve(sectionID)
			phase := section.Phase
			if phase == 0 {
				phase = 1
			}
			_, err := m.store.InsertDocument(ctx, store.SectionDocument{
				ProjectID:     projectID,
				SectionID:     sectionID,
				Content:       content.Record{},
				Status:        store.StatusGenerating,
				Phase:         phase,
				Version:       1,
				SchemaVersion: section.CurrentVersion(),
			})
			if errors.Is(err, store.ErrVersionConflict) {
				continue
			}
			if err != nil {
				return false, fmt.Errorf("insert generating placeholder: %w", err)
			}
			return true, nil
		}
		if err != nil {
			return false, fmt.Errorf("load document: %w", err)
		}
		if doc.Status == store.StatusGenerating {
			return false, nil
		}
		if _, err := m.store.UpdateDocumentStatus(ctx, doc.ID, doc.Version, store.StatusGenerating); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				continue
			}
			return false, fmt.Errorf("mark generating: %w", err)
		}
		return true, nil
	}
	return false, fmt.Errorf("mark %s generating: %w", sectionID, store.ErrVersionConflict)
}

type CompleteResult struct {
	Success       bool                    `json:"success"`
	Version       int                     `json:"version"`
	SchemaVersion int                     `json:"schemaVersion"`
	Fields        reconcile.SectionResult `json:"fields"`
}

// CompleteGeneration stores the generated snapshot, returns the section to
// generated and repopulates its fields.
func (m *Machine) CompleteGeneration(ctx context.Context, projectID, sectionID string, doc content.Record) (CompleteResult, error) {
	var result CompleteResult
	if err := checkIDs(projectID, sectionID); err != nil {
		return result, err
	}
	if doc == nil {
		doc = content.Record{}
	}

	err := m.withSectionLease(ctx, projectID, sectionID, func() error {
		current, err := m.store.GetCurrentDocument(ctx, projectID, sectionID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotGenerating
		}
		if err != nil {
			return fmt.Errorf("load document: %w", err)
		}
		if current.Status != store.StatusGenerating {
			return ErrNotGenerating
		}

		schemaVersion := m.catalog.Resolve(sectionID).DetectVersion(doc)
		version, err := m.store.UpdateDocumentContent(ctx, current.ID, current.Version, doc, schemaVersion)
		if err != nil {
			return fmt.Errorf("store generated content: %w", err)
		}
		version, err = m.store.UpdateDocumentStatus(ctx, current.ID, version, store.StatusGenerated)
		if err != nil {
			return fmt.Errorf("mark generated: %w", err)
		}
		result.Version = version
		result.SchemaVersion = schemaVersion
		return nil
	})
	if err != nil {
		return result, err
	}

	if m.flattener != nil {
		fields, err := m.flattener.FromSection(ctx, projectID, sectionID, doc)
		result.Fields = fields
		if err != nil {
			return result, fmt.Errorf("flatten generated content: %w", err)
		}
	}
	result.Success = true
	return result, nil
}

// ReleaseGenerating is the operator escape hatch for a section left in
// generating by a generation that never completed. Content is untouched.
func (m *Machine) ReleaseGenerating(ctx context.Context, projectID, sectionID string) (bool, error) {
	if err := checkIDs(projectID, sectionID); err != nil {
		return false, err
	}
	released := false
	err := m.withSectionLease(ctx, projectID, sectionID, func() error {
		doc, err := m.store.GetCurrentDocument(ctx, projectID, sectionID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load document: %w", err)
		}
		if doc.Status != store.StatusGenerating {
			return nil
		}
		if _, err := m.store.UpdateDocumentStatus(ctx, doc.ID, doc.Version, store.StatusGenerated); err != nil {
			return fmt.Errorf("release generating: %w", err)
		}
		released = true
		return nil
	})
	if released {
		log.Printf("approval: released generating status of %s/%s", projectID, sectionID)
	}
	return released, err
}
