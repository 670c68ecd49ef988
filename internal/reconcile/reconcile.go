// Package reconcile keeps the per-field store and the per-section document
// store equivalent in both directions.
package reconcile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"funnelsync/api/internal/catalog"
	"funnelsync/api/internal/content"
	"funnelsync/api/internal/lease"
	"funnelsync/api/internal/store"

	"github.com/google/uuid"
)

var ErrInvalidInput = errors.New("invalid input")

const casAttempts = 3

// Store is the part of the content store the reconciler reads and writes.
type Store interface {
	ListCurrentFields(ctx context.Context, projectID, sectionID string) ([]store.Field, error)
	SupersedeField(ctx context.Context, item store.Field) (store.Field, error)
	GetCurrentDocument(ctx context.Context, projectID, sectionID string) (store.SectionDocument, error)
	InsertDocument(ctx context.Context, item store.SectionDocument) (store.SectionDocument, error)
	UpdateDocumentContent(ctx context.Context, documentID string, expectedVersion int, doc content.Record, schemaVersion int) (int, error)
}

// Indexer receives freshly written fields. Implementations must not block.
type Indexer interface {
	IndexFields(projectID, sectionID string, fields []store.Field)
}

type Reconciler struct {
	store     Store
	catalog   *catalog.Catalog
	locker    lease.Locker
	flattener Flattener
	indexer   Indexer
	leaseTTL  time.Duration
	leaseWait time.Duration
}

type Option func(*Reconciler)

func WithLocker(locker lease.Locker) Option {
	return func(r *Reconciler) { r.locker = locker }
}

func WithFlattener(f Flattener) Option {
	return func(r *Reconciler) { r.flattener = f }
}

func WithIndexer(indexer Indexer) Option {
	return func(r *Reconciler) { r.indexer = indexer }
}

func WithLeaseTiming(ttl, wait time.Duration) Option {
	return func(r *Reconciler) {
		r.leaseTTL = ttl
		r.leaseWait = wait
	}
}

func New(s Store, cat *catalog.Catalog, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:     s,
		catalog:   cat,
		locker:    lease.NewLocalLocker(),
		flattener: CatalogFlattener{},
		leaseTTL:  30 * time.Second,
		leaseWait: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reconciler) Catalog() *catalog.Catalog { return r.catalog }

type FieldsResult struct {
	Success    bool   `json:"success"`
	Skipped    bool   `json:"skipped,omitempty"`
	Created    bool   `json:"created,omitempty"`
	Unchanged  bool   `json:"unchanged,omitempty"`
	Version    int    `json:"version,omitempty"`
	FieldCount int    `json:"fieldCount"`
	Error      string `json:"error,omitempty"`
}

func failFields(result FieldsResult, err error) (FieldsResult, error) {
	result.Success = false
	result.Error = err.Error()
	return result, err
}

func validIDs(projectID, sectionID string) (bool, error) {
	if projectID == "" || sectionID == "" {
		return false, fmt.Errorf("%w: project and section ids are required", ErrInvalidInput)
	}
	if _, err := uuid.Parse(projectID); err != nil {
		return false, nil
	}
	return true, nil
}

// FromFields folds every current field of a section into its document.
func (r *Reconciler) FromFields(ctx context.Context, projectID, sectionID string) (FieldsResult, error) {
	ok, err := validIDs(projectID, sectionID)
	if err != nil {
		return failFields(FieldsResult{}, err)
	}
	if !ok {
		return FieldsResult{Success: true, Skipped: true}, nil
	}

	held, err := lease.AcquireWait(ctx, r.locker, lease.SectionKey("fold", projectID, sectionID), r.leaseTTL, r.leaseWait)
	if err != nil {
		return failFields(FieldsResult{}, fmt.Errorf("acquire fold lease: %w", err))
	}
	defer func() {
		if err := held.Release(context.WithoutCancel(ctx)); err != nil {
			log.Printf("reconcile: release fold lease %s/%s: %v", projectID, sectionID, err)
		}
	}()

	fields, err := r.store.ListCurrentFields(ctx, projectID, sectionID)
	if err != nil {
		return failFields(FieldsResult{}, fmt.Errorf("list fields: %w", err))
	}
	result := FieldsResult{FieldCount: len(fields)}
	if len(fields) == 0 {
		result.Success = true
		result.Skipped = true
		return result, nil
	}

	section := r.catalog.Resolve(sectionID)
	for attempt := 0; attempt < casAttempts; attempt++ {
		doc, err := r.store.GetCurrentDocument(ctx, projectID, sectionID)
		exists := true
		if errors.Is(err, store.ErrNotFound) {
			exists = false
			doc = store.SectionDocument{}
		} else if err != nil {
			return failFields(result, fmt.Errorf("load document: %w", err))
		}

		folded, schemaVersion := Fold(section, doc.Content, doc.SchemaVersion, fields)

		if !exists {
			phase := section.Phase
			if phase == 0 {
				phase = 1
			}
			inserted, err := r.store.InsertDocument(ctx, store.SectionDocument{
				ProjectID:     projectID,
				SectionID:     sectionID,
				Content:       folded,
				Status:        store.StatusGenerated,
				Phase:         phase,
				Version:       1,
				SchemaVersion: schemaVersion,
			})
			if errors.Is(err, store.ErrVersionConflict) {
				continue
			}
			if err != nil {
				return failFields(result, fmt.Errorf("insert document: %w", err))
			}
			result.Success = true
			result.Created = true
			result.Version = inserted.Version
			return result, nil
		}

		same, err := sameContent(doc.Content, folded)
		if err != nil {
			return failFields(result, err)
		}
		if same && schemaVersion == doc.SchemaVersion {
			result.Success = true
			result.Unchanged = true
			result.Version = doc.Version
			return result, nil
		}

		version, err := r.store.UpdateDocumentContent(ctx, doc.ID, doc.Version, folded, schemaVersion)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return failFields(result, fmt.Errorf("update document: %w", err))
		}
		result.Success = true
		result.Version = version
		return result, nil
	}
	return failFields(result, fmt.Errorf("fold %s/%s: %w", projectID, sectionID, store.ErrVersionConflict))
}

func sameContent(a, b content.Record) (bool, error) {
	left, err := content.EncodeDocument(a)
	if err != nil {
		return false, fmt.Errorf("encode stored content: %w", err)
	}
	right, err := content.EncodeDocument(b)
	if err != nil {
		return false, fmt.Errorf("encode folded content: %w", err)
	}
	return bytes.Equal(left, right), nil
}

// Fold writes every field into a copy of base at its destination path. A
// schemaVersion of 0 means the stored version is unknown: each field then goes
// to the first of its candidate paths already present in base, else the
// newest one, and the reported version is detected from the result.
func Fold(section *catalog.Section, base content.Record, schemaVersion int, fields []store.Field) (content.Record, int) {
	out := base.Clone()
	if out == nil {
		out = content.Record{}
	}
	known := schemaVersion > 0
	for _, f := range fields {
		path := destinationPath(section, schemaVersion, known, out, f.FieldID)
		out.Set(path, Normalize(section.Normalizer(f.FieldID), f.Value))
	}
	if !known {
		schemaVersion = section.DetectVersion(out)
	}
	return out, schemaVersion
}

func destinationPath(section *catalog.Section, version int, known bool, doc content.Record, fieldID string) string {
	if known {
		if path, ok := section.PathFor(fieldID, version); ok {
			return path
		}
	}
	candidates := section.CandidatePaths(fieldID)
	for _, path := range candidates {
		if doc.Has(path) {
			return path
		}
	}
	return candidates[0]
}

type FieldFailure struct {
	FieldID string `json:"fieldId"`
	Error   string `json:"error"`
}

type SectionResult struct {
	Success  bool           `json:"success"`
	Skipped  bool           `json:"skipped,omitempty"`
	Written  int            `json:"written"`
	Failed   int            `json:"failed"`
	Failures []FieldFailure `json:"failures"`
	Error    string         `json:"error,omitempty"`
}

// FromSection flattens a freshly generated snapshot into current fields,
// overwriting whatever values they held. Individual field failures are
// collected and do not stop the remaining writes.
func (r *Reconciler) FromSection(ctx context.Context, projectID, sectionID string, doc content.Record) (SectionResult, error) {
	result := SectionResult{Failures: []FieldFailure{}}
	ok, err := validIDs(projectID, sectionID)
	if err != nil {
		result.Error = err.Error()
		return result, err
	}
	if !ok {
		result.Success = true
		result.Skipped = true
		return result, nil
	}

	section := r.catalog.Resolve(sectionID)
	flat := r.flattener.Flatten(section, doc)
	written := make([]store.Field, 0, len(flat))
	for _, item := range flat {
		if err := ctx.Err(); err != nil {
			result.Failed++
			result.Failures = append(result.Failures, FieldFailure{FieldID: item.FieldID, Error: err.Error()})
			continue
		}
		saved, err := r.store.SupersedeField(ctx, store.Field{
			ProjectID: projectID,
			SectionID: sectionID,
			FieldID:   item.FieldID,
			Value:     item.Value,
		})
		if err != nil {
			log.Printf("reconcile: write field %s/%s/%s: %v", projectID, sectionID, item.FieldID, err)
			result.Failed++
			result.Failures = append(result.Failures, FieldFailure{FieldID: item.FieldID, Error: err.Error()})
			continue
		}
		result.Written++
		written = append(written, saved)
	}

	result.Success = result.Failed == 0 || result.Written > 0
	if !result.Success {
		result.Error = fmt.Sprintf("all %d field writes failed", result.Failed)
	}
	if r.indexer != nil && len(written) > 0 {
		r.indexer.IndexFields(projectID, sectionID, written)
	}
	return result, nil
}

type EditResult struct {
	Field store.Field  `json:"-"`
	Fold  FieldsResult `json:"fold"`
}

// EditField supersedes a single field and folds the section again.
func (r *Reconciler) EditField(ctx context.Context, projectID, sectionID, fieldID string, value content.Value) (EditResult, error) {
	if fieldID == "" {
		return EditResult{}, fmt.Errorf("%w: field id is required", ErrInvalidInput)
	}
	ok, err := validIDs(projectID, sectionID)
	if err != nil {
		return EditResult{}, err
	}
	if !ok {
		return EditResult{}, fmt.Errorf("%w: malformed project id", ErrInvalidInput)
	}

	saved, err := r.store.SupersedeField(ctx, store.Field{
		ProjectID: projectID,
		SectionID: sectionID,
		FieldID:   fieldID,
		Value:     value,
	})
	if err != nil {
		return EditResult{}, fmt.Errorf("supersede field: %w", err)
	}
	if r.indexer != nil {
		r.indexer.IndexFields(projectID, sectionID, []store.Field{saved})
	}

	fold, err := r.FromFields(ctx, projectID, sectionID)
	return EditResult{Field: saved, Fold: fold}, err
}

type UpgradeResult struct {
	Success     bool   `json:"success"`
	Upgraded    bool   `json:"upgraded"`
	FromVersion int    `json:"fromVersion"`
	ToVersion   int    `json:"toVersion"`
	Version     int    `json:"version,omitempty"`
	Error       string `json:"error,omitempty"`
}

// UpgradeSection rewrites the current document into the newest content shape.
func (r *Reconciler) UpgradeSection(ctx context.Context, projectID, sectionID string) (UpgradeResult, error) {
	ok, err := validIDs(projectID, sectionID)
	if err != nil {
		return UpgradeResult{Error: err.Error()}, err
	}
	if !ok {
		return UpgradeResult{Success: true}, nil
	}

	held, err := lease.AcquireWait(ctx, r.locker, lease.SectionKey("fold", projectID, sectionID), r.leaseTTL, r.leaseWait)
	if err != nil {
		err = fmt.Errorf("acquire fold lease: %w", err)
		return UpgradeResult{Error: err.Error()}, err
	}
	defer held.Release(context.WithoutCancel(ctx))

	section := r.catalog.Resolve(sectionID)
	for attempt := 0; attempt < casAttempts; attempt++ {
		doc, err := r.store.GetCurrentDocument(ctx, projectID, sectionID)
		if errors.Is(err, store.ErrNotFound) {
			return UpgradeResult{Success: true}, nil
		}
		if err != nil {
			err = fmt.Errorf("load document: %w", err)
			return UpgradeResult{Error: err.Error()}, err
		}

		from := doc.SchemaVersion
		if from <= 0 {
			from = section.DetectVersion(doc.Content)
		}
		result := UpgradeResult{Success: true, FromVersion: from, ToVersion: from, Version: doc.Version}
		if from >= section.CurrentVersion() && from == doc.SchemaVersion {
			return result, nil
		}

		upgraded, to := section.Upgrade(doc.Content, from)
		version, err := r.store.UpdateDocumentContent(ctx, doc.ID, doc.Version, upgraded, to)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			err = fmt.Errorf("update document: %w", err)
			return UpgradeResult{Error: err.Error(), FromVersion: from}, err
		}
		log.Printf("reconcile: upgraded %s/%s from shape v%d to v%d", projectID, sectionID, from, to)
		result.Upgraded = true
		result.ToVersion = to
		result.Version = version
		return result, nil
	}
	err = fmt.Errorf("upgrade %s/%s: %w", projectID, sectionID, store.ErrVersionConflict)
	return UpgradeResult{Error: err.Error()}, err
}
