package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"funnelsync/api/internal/approval"
	"funnelsync/api/internal/archive"
	"funnelsync/api/internal/cache"
	"funnelsync/api/internal/catalog"
	"funnelsync/api/internal/config"
	"funnelsync/api/internal/content"
	"funnelsync/api/internal/export"
	"funnelsync/api/internal/history"
	"funnelsync/api/internal/lease"
	"funnelsync/api/internal/reconcile"
	"funnelsync/api/internal/search"
	"funnelsync/api/internal/store"
	"funnelsync/api/internal/syncer"

	"github.com/google/uuid"
)

// dataStore is everything the service reads and writes. Both store.PostgresStore
// and store.MemoryStore satisfy it.
type dataStore interface {
	reconcile.Store
	approval.Store
	syncer.Store
	Ping(context.Context) error
	ListProjectFields(ctx context.Context, projectID string) ([]store.Field, error)
	SearchFields(ctx context.Context, projectID, query string, limit int) ([]store.Field, error)
	SaveIntegration(ctx context.Context, item store.Integration) error
	ListSyncAudit(ctx context.Context, projectID string, limit int) ([]store.SyncAuditEntry, error)
}

// Generator produces a nested section snapshot. Prompting and model selection
// live behind this interface.
type Generator interface {
	Generate(ctx context.Context, projectID, sectionID string, inputs map[string]content.Record) (content.Record, error)
}

// Deps are the collaborators the service is wired with. Only Store and Catalog
// are required.
type Deps struct {
	Store     dataStore
	Catalog   *catalog.Catalog
	Locker    lease.Locker
	Platform  syncer.Platform
	Search    *search.Service
	History   *history.Service
	Archive   *archive.Archive
	Cache     cache.Backend
	Generator Generator
	PDF       export.PDFRenderer
}

type Service struct {
	cfg        config.Config
	store      dataStore
	catalog    *catalog.Catalog
	reconciler *reconcile.Reconciler
	approvals  *approval.Machine
	pusher     *syncer.Pusher
	search     *search.Service
	history    *history.Service
	exporter   *export.Service
	archive    *archive.Archive
	metrics    *cache.Cache
	generator  Generator
}

func New(cfg config.Config, deps Deps) *Service {
	locker := deps.Locker
	if locker == nil {
		locker = lease.NewLocalLocker()
	}
	cat := deps.Catalog
	if cat == nil {
		cat = catalog.Default()
	}
	searchService := deps.Search
	if searchService == nil {
		searchService = search.NewService(nil, deps.Store)
	}

	reconcileOpts := []reconcile.Option{reconcile.WithLocker(locker), reconcile.WithIndexer(searchService)}
	if cfg.LeaseTTL > 0 {
		reconcileOpts = append(reconcileOpts, reconcile.WithLeaseTiming(cfg.LeaseTTL, cfg.LeaseWait))
	}
	reconciler := reconcile.New(deps.Store, cat, reconcileOpts...)

	approvalOpts := []approval.Option{approval.WithLocker(locker)}
	if deps.History != nil {
		approvalOpts = append(approvalOpts, approval.WithRecorder(deps.History))
	}

	backend := deps.Cache
	if backend == nil {
		backend = cache.NewMemoryBackend()
	}
	metricsTTL := cfg.MetricsTTL
	if metricsTTL <= 0 {
		metricsTTL = time.Minute
	}

	svc := &Service{
		cfg:        cfg,
		store:      deps.Store,
		catalog:    cat,
		reconciler: reconciler,
		approvals:  approval.New(deps.Store, cat, reconciler, approvalOpts...),
		search:     searchService,
		history:    deps.History,
		exporter:   export.NewService(deps.Store, cat, deps.PDF),
		archive:    deps.Archive,
		metrics:    cache.New(backend, "metrics:", metricsTTL),
		generator:  deps.Generator,
	}
	if deps.Platform != nil {
		svc.pusher = syncer.NewPusher(deps.Store, deps.Platform, cat, cfg.SyncDelay)
	}
	return svc
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Catalog() *catalog.Catalog { return s.catalog }

// invalidate drops cached project metrics after a mutation.
func (s *Service) invalidate(ctx context.Context, projectID string) {
	if err := s.metrics.Invalidate(context.WithoutCancel(ctx), projectID); err != nil {
		log.Printf("app: invalidate metrics for %s: %v", projectID, err)
	}
}

func (s *Service) Reconcile(ctx context.Context, projectID, sectionID string) (reconcile.FieldsResult, error) {
	result, err := s.reconciler.FromFields(ctx, projectID, sectionID)
	if err == nil && !result.Skipped && !result.Unchanged {
		s.invalidate(ctx, projectID)
	}
	return result, err
}

type ContentResult struct {
	Fields reconcile.SectionResult `json:"fields"`
	Fold   reconcile.FieldsResult  `json:"fold"`
}

// SaveSectionContent stores a whole nested snapshot: the fields are
// overwritten from it and the document is folded back from the fields.
func (s *Service) SaveSectionContent(ctx context.Context, projectID, sectionID string, doc content.Record) (ContentResult, error) {
	var result ContentResult
	fields, err := s.reconciler.FromSection(ctx, projectID, sectionID, doc)
	result.Fields = fields
	if err != nil || !fields.Success {
		return result, err
	}
	result.Fold, err = s.reconciler.FromFields(ctx, projectID, sectionID)
	s.invalidate(ctx, projectID)
	return result, err
}

// Document returns the current document of a section.
func (s *Service) Document(ctx context.Context, projectID, sectionID string) (store.SectionDocument, error) {
	if _, err := uuid.Parse(projectID); err != nil {
		return store.SectionDocument{}, fmt.Errorf("%w: malformed project id", reconcile.ErrInvalidInput)
	}
	return s.store.GetCurrentDocument(ctx, projectID, sectionID)
}

// FlattenSection overwrites the fields of a section from a nested snapshot
// without touching the document.
func (s *Service) FlattenSection(ctx context.Context, projectID, sectionID string, doc content.Record) (reconcile.SectionResult, error) {
	result, err := s.reconciler.FromSection(ctx, projectID, sectionID, doc)
	if result.Written > 0 {
		s.invalidate(ctx, projectID)
	}
	return result, err
}

func (s *Service) EditField(ctx context.Context, projectID, sectionID, fieldID string, value content.Value) (reconcile.EditResult, error) {
	result, err := s.reconciler.EditField(ctx, projectID, sectionID, fieldID, value)
	if err == nil {
		s.invalidate(ctx, projectID)
	}
	return result, err
}

func (s *Service) UpgradeSection(ctx context.Context, projectID, sectionID string) (reconcile.UpgradeResult, error) {
	return s.reconciler.UpgradeSection(ctx, projectID, sectionID)
}

func (s *Service) GetApprovals(ctx context.Context, projectID string) (approval.Approvals, error) {
	return s.approvals.GetApprovals(ctx, projectID)
}

func (s *Service) SetApprovals(ctx context.Context, projectID string, req approval.Request) (approval.Result, error) {
	result, err := s.approvals.SetApprovals(ctx, projectID, req)
	s.invalidate(ctx, projectID)
	return result, err
}

func (s *Service) BeginGeneration(ctx context.Context, projectID, sectionID string, cascade bool) (approval.GenerationResult, error) {
	result, err := s.approvals.BeginGeneration(ctx, projectID, sectionID, cascade)
	s.invalidate(ctx, projectID)
	return result, err
}

func (s *Service) CompleteGeneration(ctx context.Context, projectID, sectionID string, doc content.Record) (approval.CompleteResult, error) {
	result, err := s.approvals.CompleteGeneration(ctx, projectID, sectionID, doc)
	s.invalidate(ctx, projectID)
	return result, err
}

func (s *Service) ReleaseGenerating(ctx context.Context, projectID, sectionID string) (bool, error) {
	released, err := s.approvals.ReleaseGenerating(ctx, projectID, sectionID)
	if released {
		s.invalidate(ctx, projectID)
	}
	return released, err
}

type RegenerateResult struct {
	Generation approval.GenerationResult `json:"generation"`
	Complete   *approval.CompleteResult  `json:"complete,omitempty"`
	Completed  []string                  `json:"completed"`
}

// ErrNoGenerator is returned by Regenerate when no generator is wired.
var ErrNoGenerator = errors.New("no content generator configured")

// Regenerate marks the section (and optionally its dependents) generating,
// then generates and completes every marked section in dependency order so
// each one sees its freshly generated upstreams. A failure releases every
// section this call marked and has not completed yet.
func (s *Service) Regenerate(ctx context.Context, projectID, sectionID string, cascade bool) (RegenerateResult, error) {
	result := RegenerateResult{Completed: []string{}}
	if s.generator == nil {
		return result, ErrNoGenerator
	}
	begun, err := s.BeginGeneration(ctx, projectID, sectionID, cascade)
	result.Generation = begun
	if err != nil {
		return result, err
	}

	order := s.generationOrder(begun.Generating)
	for i, target := range order {
		complete, err := s.generateOne(ctx, projectID, target)
		if err != nil {
			s.releaseAll(context.WithoutCancel(ctx), projectID, order[i:])
			return result, fmt.Errorf("generate %s: %w", target, err)
		}
		if target == sectionID {
			result.Complete = &complete
		}
		result.Completed = append(result.Completed, target)
	}
	return result, nil
}

func (s *Service) generateOne(ctx context.Context, projectID, sectionID string) (approval.CompleteResult, error) {
	inputs, err := s.upstreamInputs(ctx, projectID, sectionID)
	if err != nil {
		return approval.CompleteResult{}, err
	}
	doc, err := s.generator.Generate(ctx, projectID, sectionID, inputs)
	if err != nil {
		return approval.CompleteResult{}, err
	}
	return s.CompleteGeneration(ctx, projectID, sectionID, doc)
}

func (s *Service) releaseAll(ctx context.Context, projectID string, sectionIDs []string) {
	for _, id := range sectionIDs {
		if _, err := s.ReleaseGenerating(ctx, projectID, id); err != nil {
			log.Printf("app: release %s/%s after failed generation: %v", projectID, id, err)
		}
	}
}

// generationOrder sorts ids so every section follows the ids it depends on.
// Ids outside the catalog have no upstreams and are never held back.
func (s *Service) generationOrder(ids []string) []string {
	pending := make(map[string]bool, len(ids))
	for _, id := range ids {
		pending[id] = true
	}
	ordered := make([]string, 0, len(ids))
	for len(ordered) < len(ids) {
		progressed := false
		for _, id := range ids {
			if !pending[id] || s.waitsOn(id, pending) {
				continue
			}
			pending[id] = false
			ordered = append(ordered, id)
			progressed = true
		}
		if !progressed {
			// Cycle: fall back to the given order for whatever is left.
			for _, id := range ids {
				if pending[id] {
					pending[id] = false
					ordered = append(ordered, id)
				}
			}
		}
	}
	return ordered
}

func (s *Service) waitsOn(id string, pending map[string]bool) bool {
	section, ok := s.catalog.Section(id)
	if !ok {
		return false
	}
	for _, upstream := range section.DependsOn {
		if upstream != id && pending[upstream] {
			return true
		}
	}
	return false
}

func (s *Service) upstreamInputs(ctx context.Context, projectID, sectionID string) (map[string]content.Record, error) {
	inputs := make(map[string]content.Record)
	section, ok := s.catalog.Section(sectionID)
	if !ok {
		return inputs, nil
	}
	for _, upstream := range section.DependsOn {
		doc, err := s.store.GetCurrentDocument(ctx, projectID, upstream)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load upstream %s: %w", upstream, err)
		}
		inputs[upstream] = doc.Content
	}
	return inputs, nil
}

// ErrSyncDisabled is returned when no platform client is configured.
var ErrSyncDisabled = errors.New("platform sync not configured")

func (s *Service) PushSection(ctx context.Context, projectID, sectionID string) (syncer.Result, error) {
	if s.pusher == nil {
		return syncer.Result{Errors: []syncer.PushError{}, Error: ErrSyncDisabled.Error()}, ErrSyncDisabled
	}
	return s.pusher.PushSection(ctx, projectID, sectionID)
}

func (s *Service) SaveIntegration(ctx context.Context, projectID, locationID string) error {
	if _, err := uuid.Parse(projectID); err != nil {
		return fmt.Errorf("%w: malformed project id", reconcile.ErrInvalidInput)
	}
	if locationID == "" {
		return validationError("locationId", "locationId is required")
	}
	return s.store.SaveIntegration(ctx, store.Integration{ProjectID: projectID, LocationID: locationID})
}

func (s *Service) SyncLog(ctx context.Context, projectID string, limit int) ([]store.SyncAuditEntry, error) {
	if _, err := uuid.Parse(projectID); err != nil {
		return []store.SyncAuditEntry{}, nil
	}
	return s.store.ListSyncAudit(ctx, projectID, limit)
}

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	if _, err := uuid.Parse(q.ProjectID); err != nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(ctx, q)
}

// ReindexProject pushes every current field of a project to the search index.
func (s *Service) ReindexProject(ctx context.Context, projectID string) (int, error) {
	fields, err := s.store.ListProjectFields(ctx, projectID)
	if err != nil {
		return 0, fmt.Errorf("list fields: %w", err)
	}
	if err := s.search.Reindex(fields); err != nil {
		return 0, fmt.Errorf("reindex: %w", err)
	}
	return len(fields), nil
}

func (s *Service) History(projectID string, limit int) ([]history.Commit, error) {
	if s.history == nil {
		return []history.Commit{}, nil
	}
	if _, err := uuid.Parse(projectID); err != nil {
		return []history.Commit{}, nil
	}
	return s.history.History(projectID, limit)
}

type ExportResult struct {
	*export.Result
	Archived *archive.Object
}

// Export renders the project and, when an archive is configured, stores a copy.
func (s *Service) Export(ctx context.Context, req export.Request) (ExportResult, error) {
	if _, err := uuid.Parse(req.ProjectID); err != nil {
		return ExportResult{}, fmt.Errorf("%w: malformed project id", reconcile.ErrInvalidInput)
	}
	rendered, err := s.exporter.Export(ctx, req)
	if err != nil {
		return ExportResult{}, err
	}
	result := ExportResult{Result: rendered}
	if s.archive != nil {
		obj, err := s.archive.Put(ctx, req.ProjectID, rendered.Filename, rendered.MimeType, rendered.Data)
		if err != nil {
			log.Printf("app: archive export for %s: %v", req.ProjectID, err)
		} else {
			result.Archived = &obj
		}
	}
	return result, nil
}
