package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"

	"funnelsync/api/internal/content"

	"github.com/google/uuid"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const fieldColumns = `id::text, project_id::text, section_id, field_id, value, value_type, is_current, version, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanField(row rowScanner) (Field, error) {
	var item Field
	var raw []byte
	if err := row.Scan(
		&item.ID,
		&item.ProjectID,
		&item.SectionID,
		&item.FieldID,
		&raw,
		&item.ValueType,
		&item.IsCurrent,
		&item.Version,
		&item.CreatedAt,
	); err != nil {
		return Field{}, err
	}
	value, err := content.DecodeValue(raw)
	if err != nil {
		return Field{}, fmt.Errorf("field %s/%s: %w", item.SectionID, item.FieldID, err)
	}
	item.Value = value
	return item, nil
}

func (s *PostgresStore) ListCurrentFields(ctx context.Context, projectID, sectionID string) ([]Field, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+fieldColumns+`
		FROM content_fields
		WHERE project_id=$1 AND section_id=$2 AND is_current
		ORDER BY field_id ASC
	`, projectID, sectionID)
	if err != nil {
		return nil, fmt.Errorf("list current fields: %w", err)
	}
	return collectFields(rows)
}

func (s *PostgresStore) ListProjectFields(ctx context.Context, projectID string) ([]Field, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+fieldColumns+`
		FROM content_fields
		WHERE project_id=$1 AND is_current
		ORDER BY section_id ASC, field_id ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list project fields: %w", err)
	}
	return collectFields(rows)
}

// SearchFields is the fallback text search over current field values.
func (s *PostgresStore) SearchFields(ctx context.Context, projectID, query string, limit int) ([]Field, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+fieldColumns+`
		FROM content_fields
		WHERE project_id=$1 AND is_current
		  AND (value::text ILIKE '%' || $2 || '%' OR field_id ILIKE '%' || $2 || '%')
		ORDER BY section_id ASC, field_id ASC
		LIMIT $3
	`, projectID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search fields: %w", err)
	}
	return collectFields(rows)
}

func collectFields(rows *sql.Rows) ([]Field, error) {
	defer rows.Close()
	items := make([]Field, 0)
	for rows.Next() {
		item, err := scanField(rows)
		if err != nil {
			return nil, fmt.Errorf("scan field: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fields: %w", err)
	}
	return items, nil
}

// SupersedeField retires the current row for the field, if any, and inserts
// the new value as the next version.
func (s *PostgresStore) SupersedeField(ctx context.Context, item Field) (Field, error) {
	encoded, err := content.EncodeValue(item.Value)
	if err != nil {
		return Field{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Field{}, fmt.Errorf("begin supersede tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var previous int
	err = tx.QueryRowContext(ctx, `
		UPDATE content_fields
		SET is_current=FALSE
		WHERE project_id=$1 AND section_id=$2 AND field_id=$3 AND is_current
		RETURNING version
	`, item.ProjectID, item.SectionID, item.FieldID).Scan(&previous)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Field{}, fmt.Errorf("retire field: %w", err)
	}

	row := tx.QueryRowContext(ctx, `
		INSERT INTO content_fields (id, project_id, section_id, field_id, value, value_type, is_current, version)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, TRUE, $7)
		RETURNING `+fieldColumns,
		uuid.NewString(), item.ProjectID, item.SectionID, item.FieldID, string(encoded), item.Value.Kind().String(), previous+1,
	)
	inserted, err := scanField(row)
	if err != nil {
		return Field{}, fmt.Errorf("insert field: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Field{}, fmt.Errorf("commit supersede tx: %w", err)
	}
	return inserted, nil
}

const documentColumns = `id::text, project_id::text, section_id, content, status, phase, version, schema_version, is_current, created_at, updated_at`

func scanDocument(row rowScanner) (SectionDocument, error) {
	var item SectionDocument
	var raw []byte
	var status string
	if err := row.Scan(
		&item.ID,
		&item.ProjectID,
		&item.SectionID,
		&raw,
		&status,
		&item.Phase,
		&item.Version,
		&item.SchemaVersion,
		&item.IsCurrent,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return SectionDocument{}, err
	}
	item.Status = Status(status)
	decoded, ok := content.DecodeDocument(raw)
	if !ok {
		log.Printf("store: section %s/%s content unreadable, treating as empty", item.ProjectID, item.SectionID)
		item.ContentUnreadable = true
	}
	item.Content = decoded
	return item, nil
}

func (s *PostgresStore) GetCurrentDocument(ctx context.Context, projectID, sectionID string) (SectionDocument, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+documentColumns+`
		FROM section_documents
		WHERE project_id=$1 AND section_id=$2 AND is_current
	`, projectID, sectionID)
	item, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SectionDocument{}, ErrNotFound
	}
	if err != nil {
		return SectionDocument{}, fmt.Errorf("get current document: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListCurrentDocuments(ctx context.Context, projectID string) ([]SectionDocument, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+documentColumns+`
		FROM section_documents
		WHERE project_id=$1 AND is_current
		ORDER BY section_id ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list current documents: %w", err)
	}
	defer rows.Close()

	items := make([]SectionDocument, 0)
	for rows.Next() {
		item, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListSectionIDsByStatus(ctx context.Context, projectID string, status Status) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT section_id
		FROM section_documents
		WHERE project_id=$1 AND status=$2 AND is_current
		ORDER BY section_id ASC
	`, projectID, string(status))
	if err != nil {
		return nil, fmt.Errorf("list sections by status: %w", err)
	}
	return collectStrings(rows)
}

// InsertDocument adds the current row for a section. It returns
// ErrVersionConflict when another writer created the row first.
func (s *PostgresStore) InsertDocument(ctx context.Context, item SectionDocument) (SectionDocument, error) {
	encoded, err := content.EncodeDocument(item.Content)
	if err != nil {
		return SectionDocument{}, err
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Version <= 0 {
		item.Version = 1
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO section_documents (id, project_id, section_id, content, status, phase, version, schema_version, is_current)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8, TRUE)
		ON CONFLICT (project_id, section_id) WHERE is_current DO NOTHING
		RETURNING `+documentColumns,
		item.ID, item.ProjectID, item.SectionID, string(encoded), string(item.Status), item.Phase, item.Version, item.SchemaVersion,
	)
	inserted, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SectionDocument{}, ErrVersionConflict
	}
	if err != nil {
		return SectionDocument{}, fmt.Errorf("insert document: %w", err)
	}
	return inserted, nil
}

// UpdateDocumentContent swaps content only if the row is still at
// expectedVersion, and returns the new version.
func (s *PostgresStore) UpdateDocumentContent(ctx context.Context, documentID string, expectedVersion int, doc content.Record, schemaVersion int) (int, error) {
	encoded, err := content.EncodeDocument(doc)
	if err != nil {
		return 0, err
	}
	var version int
	err = s.db.QueryRowContext(ctx, `
		UPDATE section_documents
		SET content=$3::jsonb, schema_version=$4, version=version+1, updated_at=NOW()
		WHERE id=$1 AND version=$2 AND is_current
		RETURNING version
	`, documentID, expectedVersion, string(encoded), schemaVersion).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrVersionConflict
	}
	if err != nil {
		return 0, fmt.Errorf("update document content: %w", err)
	}
	return version, nil
}

// UpdateDocumentStatus is the single-row status transition guarded by version.
func (s *PostgresStore) UpdateDocumentStatus(ctx context.Context, documentID string, expectedVersion int, status Status) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, `
		UPDATE section_documents
		SET status=$3, version=version+1, updated_at=NOW()
		WHERE id=$1 AND version=$2 AND is_current
		RETURNING version
	`, documentID, expectedVersion, string(status)).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrVersionConflict
	}
	if err != nil {
		return 0, fmt.Errorf("update document status: %w", err)
	}
	return version, nil
}

// SetStatusBulk moves the listed sections to status. Rows that are
// generating, or already at status, are left alone. The ids actually changed
// are returned.
func (s *PostgresStore) SetStatusBulk(ctx context.Context, projectID string, sectionIDs []string, status Status) ([]string, error) {
	if len(sectionIDs) == 0 {
		return []string{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		UPDATE section_documents
		SET status=$3, version=version+1, updated_at=NOW()
		WHERE project_id=$1
		  AND section_id = ANY($2)
		  AND is_current
		  AND status <> 'generating'
		  AND status <> $3
		RETURNING section_id
	`, projectID, sectionIDs, string(status))
	if err != nil {
		return nil, fmt.Errorf("set status %s: %w", status, err)
	}
	return collectStrings(rows)
}

func (s *PostgresStore) UnlockPhase(ctx context.Context, projectID string, phase int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_phase_unlocks (project_id, phase)
		VALUES ($1, $2)
		ON CONFLICT (project_id, phase) DO NOTHING
	`, projectID, phase)
	if err != nil {
		return fmt.Errorf("unlock phase: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListUnlockedPhases(ctx context.Context, projectID string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT phase FROM project_phase_unlocks WHERE project_id=$1 ORDER BY phase ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list unlocked phases: %w", err)
	}
	defer rows.Close()

	phases := make([]int, 0)
	for rows.Next() {
		var phase int
		if err := rows.Scan(&phase); err != nil {
			return nil, fmt.Errorf("scan phase: %w", err)
		}
		phases = append(phases, phase)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate phases: %w", err)
	}
	return phases, nil
}

func (s *PostgresStore) GetIntegration(ctx context.Context, projectID string) (Integration, error) {
	var item Integration
	err := s.db.QueryRowContext(ctx, `
		SELECT project_id::text, location_id, created_at
		FROM project_integrations
		WHERE project_id=$1
	`, projectID).Scan(&item.ProjectID, &item.LocationID, &item.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Integration{}, ErrNotFound
	}
	if err != nil {
		return Integration{}, fmt.Errorf("get integration: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) SaveIntegration(ctx context.Context, item Integration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_integrations (project_id, location_id)
		VALUES ($1, $2)
		ON CONFLICT (project_id) DO UPDATE SET location_id=EXCLUDED.location_id
	`, item.ProjectID, strings.TrimSpace(item.LocationID))
	if err != nil {
		return fmt.Errorf("save integration: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertSyncAudit(ctx context.Context, entry SyncAuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_audit_log (project_id, section_id, pushed_count, updated_count, skipped_count, failed_count, success, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, entry.ProjectID, entry.SectionID, entry.PushedCount, entry.UpdatedCount, entry.SkippedCount, entry.FailedCount, entry.Success, entry.Error)
	if err != nil {
		return fmt.Errorf("insert sync audit: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSyncAudit(ctx context.Context, projectID string, limit int) ([]SyncAuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id::text, section_id, pushed_count, updated_count, skipped_count, failed_count, success, error, created_at
		FROM sync_audit_log
		WHERE project_id=$1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sync audit: %w", err)
	}
	defer rows.Close()

	items := make([]SyncAuditEntry, 0)
	for rows.Next() {
		var item SyncAuditEntry
		if err := rows.Scan(
			&item.ID,
			&item.ProjectID,
			&item.SectionID,
			&item.PushedCount,
			&item.UpdatedCount,
			&item.SkippedCount,
			&item.FailedCount,
			&item.Success,
			&item.Error,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan sync audit: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sync audit: %w", err)
	}
	return items, nil
}

func collectStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	items := make([]string, 0)
	for rows.Next() {
		var item string
		if err := rows.Scan(&item); err != nil {
			return nil, fmt.Errorf("scan string: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate strings: %w", err)
	}
	return items, nil
}
