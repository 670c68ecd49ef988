// Package syncer pushes approved section fields to the external content
// platform. Records are only ever updated, never created.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"funnelsync/api/internal/catalog"
	"funnelsync/api/internal/content"
	"funnelsync/api/internal/matcher"
	"funnelsync/api/internal/platform"
	"funnelsync/api/internal/store"

	"github.com/google/uuid"
)

type Store interface {
	GetIntegration(ctx context.Context, projectID string) (store.Integration, error)
	GetCurrentDocument(ctx context.Context, projectID, sectionID string) (store.SectionDocument, error)
	ListCurrentFields(ctx context.Context, projectID, sectionID string) ([]store.Field, error)
	InsertSyncAudit(ctx context.Context, entry store.SyncAuditEntry) error
}

type Platform interface {
	ListRecords(ctx context.Context, locationID string) ([]platform.Record, error)
	UpdateRecord(ctx context.Context, locationID, recordID, name, value string) error
}

type PushError struct {
	Key   string `json:"key"`
	Error string `json:"error"`
}

type Result struct {
	Success bool        `json:"success"`
	Pushed  int         `json:"pushed"`
	Updated int         `json:"updated"`
	Skipped int         `json:"skipped"`
	Failed  int         `json:"failed"`
	Errors  []PushError `json:"errors"`
	Error   string      `json:"error,omitempty"`
}

var (
	ErrNoIntegration = errors.New("project has no platform integration")
	ErrNotApproved   = errors.New("section not approved")
)

type Pusher struct {
	store    Store
	platform Platform
	catalog  *catalog.Catalog
	delay    time.Duration
}

func NewPusher(s Store, p Platform, cat *catalog.Catalog, delay time.Duration) *Pusher {
	if delay < 0 {
		delay = 0
	}
	return &Pusher{store: s, platform: p, catalog: cat, delay: delay}
}

type pending struct {
	key   string
	field store.Field
}

// PushSection pushes every current field of an approved section. One audit
// entry is written per call whatever the outcome.
func (p *Pusher) PushSection(ctx context.Context, projectID, sectionID string) (Result, error) {
	result := Result{Errors: []PushError{}}
	if _, err := uuid.Parse(projectID); err != nil || sectionID == "" {
		result.Error = "invalid project or section id"
		return result, nil
	}

	defer p.audit(ctx, projectID, sectionID, &result)

	integration, err := p.store.GetIntegration(ctx, projectID)
	if errors.Is(err, store.ErrNotFound) {
		result.Error = ErrNoIntegration.Error()
		return result, nil
	}
	if err != nil {
		return p.fail(&result, fmt.Errorf("load integration: %w", err))
	}

	doc, err := p.store.GetCurrentDocument(ctx, projectID, sectionID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && doc.Status != store.StatusApproved) {
		result.Error = ErrNotApproved.Error()
		return result, nil
	}
	if err != nil {
		return p.fail(&result, fmt.Errorf("load document: %w", err))
	}

	fields, err := p.store.ListCurrentFields(ctx, projectID, sectionID)
	if err != nil {
		return p.fail(&result, fmt.Errorf("list fields: %w", err))
	}
	section := p.catalog.Resolve(sectionID)
	queue := make([]pending, 0, len(fields))
	for _, f := range fields {
		if key := section.SyncKey(f.FieldID); key != "" {
			queue = append(queue, pending{key: key, field: f})
		}
	}

	records, err := p.platform.ListRecords(ctx, integration.LocationID)
	if err != nil {
		return p.fail(&result, fmt.Errorf("list platform records: %w", err))
	}
	entries := make([]matcher.Entry, 0, len(records))
	for _, record := range records {
		entries = append(entries, matcher.Entry{ID: record.ID, Name: record.Name})
	}
	index := matcher.Build(entries, p.catalog.SyncPrefixes)

	for i, item := range queue {
		match, ok := index.Lookup(item.key)
		if !ok {
			log.Printf("sync: %s/%s: no platform record for %s, skipping", projectID, sectionID, item.key)
			result.Skipped++
			continue
		}

		if result.Pushed > 0 {
			if err := wait(ctx, p.delay); err != nil {
				p.abandon(&result, index, queue[i:], err)
				break
			}
		} else if err := ctx.Err(); err != nil {
			p.abandon(&result, index, queue[i:], err)
			break
		}

		result.Pushed++
		if err := p.platform.UpdateRecord(ctx, integration.LocationID, match.ID, match.Name, content.PlainText(item.field.Value)); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, PushError{Key: item.key, Error: err.Error()})
			continue
		}
		result.Updated++
	}

	result.Success = result.Failed == 0
	if !result.Success {
		result.Error = fmt.Sprintf("%d field update(s) failed", result.Failed)
	}
	return result, nil
}

func (p *Pusher) fail(result *Result, err error) (Result, error) {
	result.Success = false
	result.Error = err.Error()
	return *result, err
}

// abandon settles the remaining fields after cancellation: keys with no
// platform record are skipped as usual, the rest count as failed.
func (p *Pusher) abandon(result *Result, index *matcher.Index, rest []pending, cause error) {
	for _, item := range rest {
		if _, ok := index.Lookup(item.key); !ok {
			result.Skipped++
			continue
		}
		result.Failed++
		result.Errors = append(result.Errors, PushError{Key: item.key, Error: cause.Error()})
	}
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (p *Pusher) audit(ctx context.Context, projectID, sectionID string, result *Result) {
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	parts := make([]string, 0, len(result.Errors)+1)
	if result.Error != "" {
		parts = append(parts, result.Error)
	}
	for _, e := range result.Errors {
		parts = append(parts, e.Key+": "+e.Error)
	}
	entry := store.SyncAuditEntry{
		ProjectID:    projectID,
		SectionID:    sectionID,
		PushedCount:  result.Pushed,
		UpdatedCount: result.Updated,
		SkippedCount: result.Skipped,
		FailedCount:  result.Failed,
		Success:      result.Success,
		Error:        strings.Join(parts, "; "),
	}
	if err := p.store.InsertSyncAudit(auditCtx, entry); err != nil {
		log.Printf("sync: write audit for %s/%s: %v", projectID, sectionID, err)
		return
	}
	log.Printf("sync: pushed %s/%s updated=%d skipped=%d failed=%d", projectID, sectionID, result.Updated, result.Skipped, result.Failed)
}
