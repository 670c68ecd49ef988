package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

type PhaseMetrics struct {
	Phase    int  `json:"phase"`
	Sections int  `json:"sections"`
	Approved int  `json:"approved"`
	Complete bool `json:"complete"`
	Unlocked bool `json:"unlocked"`
}

type Metrics struct {
	ProjectID  string         `json:"projectId"`
	Sections   map[string]int `json:"sections"`
	Fields     int            `json:"fields"`
	Phases     []PhaseMetrics `json:"phases"`
	LastSync   *time.Time     `json:"lastSync,omitempty"`
	SyncFailed int            `json:"recentSyncFailures"`
	ComputedAt time.Time      `json:"computedAt"`
	Cached     bool           `json:"cached"`
}

const recentSyncWindow = 20

// Metrics summarizes a project's progress. Results are cached per project and
// dropped by every mutation that goes through the service.
func (s *Service) Metrics(ctx context.Context, projectID string) (Metrics, error) {
	if _, err := uuid.Parse(projectID); err != nil {
		return Metrics{ProjectID: projectID, Sections: map[string]int{}, Phases: []PhaseMetrics{}}, nil
	}

	var cached Metrics
	hit, err := s.metrics.Get(ctx, projectID, &cached)
	if err != nil {
		log.Printf("app: metrics cache read for %s: %v", projectID, err)
	}
	if hit {
		cached.Cached = true
		return cached, nil
	}

	m, err := s.computeMetrics(ctx, projectID)
	if err != nil {
		return Metrics{}, err
	}
	if err := s.metrics.Set(ctx, projectID, m); err != nil {
		log.Printf("app: metrics cache write for %s: %v", projectID, err)
	}
	return m, nil
}

func (s *Service) computeMetrics(ctx context.Context, projectID string) (Metrics, error) {
	m := Metrics{
		ProjectID:  projectID,
		Sections:   map[string]int{},
		Phases:     []PhaseMetrics{},
		ComputedAt: time.Now().UTC(),
	}

	docs, err := s.store.ListCurrentDocuments(ctx, projectID)
	if err != nil {
		return m, fmt.Errorf("list documents: %w", err)
	}
	for _, doc := range docs {
		m.Sections[string(doc.Status)]++
	}

	fields, err := s.store.ListProjectFields(ctx, projectID)
	if err != nil {
		return m, fmt.Errorf("list fields: %w", err)
	}
	m.Fields = len(fields)

	approvals, err := s.approvals.GetApprovals(ctx, projectID)
	if err != nil {
		return m, err
	}
	unlocked := make(map[int]bool, len(approvals.UnlockedPhases))
	for _, phase := range approvals.UnlockedPhases {
		unlocked[phase] = true
	}
	for _, phase := range s.catalog.PhaseNumbers() {
		m.Phases = append(m.Phases, PhaseMetrics{
			Phase:    phase,
			Sections: len(s.catalog.PhaseSections(phase)),
			Approved: len(approvals.Approved[phase]),
			Complete: approvals.PhaseComplete[phase],
			Unlocked: unlocked[phase],
		})
	}

	entries, err := s.store.ListSyncAudit(ctx, projectID, recentSyncWindow)
	if err != nil {
		return m, fmt.Errorf("list sync audit: %w", err)
	}
	for i, entry := range entries {
		if i == 0 {
			last := entry.CreatedAt
			m.LastSync = &last
		}
		if !entry.Success {
			m.SyncFailed++
		}
	}
	return m, nil
}
