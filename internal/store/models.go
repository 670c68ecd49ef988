package store

import (
	"errors"
	"time"

	"funnelsync/api/internal/content"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
)

type Status string

const (
	StatusGenerating Status = "generating"
	StatusGenerated  Status = "generated"
	StatusApproved   Status = "approved"
)

func (s Status) Valid() bool {
	switch s {
	case StatusGenerating, StatusGenerated, StatusApproved:
		return true
	}
	return false
}

// Field is one individually addressable value of a section.
type Field struct {
	ID        string
	ProjectID string
	SectionID string
	FieldID   string
	Value     content.Value
	ValueType string
	IsCurrent bool
	Version   int
	CreatedAt time.Time
}

// SectionDocument is the nested snapshot of a whole section.
type SectionDocument struct {
	ID            string
	ProjectID     string
	SectionID     string
	Content       content.Record
	Status        Status
	Phase         int
	Version       int
	SchemaVersion int
	IsCurrent     bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
	// ContentUnreadable is set when the stored content could not be parsed and
	// Content was replaced by an empty record.
	ContentUnreadable bool
}

type SyncAuditEntry struct {
	ID           int64
	ProjectID    string
	SectionID    string
	PushedCount  int
	UpdatedCount int
	SkippedCount int
	FailedCount  int
	Success      bool
	Error        string
	CreatedAt    time.Time
}

// Integration ties a project to a location on the external content platform.
type Integration struct {
	ProjectID  string
	LocationID string
	CreatedAt  time.Time
}

type PhaseUnlock struct {
	ProjectID  string
	Phase      int
	UnlockedAt time.Time
}
