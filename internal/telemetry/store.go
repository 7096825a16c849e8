package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned for unknown run ids.
var ErrNotFound = errors.New("telemetry: run not found")

// RunRecord is one row of generation_runs.
type RunRecord struct {
	ID                   string    `gorm:"primaryKey;type:text" json:"id"`
	ProjectID            string    `gorm:"index;not null;default:''" json:"project_id"`
	ProjectName          string    `gorm:"not null;default:''" json:"project_name"`
	Input                string    `gorm:"type:text;not null;default:''" json:"input"`
	Success              bool      `gorm:"not null;default:false" json:"success"`
	FinalPhase           string    `gorm:"not null;default:''" json:"final_phase"`
	TemplateID           string    `gorm:"not null;default:''" json:"template_id"`
	FallbackUsed         bool      `gorm:"not null;default:false" json:"fallback_used"`
	RouteConfidence      float64   `gorm:"not null;default:0" json:"route_confidence"`
	BackendContextSource string    `gorm:"not null;default:''" json:"backend_context_source"`
	FilesCount           int       `gorm:"not null;default:0" json:"files_count"`
	FilesJSON            string    `gorm:"type:text;not null;default:'{}'" json:"files_json"`
	TimingsJSON          string    `gorm:"type:text;not null;default:'{}'" json:"timings_json"`
	DiagnosticsJSON      string    `gorm:"type:text;not null;default:'{}'" json:"diagnostics_json"`
	ErrorKind            string    `gorm:"not null;default:''" json:"error_kind"`
	ErrorPhase           string    `gorm:"not null;default:''" json:"error_phase"`
	ErrorMessage         string    `gorm:"type:text;not null;default:''" json:"error_message"`
	DroppedCallbacks     int64     `gorm:"not null;default:0" json:"dropped_callbacks"`
	ArchiveKey           string    `gorm:"not null;default:''" json:"archive_key"`
	StartedAt            time.Time `json:"started_at"`
	FinishedAt           time.Time `json:"finished_at"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

func (RunRecord) TableName() string { return "generation_runs" }

// FileEntry is the stored shape of a file. Content lives in the archive.
type FileEntry struct {
	Path string `json:"path"`
	Size int    `json:"size"`
}

// Files decodes the stored file list.
func (r *RunRecord) Files() ([]FileEntry, error) {
	var out []FileEntry
	if err := json.Unmarshal([]byte(r.FilesJSON), &out); err != nil {
		return nil, fmt.Errorf("decode files of run %s: %w", r.ID, err)
	}
	return out, nil
}

// RecordOf converts a snapshot into a row.
func RecordOf(snap *Snapshot, archiveKey string) (*RunRecord, error) {
	files := make([]FileEntry, 0, len(snap.Files))
	for _, f := range snap.Files {
		files = append(files, FileEntry{Path: f.Path, Size: len(f.Content)})
	}
	filesJSON, err := json.Marshal(files)
	if err != nil {
		return nil, fmt.Errorf("encode files: %w", err)
	}
	timingsJSON, err := json.Marshal(snap.Timings)
	if err != nil {
		return nil, fmt.Errorf("encode timings: %w", err)
	}
	warnings := snap.Warnings
	if warnings == nil {
		warnings = []Warning{}
	}
	diagJSON, err := json.Marshal(warnings)
	if err != nil {
		return nil, fmt.Errorf("encode diagnostics: %w", err)
	}

	return &RunRecord{
		ID:                   snap.RunID,
		ProjectID:            snap.ProjectID,
		ProjectName:          snap.ProjectName,
		Input:                snap.Input,
		Success:              snap.Success,
		FinalPhase:           snap.FinalPhase,
		TemplateID:           snap.TemplateID,
		FallbackUsed:         snap.FallbackUsed,
		RouteConfidence:      snap.RouteConfidence,
		BackendContextSource: snap.BackendContextSource,
		FilesCount:           len(snap.Files),
		FilesJSON:            string(filesJSON),
		TimingsJSON:          string(timingsJSON),
		DiagnosticsJSON:      string(diagJSON),
		ErrorKind:            snap.ErrorKind,
		ErrorPhase:           snap.ErrorPhase,
		ErrorMessage:         snap.ErrorMessage,
		DroppedCallbacks:     snap.DroppedCallbacks,
		ArchiveKey:           archiveKey,
		StartedAt:            snap.StartedAt,
		FinishedAt:           snap.FinishedAt,
	}, nil
}

// Store reads and writes generation_runs through gorm.
type Store struct {
	db *gorm.DB
}

// NewStore wraps an open connection.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates the table on databases that do not run versioned
// migrations (sqlite).
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&RunRecord{})
}

// Save upserts the row for a snapshot.
func (s *Store) Save(ctx context.Context, snap *Snapshot, archiveKey string) error {
	rec, err := RecordOf(snap, archiveKey)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(rec).Error
	if err != nil {
		return fmt.Errorf("save run %s: %w", snap.RunID, err)
	}
	return nil
}

// Get loads one run.
func (s *Store) Get(ctx context.Context, id string) (*RunRecord, error) {
	var rec RunRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", id, err)
	}
	return &rec, nil
}

// List returns the newest runs first, optionally for one project.
func (s *Store) List(ctx context.Context, projectID string, limit int) ([]RunRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if projectID != "" {
		q = q.Where("project_id = ?", projectID)
	}
	var out []RunRecord
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return out, nil
}
