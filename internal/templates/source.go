package templates

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Source loads templates by id. Unknown ids yield ErrTemplateNotFound.
type Source interface {
	Load(ctx context.Context, id string) (*Template, error)
	List(ctx context.Context) ([]Template, error)
}

// CatalogSource serves the built-in catalog.
type CatalogSource struct{}

// Load implements Source.
func (CatalogSource) Load(_ context.Context, id string) (*Template, error) {
	return GetTemplateByID(id)
}

// List implements Source.
func (CatalogSource) List(context.Context) ([]Template, error) {
	return GetAllTemplates(), nil
}

// TemplateRecord is the database row for a stored template.
type TemplateRecord struct {
	ID                   string `gorm:"primaryKey"`
	Name                 string `gorm:"not null"`
	Description          string
	Category             string `gorm:"index"`
	Tags                 string
	Keywords             string
	BackendInstructions  string
	FrontendInstructions string
	BackendRules         string
	FrontendRules        string
	Popular              bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// TableName pins the table created by the migrations.
func (TemplateRecord) TableName() string { return "templates" }

func (r *TemplateRecord) toTemplate() *Template {
	return &Template{
		ID:                   r.ID,
		Name:                 r.Name,
		Description:          r.Description,
		Category:             TemplateCategory(r.Category),
		Tags:                 splitCSV(r.Tags),
		Keywords:             splitCSV(r.Keywords),
		BackendInstructions:  r.BackendInstructions,
		FrontendInstructions: r.FrontendInstructions,
		BackendRules:         r.BackendRules,
		FrontendRules:        r.FrontendRules,
		Popular:              r.Popular,
	}
}

func recordOf(t Template) TemplateRecord {
	return TemplateRecord{
		ID:                   t.ID,
		Name:                 t.Name,
		Description:          t.Description,
		Category:             string(t.Category),
		Tags:                 strings.Join(t.Tags, ","),
		Keywords:             strings.Join(t.Keywords, ","),
		BackendInstructions:  t.BackendInstructions,
		FrontendInstructions: t.FrontendInstructions,
		BackendRules:         t.BackendRules,
		FrontendRules:        t.FrontendRules,
		Popular:              t.Popular,
	}
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// StoreSource reads templates from the templates table.
type StoreSource struct {
	db *gorm.DB
}

// NewStoreSource creates a store-backed source.
func NewStoreSource(db *gorm.DB) *StoreSource {
	return &StoreSource{db: db}
}

// AutoMigrate creates the templates table on databases without versioned
// migrations.
func (s *StoreSource) AutoMigrate() error {
	return s.db.AutoMigrate(&TemplateRecord{})
}

// Load implements Source.
func (s *StoreSource) Load(ctx context.Context, id string) (*Template, error) {
	var rec TemplateRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load template %s: %w", id, err)
	}
	return rec.toTemplate(), nil
}

// List implements Source.
func (s *StoreSource) List(ctx context.Context) ([]Template, error) {
	var recs []TemplateRecord
	if err := s.db.WithContext(ctx).Order("id").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	out := make([]Template, 0, len(recs))
	for i := range recs {
		out = append(out, *recs[i].toTemplate())
	}
	return out, nil
}

// Upsert writes templates, replacing rows with the same id.
func (s *StoreSource) Upsert(ctx context.Context, tpls ...Template) error {
	if len(tpls) == 0 {
		return nil
	}
	recs := make([]TemplateRecord, 0, len(tpls))
	for _, t := range tpls {
		recs = append(recs, recordOf(t))
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "description", "category", "tags", "keywords",
			"backend_instructions", "frontend_instructions",
			"backend_rules", "frontend_rules", "popular", "updated_at",
		}),
	}).Create(&recs).Error
	if err != nil {
		return fmt.Errorf("upsert templates: %w", err)
	}
	return nil
}

// Seed loads the built-in catalog into the store.
func (s *StoreSource) Seed(ctx context.Context) error {
	return s.Upsert(ctx, GetAllTemplates()...)
}
