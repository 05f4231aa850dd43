package postgres

import (
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/archdraw/internal/domain"
)

// PreferenceModel maps to the "preferences" table.
type PreferenceModel struct {
	RequesterID string `gorm:"primaryKey;size:255"`
	Provider    string `gorm:"size:64"`
	Model       string `gorm:"size:128"`
	APIKey      string `gorm:"column:api_key"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (PreferenceModel) TableName() string { return "preferences" }

// DiagramRunModel maps to the "diagram_runs" table.
type DiagramRunModel struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	RequesterID  string    `gorm:"size:255;not null;index:idx_runs_requester_created,priority:1"`
	Request      string    `gorm:"type:text;not null"`
	Provider     string    `gorm:"size:64"`
	Model        string    `gorm:"size:128"`
	Status       string    `gorm:"size:32;not null;index"`
	Attempts     int       `gorm:"not null;default:0"`
	ArtifactPath string
	Code         string `gorm:"type:text"`
	Error        string `gorm:"type:text"`
	DurationMS   int64
	CreatedAt    time.Time `gorm:"not null;index:idx_runs_requester_created,priority:2"`
}

func (DiagramRunModel) TableName() string { return "diagram_runs" }

func toPreferenceModel(p *domain.Preferences) PreferenceModel {
	return PreferenceModel{
		RequesterID: p.RequesterID,
		Provider:    p.Provider,
		Model:       p.Model,
		APIKey:      p.APIKey,
		UpdatedAt:   p.UpdatedAt,
	}
}

func fromPreferenceModel(m *PreferenceModel) *domain.Preferences {
	return &domain.Preferences{
		RequesterID: m.RequesterID,
		Provider:    m.Provider,
		Model:       m.Model,
		APIKey:      m.APIKey,
		UpdatedAt:   m.UpdatedAt,
	}
}

func toDiagramRunModel(r *domain.DiagramRun) DiagramRunModel {
	return DiagramRunModel{
		ID:           r.ID,
		RequesterID:  r.RequesterID,
		Request:      r.Request,
		Provider:     r.Provider,
		Model:        r.Model,
		Status:       string(r.Status),
		Attempts:     r.Attempts,
		ArtifactPath: r.ArtifactPath,
		Code:         r.Code,
		Error:        r.Error,
		DurationMS:   r.Duration.Milliseconds(),
		CreatedAt:    r.CreatedAt,
	}
}

func fromDiagramRunModel(m *DiagramRunModel) *domain.DiagramRun {
	return &domain.DiagramRun{
		ID:           m.ID,
		RequesterID:  m.RequesterID,
		Request:      m.Request,
		Provider:     m.Provider,
		Model:        m.Model,
		Status:       domain.RunStatus(m.Status),
		Attempts:     m.Attempts,
		ArtifactPath: m.ArtifactPath,
		Code:         m.Code,
		Error:        m.Error,
		Duration:     time.Duration(m.DurationMS) * time.Millisecond,
		CreatedAt:    m.CreatedAt,
	}
}

// Models lists every table in migration order.
func Models() []any {
	return []any{&PreferenceModel{}, &DiagramRunModel{}}
}
