package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/archdraw/internal/domain"
	"github.com/jkaninda/archdraw/internal/storage"
)

var _ storage.RunStore = (*RunRepository)(nil)

// RunRepository implements storage.RunStore with GORM. Rows are never updated.
type RunRepository struct {
	db *gorm.DB
}

func NewRunRepository(db *gorm.DB) *RunRepository {
	return &RunRepository{db: db}
}

// Append inserts run, assigning an ID and CreatedAt when unset.
func (r *RunRepository) Append(ctx context.Context, run *domain.DiagramRun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	m := toDiagramRunModel(run)
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("appending diagram run: %w", err)
	}
	return nil
}

func (r *RunRepository) List(ctx context.Context, requesterID string, limit int) ([]*domain.DiagramRun, error) {
	if limit <= 0 {
		limit = storage.DefaultListLimit
	}
	var models []DiagramRunModel
	err := r.db.WithContext(ctx).
		Where("requester_id = ?", requesterID).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing diagram runs: %w", err)
	}
	runs := make([]*domain.DiagramRun, len(models))
	for i := range models {
		runs[i] = fromDiagramRunModel(&models[i])
	}
	return runs, nil
}
