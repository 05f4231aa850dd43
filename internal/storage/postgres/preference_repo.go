package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/archdraw/internal/domain"
	"github.com/jkaninda/archdraw/internal/storage"
)

var _ storage.PreferenceStore = (*PreferenceRepository)(nil)

// PreferenceRepository implements storage.PreferenceStore with GORM.
type PreferenceRepository struct {
	db *gorm.DB
}

func NewPreferenceRepository(db *gorm.DB) *PreferenceRepository {
	return &PreferenceRepository{db: db}
}

func (r *PreferenceRepository) Get(ctx context.Context, requesterID string) (*domain.Preferences, error) {
	var m PreferenceModel
	err := r.db.WithContext(ctx).Where("requester_id = ?", requesterID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading preferences: %w", err)
	}
	return fromPreferenceModel(&m), nil
}

// Upsert inserts or replaces the row keyed by requester id.
func (r *PreferenceRepository) Upsert(ctx context.Context, prefs *domain.Preferences) error {
	if prefs.RequesterID == "" {
		return fmt.Errorf("preferences: requester id is required")
	}
	m := toPreferenceModel(prefs)
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "requester_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"provider", "model", "api_key", "updated_at"}),
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("saving preferences: %w", err)
	}
	prefs.UpdatedAt = now
	return nil
}
