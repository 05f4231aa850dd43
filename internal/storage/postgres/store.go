package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/jkaninda/archdraw/internal/storage"
)

var _ storage.Store = (*Store)(nil)

// Store implements storage.Store over a GORM handle. The SQLite backend
// reuses it with a different dialector.
type Store struct {
	db     *gorm.DB
	driver string
	prefs  *PreferenceRepository
	runs   *RunRepository
}

// NewStore wraps db. driver is reported by Driver().
func NewStore(db *gorm.DB, driver string) *Store {
	return &Store{
		db:     db,
		driver: driver,
		prefs:  NewPreferenceRepository(db),
		runs:   NewRunRepository(db),
	}
}

func (s *Store) Preferences() storage.PreferenceStore { return s.prefs }
func (s *Store) Runs() storage.RunStore               { return s.runs }
func (s *Store) Driver() string                       { return s.driver }
func (s *Store) Ping(ctx context.Context) error       { return Ping(ctx, s.db) }
func (s *Store) Close() error                         { return Close(s.db) }

// Migrate creates or updates the tables.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto-migrating: %w", err)
	}
	return nil
}

// GormDB returns the underlying handle.
func (s *Store) GormDB() *gorm.DB { return s.db }
