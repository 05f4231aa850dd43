// Package storage defines the persistence interfaces for requester
// preferences and diagram run history.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL.
package storage

import (
	"context"
	"errors"

	"github.com/jkaninda/archdraw/internal/domain"
)

// Driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrNotFound is returned when a keyed record does not exist.
var ErrNotFound = errors.New("not found")

// PreferenceStore persists per-requester preferences, keyed by requester id.
type PreferenceStore interface {
	// Get returns ErrNotFound when the requester has no saved preferences.
	Get(ctx context.Context, requesterID string) (*domain.Preferences, error)
	// Upsert creates or fully replaces the requester's preferences.
	Upsert(ctx context.Context, prefs *domain.Preferences) error
}

// RunStore is the append-only diagram run log.
type RunStore interface {
	Append(ctx context.Context, run *domain.DiagramRun) error
	// List returns the requester's runs, newest first. limit <= 0 means 20.
	List(ctx context.Context, requesterID string, limit int) ([]*domain.DiagramRun, error)
}

// Store is the unified persistence interface. Both backends implement it.
type Store interface {
	Preferences() PreferenceStore
	Runs() RunStore

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// DefaultListLimit is used when List is called with a non-positive limit.
const DefaultListLimit = 20
