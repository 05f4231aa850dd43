// Package domain defines the entity types shared by storage, the session
// service and the front-ends.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Preferences are the per-requester settings kept between sessions.
// RequesterID is the opaque id assigned by a gateway (e.g. "tg:12345").
type Preferences struct {
	RequesterID string
	Provider    string // Empty = configured default.
	Model       string // Empty = provider default.
	APIKey      string // Empty = configured server key, if any.
	UpdatedAt   time.Time
}

// HasAPIKey reports whether the requester supplied their own key.
func (p *Preferences) HasAPIKey() bool {
	return p != nil && p.APIKey != ""
}

// RunStatus is the terminal state of a diagram session.
type RunStatus string

const (
	RunSucceeded    RunStatus = "succeeded"
	RunExhausted    RunStatus = "exhausted"
	RunRepairFailed RunStatus = "repair_failed"
	RunFailed       RunStatus = "failed" // generation or environment failure before a terminal state
)

// DiagramRun records one completed session. Runs are append-only.
type DiagramRun struct {
	ID           uuid.UUID
	RequesterID  string
	Request      string
	Provider     string
	Model        string
	Status       RunStatus
	Attempts     int
	ArtifactPath string // Set when Status is RunSucceeded.
	Code         string // Last code executed.
	Error        string // Last error text, empty on success.
	Duration     time.Duration
	CreatedAt    time.Time
}
