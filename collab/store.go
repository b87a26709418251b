package collab

import (
	"context"
	"time"
)

// External collaborators of the engine. The engine only depends on these
// interfaces; the store package provides the postgres and redis adapters.

// PersistedRecord is the durable form of one document's replicated state.
type PersistedRecord struct {
	State       []byte
	StateVector []byte
	SavedAt     time.Time
}

// RecordStore reads and writes persisted records keyed by document.
type RecordStore interface {
	// GetRecord returns ErrNotFound for a document never saved.
	GetRecord(ctx context.Context, key DocKey) (*PersistedRecord, error)
	PutRecord(ctx context.Context, key DocKey, state []byte, stateVector []byte, savedAt time.Time) error
}

// SourceStore is the source-of-truth file store. It bootstraps documents
// that have never been synchronized and receives the plain text projection
// on every save so non-collaborative readers stay current.
type SourceStore interface {
	// ReadSource returns ErrNotFound when the file has no source text.
	ReadSource(ctx context.Context, projectId string, filePath string) (string, error)
	WriteProjection(ctx context.Context, projectId string, filePath string, text string) error
}

type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// Directory resolves project membership.
type Directory interface {
	// Membership returns ErrNotFound when the user is neither the owner
	// nor a collaborator on the project.
	Membership(ctx context.Context, projectId string, userId string) (Role, error)
}

// AuditLog records owner admissions.
type AuditLog interface {
	Connected(ctx context.Context, key DocKey, userId string, at time.Time) error
	Disconnected(ctx context.Context, key DocKey, userId string, at time.Time) error
}
