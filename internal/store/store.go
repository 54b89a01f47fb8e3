// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/ashureev/voice-relay/internal/domain"
)

// ErrNotFound is returned when no metadata is stored for a session.
var ErrNotFound = errors.New("metadata not found")

// Repository persists viewer-editable session metadata.
type Repository interface {
	// GetMetadata returns the stored metadata for a session, or ErrNotFound.
	GetMetadata(ctx context.Context, sessionID string) (domain.SessionMetadata, error)

	// ListMetadata returns all stored metadata keyed by session ID.
	ListMetadata(ctx context.Context) (map[string]domain.SessionMetadata, error)

	// UpsertMetadata creates or replaces a session's metadata.
	UpsertMetadata(ctx context.Context, m domain.SessionMetadata) error

	// DeleteMetadata removes a session's metadata. Absent IDs are not an error.
	DeleteMetadata(ctx context.Context, sessionID string) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
