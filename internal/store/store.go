// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/codehaven/codehaven/internal/domain"
)

// Repository persists user records and their container bindings.
type Repository interface {
	// GetUser retrieves a user by their user ID. Returns nil, nil when the
	// user does not exist.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// UpdateContainerID updates the container_id for a user. If expectedID
	// is non-empty, the update only happens if the current container_id
	// matches expectedID (optimistic locking).
	UpdateContainerID(ctx context.Context, userID string, containerID string, expectedID string) error

	// GetExpiredSessions retrieves users whose containers have exceeded the
	// inactivity TTL.
	GetExpiredSessions(ctx context.Context, ttl time.Duration) ([]*domain.User, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
