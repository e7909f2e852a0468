// Package domain contains core domain types for the Codehaven server.
package domain

import (
	"time"
)

// User represents a registered user and their current container binding.
// The user ID is the durable identity every session, container name, and
// storage key derives from.
type User struct {
	UserID      string    `json:"user_id"`
	Username    string    `json:"username"`
	ContainerID string    `json:"container_id,omitempty"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// HasActiveContainer returns true if the user has a non-empty container ID.
func (u *User) HasActiveContainer() bool {
	return u.ContainerID != ""
}

// SessionTTL returns the time until the container expires for inactivity.
// Returns 0 if the container has already expired.
func (u *User) SessionTTL(sessionDuration time.Duration) time.Duration {
	if !u.HasActiveContainer() {
		return 0
	}
	expiresAt := u.LastSeenAt.Add(sessionDuration)
	ttl := time.Until(expiresAt)
	if ttl < 0 {
		return 0
	}
	return ttl
}
