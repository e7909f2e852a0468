package container

import (
	"context"
	"log/slog"
	"time"

	"github.com/codehaven/codehaven/internal/shared"
	"github.com/codehaven/codehaven/internal/store"
)

const ttlWorkerInterval = 5 * time.Minute

// CloseSessionFunc tears down a user's session end to end (backup, container
// removal, registry release). Provided by the session layer.
type CloseSessionFunc func(ctx context.Context, userID string)

// StartTTLWorker runs a background goroutine that periodically sweeps for
// idle sessions and closes them, reclaiming their containers.
func StartTTLWorker(ctx context.Context, repo store.Repository, ttl time.Duration, closeSession CloseSessionFunc) {
	ticker := time.NewTicker(ttlWorkerInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("TTL worker started", "interval", ttlWorkerInterval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				sweepIdleSessions(ctx, repo, ttl, closeSession)
			case <-ctx.Done():
				slog.Info("TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepIdleSessions(ctx context.Context, repo store.Repository, ttl time.Duration, closeSession CloseSessionFunc) {
	idleUsers, err := repo.GetExpiredSessions(ctx, ttl)
	if err != nil {
		slog.Error("TTL worker failed to get idle sessions", "error", err)
		return
	}
	if len(idleUsers) == 0 {
		return
	}

	slog.Info("TTL worker found idle sessions", "count", len(idleUsers))

	for _, user := range idleUsers {
		slog.Info("TTL worker closing idle session",
			"container_id", user.ContainerID, "user_id", user.UserID)

		closeSession(ctx, user.UserID)

		if err := clearContainerIDWithRetry(ctx, repo, user.UserID, user.ContainerID); err != nil {
			slog.Warn("TTL worker failed to clear container binding after retries",
				"error", err, "user_id", user.UserID)
		}
	}

	slog.Info("TTL worker sweep completed", "closed", len(idleUsers))
}

// clearContainerIDWithRetry clears a user's container binding with
// exponential backoff to ride out SQLITE_BUSY contention.
func clearContainerIDWithRetry(ctx context.Context, repo store.Repository, userID, expectedID string) error {
	maxRetries := 3
	baseDelay := 50 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = repo.UpdateContainerID(ctx, userID, "", expectedID)
		if err == nil {
			return nil
		}

		if shared.IsSQLiteConflictError(err) && i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i)
			slog.Debug("TTL worker: database locked during container binding update, retrying",
				"user_id", userID, "attempt", i+1, "delay", delay)
			time.Sleep(delay)
			continue
		}

		if ctx.Err() != nil {
			slog.Debug("TTL worker: context canceled during container binding update",
				"user_id", userID, "error", err)
			return nil
		}
		return err
	}
	return err
}
