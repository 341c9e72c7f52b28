package authkit

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultRefreshBuffer is how long before access-token expiry a refresh is attempted.
const DefaultRefreshBuffer = 60 * time.Second

// RefreshOutcome describes what Coordinate did with a session.
type RefreshOutcome string

const (
	RefreshSkipped   RefreshOutcome = "skipped"
	RefreshContended RefreshOutcome = "contended"
	RefreshRefreshed RefreshOutcome = "refreshed"
	RefreshFailed    RefreshOutcome = "failed"
)

// TokenRefresher exchanges a refresh token for a new token set.
// Empty IDToken or RefreshToken in the result mean the provider did not rotate them.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (TokenSet, error)
}

// RefreshCoordinatorConfig configures a RefreshCoordinator.
type RefreshCoordinatorConfig struct {
	Buffer  time.Duration
	Clock   Clock
	Metrics MetricsRecorder
}

// RefreshCoordinator keeps upstream tokens fresh so that at most one refresh
// per session runs at a time across all gateway instances.
type RefreshCoordinator struct {
	sessions  *SessionStore
	lock      *RefreshLock
	refresher TokenRefresher
	buffer    time.Duration
	clock     Clock
	metrics   MetricsRecorder
	logger    *zap.Logger
}

// NewRefreshCoordinator constructs a RefreshCoordinator.
func NewRefreshCoordinator(sessions *SessionStore, lock *RefreshLock, refresher TokenRefresher, configuration RefreshCoordinatorConfig, logger *zap.Logger) *RefreshCoordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	coordinator := &RefreshCoordinator{
		sessions:  sessions,
		lock:      lock,
		refresher: refresher,
		buffer:    configuration.Buffer,
		clock:     configuration.Clock,
		metrics:   configuration.Metrics,
		logger:    logger,
	}
	if coordinator.buffer <= 0 {
		coordinator.buffer = DefaultRefreshBuffer
	}
	if coordinator.clock == nil {
		coordinator.clock = NewSystemClock()
	}
	if coordinator.metrics == nil {
		coordinator.metrics = NewCounterMetrics()
	}
	return coordinator
}

// NeedsRefresh reports whether the access token is inside the refresh buffer.
func (coordinator *RefreshCoordinator) NeedsRefresh(session *Session) bool {
	if session == nil {
		return false
	}
	return coordinator.nearExpiry(session.TokenSet)
}

func (coordinator *RefreshCoordinator) nearExpiry(tokenSet TokenSet) bool {
	return !coordinator.clock.Now().Before(tokenSet.AccessTokenExpiresAt.Add(-coordinator.buffer))
}

// Coordinate refreshes the session's tokens when needed. Losing the lock race
// is not an error: the caller proceeds with the tokens it already has.
// Once the lock is held the stored token set is authoritative, so a caller
// holding a copy from before another instance's refresh adopts that result.
// A nil session with RefreshFailed means the session was invalidated.
func (coordinator *RefreshCoordinator) Coordinate(ctx context.Context, session *Session) (*Session, RefreshOutcome) {
	if !coordinator.NeedsRefresh(session) {
		return session, RefreshSkipped
	}

	lease, acquired, lockErr := coordinator.lock.TryAcquire(ctx, coordinator.sessions.LockKey(session.ID))
	if lockErr != nil {
		coordinator.logger.Warn("refresh lock unavailable",
			zap.String("code", "refresh.lock_unavailable"),
			zap.Error(lockErr),
		)
	}
	if !acquired {
		coordinator.metrics.Increment(metricRefreshContended)
		return session, RefreshContended
	}
	defer func() {
		if releaseErr := coordinator.lock.Release(context.WithoutCancel(ctx), lease); releaseErr != nil {
			coordinator.logger.Warn("refresh lock release failed",
				zap.String("code", "refresh.lock_release"),
				zap.Error(releaseErr),
			)
		}
	}()

	current, loadErr := coordinator.sessions.LoadTokenSet(ctx, session.ID)
	if loadErr != nil {
		if errors.Is(loadErr, ErrSessionNotFound) {
			coordinator.metrics.Increment(metricRefreshFailure)
			return nil, RefreshFailed
		}
		coordinator.logger.Warn("stored token set unavailable",
			zap.String("code", "refresh.load_token_set"),
			zap.Error(loadErr),
		)
		return session, RefreshContended
	}
	if !coordinator.nearExpiry(current) {
		adopted := *session
		adopted.TokenSet = current
		return &adopted, RefreshRefreshed
	}

	refreshed, refreshErr := coordinator.refresh(ctx, current)
	if refreshErr != nil {
		coordinator.metrics.Increment(metricRefreshFailure)
		coordinator.logger.Warn("token refresh failed, invalidating session",
			zap.String("code", "refresh.failed"),
			zap.Error(refreshErr),
		)
		if invalidateErr := coordinator.sessions.Invalidate(context.WithoutCancel(ctx), session.ID); invalidateErr != nil {
			coordinator.logger.Error("session invalidation failed",
				zap.String("code", "refresh.invalidate"),
				zap.Error(invalidateErr),
			)
		}
		return nil, RefreshFailed
	}

	if updateErr := coordinator.sessions.UpdateTokenSet(ctx, session.ID, refreshed); updateErr != nil {
		if errors.Is(updateErr, ErrSessionNotFound) {
			coordinator.metrics.Increment(metricRefreshFailure)
			return nil, RefreshFailed
		}
		coordinator.logger.Error("persisting refreshed tokens failed",
			zap.String("code", "refresh.persist"),
			zap.Error(updateErr),
		)
	}
	coordinator.metrics.Increment(metricRefreshSuccess)
	updated := *session
	updated.TokenSet = refreshed
	return &updated, RefreshRefreshed
}

func (coordinator *RefreshCoordinator) refresh(ctx context.Context, current TokenSet) (TokenSet, error) {
	if strings.TrimSpace(current.RefreshToken) == "" {
		return TokenSet{}, ErrTokenRefresh
	}
	refreshed, err := coordinator.refresher.Refresh(ctx, current.RefreshToken)
	if err != nil {
		return TokenSet{}, err
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = current.RefreshToken
	}
	if refreshed.IDToken == "" {
		refreshed.IDToken = current.IDToken
	}
	return refreshed, nil
}
