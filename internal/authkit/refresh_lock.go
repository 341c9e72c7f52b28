package authkit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tyemirov/consolegate/internal/kvstore"
)

// DefaultRefreshLockTTL bounds how long a crashed holder can block refreshes.
const DefaultRefreshLockTTL = 10 * time.Second

// RefreshLock is a per-session mutual-exclusion lease held in the key-value store.
type RefreshLock struct {
	store kvstore.Store
	ttl   time.Duration
}

// RefreshLease identifies one successful acquisition.
type RefreshLease struct {
	key   string
	value string
}

// NewRefreshLock constructs a RefreshLock.
func NewRefreshLock(store kvstore.Store, ttl time.Duration) *RefreshLock {
	if ttl <= 0 {
		ttl = DefaultRefreshLockTTL
	}
	return &RefreshLock{store: store, ttl: ttl}
}

// TryAcquire attempts a set-if-absent on key. It never waits.
func (lock *RefreshLock) TryAcquire(ctx context.Context, key string) (*RefreshLease, bool, error) {
	value := uuid.NewString()
	acquired, err := lock.store.SetIfAbsent(ctx, key, value, lock.ttl)
	if err != nil {
		return nil, false, fmt.Errorf("refresh_lock.acquire: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return &RefreshLease{key: key, value: value}, true, nil
}

// Release deletes the lock only if this lease still owns it.
func (lock *RefreshLock) Release(ctx context.Context, lease *RefreshLease) error {
	if lease == nil {
		return nil
	}
	if _, err := lock.store.DeleteIfValue(ctx, lease.key, lease.value); err != nil {
		return fmt.Errorf("refresh_lock.release: %w", err)
	}
	return nil
}
