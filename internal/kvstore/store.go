package kvstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrUnsupportedScheme indicates that no backend is registered for the URL scheme.
	ErrUnsupportedScheme = errors.New("kvstore.unsupported_scheme")
	// ErrEmptyURL indicates that no store URL was configured.
	ErrEmptyURL = errors.New("kvstore.empty_url")
	// ErrCorruptRecord indicates a stored record that can no longer be decoded.
	ErrCorruptRecord = errors.New("kvstore.corrupt_record")
)

// Store is the subset of key-value operations the gateway relies on.
// Hash records and plain keys share one key space.
type Store interface {
	// HashSet writes fields to the hash at key and sets its absolute expiry in one step.
	HashSet(ctx context.Context, key string, fields map[string]string, expiresAt time.Time) error
	// HashUpdate writes fields only when the hash already exists. A zero expiresAt
	// leaves the current expiry untouched.
	HashUpdate(ctx context.Context, key string, fields map[string]string, expiresAt time.Time) (bool, error)
	// HashGetAll returns every field of the hash, or an empty map when it does not exist.
	HashGetAll(ctx context.Context, key string) (map[string]string, error)
	// SetIfAbsent stores value under key with a TTL when the key does not exist.
	SetIfAbsent(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	// DeleteIfValue removes key only when it still holds value.
	DeleteIfValue(ctx context.Context, key string, value string) (bool, error)
	// Delete removes key unconditionally.
	Delete(ctx context.Context, key string) error
	// Ping reports backend health.
	Ping(ctx context.Context) error
	// Close releases backend resources.
	Close() error
}

// Open selects a backend from the URL scheme.
func Open(ctx context.Context, storeURL string) (Store, string, error) {
	if strings.TrimSpace(storeURL) == "" {
		return nil, "", fmt.Errorf("kvstore.open: %w", ErrEmptyURL)
	}
	parsed, err := url.Parse(storeURL)
	if err != nil {
		return nil, "", fmt.Errorf("kvstore.parse_url: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "redis", "rediss":
		store, openErr := NewRedisStore(ctx, storeURL)
		if openErr != nil {
			return nil, "", openErr
		}
		return store, "redis", nil
	case "postgres", "postgresql", "sqlite", "sqlite3":
		store, openErr := NewDatabaseStore(ctx, storeURL)
		if openErr != nil {
			return nil, "", openErr
		}
		return store, store.Driver(), nil
	case "memory":
		return NewMemoryStore(), "memory", nil
	default:
		return nil, "", fmt.Errorf("kvstore.open.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedScheme)
	}
}
