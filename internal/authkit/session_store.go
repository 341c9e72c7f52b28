package authkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tyemirov/consolegate/internal/kvstore"
)

const (
	// DefaultSessionTTL is the absolute session lifetime from creation or renewal.
	DefaultSessionTTL = 30 * 24 * time.Hour
	// DefaultSessionRenewalWindow is how close to expiry a session must be before it slides forward.
	DefaultSessionRenewalWindow = 15 * 24 * time.Hour
	// DefaultKeyPrefix namespaces session records in the key-value store.
	DefaultKeyPrefix = "console"

	fieldUser      = "user"
	fieldTokenSet  = "tokenSet"
	fieldExpiresAt = "expiresAt"
)

// SessionStoreConfig tunes session lifetime and storage layout.
type SessionStoreConfig struct {
	KeyPrefix     string
	SessionTTL    time.Duration
	RenewalWindow time.Duration
	Clock         Clock
}

// SessionStore persists sessions as expiring hash records.
type SessionStore struct {
	store         kvstore.Store
	keyPrefix     string
	sessionTTL    time.Duration
	renewalWindow time.Duration
	clock         Clock
	logger        *zap.Logger
}

// NewSessionStore constructs a SessionStore, filling unset options with defaults.
func NewSessionStore(store kvstore.Store, configuration SessionStoreConfig, logger *zap.Logger) *SessionStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	sessionStore := &SessionStore{
		store:         store,
		keyPrefix:     strings.TrimSuffix(strings.TrimSpace(configuration.KeyPrefix), ":"),
		sessionTTL:    configuration.SessionTTL,
		renewalWindow: configuration.RenewalWindow,
		clock:         configuration.Clock,
		logger:        logger,
	}
	if sessionStore.keyPrefix == "" {
		sessionStore.keyPrefix = DefaultKeyPrefix
	}
	if sessionStore.sessionTTL <= 0 {
		sessionStore.sessionTTL = DefaultSessionTTL
	}
	if sessionStore.renewalWindow <= 0 {
		sessionStore.renewalWindow = DefaultSessionRenewalWindow
	}
	if sessionStore.renewalWindow > sessionStore.sessionTTL {
		sessionStore.renewalWindow = sessionStore.sessionTTL / 2
	}
	if sessionStore.clock == nil {
		sessionStore.clock = NewSystemClock()
	}
	return sessionStore
}

// SessionKey returns the store key of a session record.
func (sessionStore *SessionStore) SessionKey(sessionID string) string {
	return sessionStore.keyPrefix + ":session:" + sessionID
}

// LockKey returns the store key of the refresh lock guarding a session.
func (sessionStore *SessionStore) LockKey(sessionID string) string {
	return sessionStore.SessionKey(sessionID) + ":refresh-lock"
}

// Create persists a new session for the raw token.
func (sessionStore *SessionStore) Create(ctx context.Context, rawToken string, user UserProfile, tokenSet TokenSet) (Session, error) {
	if strings.TrimSpace(rawToken) == "" {
		return Session{}, fmt.Errorf("session_store.create: %w", ErrEmptySessionToken)
	}
	session := Session{
		ID:        SessionID(rawToken),
		User:      user,
		TokenSet:  tokenSet,
		ExpiresAt: sessionStore.clock.Now().Add(sessionStore.sessionTTL).UTC().Truncate(time.Millisecond),
	}
	fields, encodeErr := encodeSessionFields(session)
	if encodeErr != nil {
		return Session{}, fmt.Errorf("session_store.create: %w", encodeErr)
	}
	if err := sessionStore.store.HashSet(ctx, sessionStore.SessionKey(session.ID), fields, session.ExpiresAt); err != nil {
		return Session{}, fmt.Errorf("session_store.create: %w", err)
	}
	return session, nil
}

// Validate resolves the session behind a raw token. A nil session means absent.
// fresh reports that the absolute expiry was just extended.
func (sessionStore *SessionStore) Validate(ctx context.Context, rawToken string) (*Session, bool, error) {
	if strings.TrimSpace(rawToken) == "" {
		return nil, false, nil
	}
	sessionID := SessionID(rawToken)
	key := sessionStore.SessionKey(sessionID)
	fields, err := sessionStore.store.HashGetAll(ctx, key)
	if errors.Is(err, kvstore.ErrCorruptRecord) {
		return nil, false, sessionStore.discardCorrupt(ctx, key, err)
	}
	if err != nil {
		return nil, false, fmt.Errorf("session_store.validate: %w", err)
	}
	if len(fields) == 0 {
		return nil, false, nil
	}
	session, decodeErr := decodeSessionFields(sessionID, fields)
	if decodeErr != nil {
		return nil, false, sessionStore.discardCorrupt(ctx, key, decodeErr)
	}

	now := sessionStore.clock.Now()
	if !now.Before(session.ExpiresAt) {
		if deleteErr := sessionStore.store.Delete(ctx, key); deleteErr != nil {
			return nil, false, fmt.Errorf("session_store.validate: %w", deleteErr)
		}
		return nil, false, nil
	}
	if now.Before(session.ExpiresAt.Add(-sessionStore.renewalWindow)) {
		return &session, false, nil
	}

	renewedExpiry := now.Add(sessionStore.sessionTTL).UTC().Truncate(time.Millisecond)
	if !renewedExpiry.After(session.ExpiresAt) {
		return &session, false, nil
	}
	updated, updateErr := sessionStore.store.HashUpdate(ctx, key, map[string]string{
		fieldExpiresAt: formatEpochMillis(renewedExpiry),
	}, renewedExpiry)
	if updateErr != nil {
		return nil, false, fmt.Errorf("session_store.renew: %w", updateErr)
	}
	if !updated {
		return nil, false, nil
	}
	session.ExpiresAt = renewedExpiry
	return &session, true, nil
}

func (sessionStore *SessionStore) discardCorrupt(ctx context.Context, key string, cause error) error {
	sessionStore.logger.Warn("discarding unreadable session record",
		zap.String("code", ErrCorruptSessionRecord.Error()),
		zap.Error(cause),
	)
	if deleteErr := sessionStore.store.Delete(ctx, key); deleteErr != nil {
		return fmt.Errorf("session_store.validate: %w", deleteErr)
	}
	return nil
}

// UpdateTokenSet replaces the token set of an existing session without touching its expiry.
func (sessionStore *SessionStore) UpdateTokenSet(ctx context.Context, sessionID string, tokenSet TokenSet) error {
	encoded, encodeErr := json.Marshal(tokenSet)
	if encodeErr != nil {
		return fmt.Errorf("session_store.update_token_set: %w", encodeErr)
	}
	updated, err := sessionStore.store.HashUpdate(ctx, sessionStore.SessionKey(sessionID), map[string]string{
		fieldTokenSet: string(encoded),
	}, time.Time{})
	if err != nil {
		return fmt.Errorf("session_store.update_token_set: %w", err)
	}
	if !updated {
		return fmt.Errorf("session_store.update_token_set: %w", ErrSessionNotFound)
	}
	return nil
}

// LoadTokenSet reads the token set currently stored for a session.
func (sessionStore *SessionStore) LoadTokenSet(ctx context.Context, sessionID string) (TokenSet, error) {
	fields, err := sessionStore.store.HashGetAll(ctx, sessionStore.SessionKey(sessionID))
	if err != nil {
		return TokenSet{}, fmt.Errorf("session_store.load_token_set: %w", err)
	}
	encoded, exists := fields[fieldTokenSet]
	if !exists {
		return TokenSet{}, fmt.Errorf("session_store.load_token_set: %w", ErrSessionNotFound)
	}
	var tokenSet TokenSet
	if decodeErr := json.Unmarshal([]byte(encoded), &tokenSet); decodeErr != nil {
		return TokenSet{}, fmt.Errorf("session_store.load_token_set: %w: %v", ErrCorruptSessionRecord, decodeErr)
	}
	return tokenSet, nil
}

// Invalidate deletes the session record.
func (sessionStore *SessionStore) Invalidate(ctx context.Context, sessionID string) error {
	if err := sessionStore.store.Delete(ctx, sessionStore.SessionKey(sessionID)); err != nil {
		return fmt.Errorf("session_store.invalidate: %w", err)
	}
	return nil
}

func encodeSessionFields(session Session) (map[string]string, error) {
	userJSON, err := json.Marshal(session.User)
	if err != nil {
		return nil, err
	}
	tokenSetJSON, err := json.Marshal(session.TokenSet)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		fieldUser:      string(userJSON),
		fieldTokenSet:  string(tokenSetJSON),
		fieldExpiresAt: formatEpochMillis(session.ExpiresAt),
	}, nil
}

func decodeSessionFields(sessionID string, fields map[string]string) (Session, error) {
	session := Session{ID: sessionID}
	userJSON, hasUser := fields[fieldUser]
	tokenSetJSON, hasTokenSet := fields[fieldTokenSet]
	expiresAtValue, hasExpiresAt := fields[fieldExpiresAt]
	if !hasUser || !hasTokenSet || !hasExpiresAt {
		return Session{}, errors.New("missing fields")
	}
	if err := json.Unmarshal([]byte(userJSON), &session.User); err != nil {
		return Session{}, fmt.Errorf("user: %w", err)
	}
	if err := json.Unmarshal([]byte(tokenSetJSON), &session.TokenSet); err != nil {
		return Session{}, fmt.Errorf("token set: %w", err)
	}
	expiresAtMillis, err := strconv.ParseInt(expiresAtValue, 10, 64)
	if err != nil {
		return Session{}, fmt.Errorf("expires at: %w", err)
	}
	session.ExpiresAt = time.UnixMilli(expiresAtMillis).UTC()
	return session, nil
}

func formatEpochMillis(moment time.Time) string {
	return strconv.FormatInt(moment.UnixMilli(), 10)
}
