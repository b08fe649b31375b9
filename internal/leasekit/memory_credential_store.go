package leasekit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryCredentialStore is an in-memory store intended for tests and dev. It
// enforces the same single-refresher-per-key protocol as the database-backed
// stores, using a per-key lock with a bounded wait in place of a row lock.
type MemoryCredentialStore struct {
	mutex       sync.Mutex
	records     map[credentialKey]CredentialPair
	keyLocks    map[credentialKey]chan struct{}
	lockTimeout time.Duration
}

type credentialKey struct {
	subjectID string
	provider  Provider
}

// NewMemoryCredentialStore creates a new in-memory credential store.
func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{
		records:     make(map[credentialKey]CredentialPair),
		keyLocks:    make(map[credentialKey]chan struct{}),
		lockTimeout: LockTimeout,
	}
}

// Load returns the stored pair, refreshing it under the per-key lock when the
// access token is expired and a refresh callback is supplied.
func (store *MemoryCredentialStore) Load(ctx context.Context, subjectID string, provider Provider, refresh RefreshFunc) (*CredentialPair, error) {
	key := credentialKey{subjectID: subjectID, provider: provider}

	// Fast path: no per-key lock is ever taken here.
	current, found := store.snapshot(key)
	if !found {
		return nil, fmt.Errorf("credential_store.load.memory: %w", ErrCredentialNotFound)
	}
	accessExpired, _ := ExpiryStatus(current.AccessTokenExpiresAt, current.RefreshTokenExpiresAt, currentClock().Now())
	if !accessExpired || refresh == nil {
		currentMetrics().Increment(EventLeaseFastPath)
		return &current, nil
	}

	// Slow path: the access token is expired and a refresher exists.
	currentMetrics().Increment(EventLeaseSlowPath)
	keyLock := store.keyLock(key)
	select {
	case keyLock <- struct{}{}:
	case <-time.After(store.lockTimeout):
		currentMetrics().Increment(EventLeaseTimeout)
		currentLogger().Warn("credential lease lock timeout",
			zap.String("code", "credential_store.lease_timeout"),
			zap.String("subject_id", subjectID),
			zap.String("identity_provider", provider.String()))
		return nil, fmt.Errorf("credential_store.load.memory: %w", ErrLeaseTimeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("credential_store.load.memory: %w", ctx.Err())
	}
	defer func() { <-keyLock }()

	current, found = store.snapshot(key)
	if !found {
		return nil, fmt.Errorf("credential_store.load.memory: %w", ErrCredentialNotFound)
	}

	// Double-check: another caller may have refreshed while this one waited.
	accessExpired, _ = ExpiryStatus(current.AccessTokenExpiresAt, current.RefreshTokenExpiresAt, currentClock().Now())
	if !accessExpired {
		currentMetrics().Increment(EventLeaseDedup)
		return &current, nil
	}

	outcome, refreshErr := refresh(ctx, provider, current.RefreshToken, current.AccessTokenExpiresAt, current.RefreshTokenExpiresAt)
	if refreshErr != nil {
		return nil, refreshErr
	}
	if outcome == nil {
		// No refresh was possible; hand back the existing pair as-is.
		return &current, nil
	}

	store.mutex.Lock()
	store.records[key] = *outcome
	store.mutex.Unlock()
	currentMetrics().Increment(EventLeaseRefresh)

	refreshed := *outcome
	return &refreshed, nil
}

// Store upserts the pair for the key.
func (store *MemoryCredentialStore) Store(ctx context.Context, subjectID string, provider Provider, pair CredentialPair) error {
	if pair.AccessToken == "" {
		return fmt.Errorf("credential_store.store.memory: %w", ErrEmptyAccessToken)
	}
	key := credentialKey{subjectID: subjectID, provider: provider}
	store.mutex.Lock()
	store.records[key] = pair
	store.mutex.Unlock()
	return nil
}

func (store *MemoryCredentialStore) snapshot(key credentialKey) (CredentialPair, bool) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	pair, found := store.records[key]
	return pair, found
}

func (store *MemoryCredentialStore) keyLock(key credentialKey) chan struct{} {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	lock, found := store.keyLocks[key]
	if !found {
		lock = make(chan struct{}, 1)
		store.keyLocks[key] = lock
	}
	return lock
}
