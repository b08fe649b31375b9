package leasekit

import (
	"context"
	"errors"
)

// CredentialPair is the materialized view of a credential row. Expiry values are
// Unix-epoch seconds; 0 means that token class never expires.
type CredentialPair struct {
	AccessToken           string
	RefreshToken          string
	AccessTokenExpiresAt  int64
	RefreshTokenExpiresAt int64
}

// RefreshFunc performs the upstream refresh call against the identity provider.
// It receives the current refresh token and expiries, and returns the new pair.
// A nil pair with a nil error means no refresh was performed; the caller then
// receives the existing (possibly stale) pair as-is.
type RefreshFunc func(ctx context.Context, provider Provider, refreshToken string, accessTokenExpiresAt int64, refreshTokenExpiresAt int64) (*CredentialPair, error)

// CredentialStore persists per-(subject, provider) credential pairs and enforces
// at-most-one-active-refresh per key under concurrent callers.
type CredentialStore interface {
	// Load returns a currently-valid pair for the key, refreshing via refresh if
	// and only if the access token is expired. A nil refresh restricts Load to
	// the lock-free fast path. Load returns ErrCredentialNotFound when no row
	// exists and ErrLeaseTimeout when the row lock wait exceeds LockTimeout.
	Load(ctx context.Context, subjectID string, provider Provider, refresh RefreshFunc) (*CredentialPair, error)
	// Store upserts all four credential fields for the key in one transaction.
	Store(ctx context.Context, subjectID string, provider Provider, pair CredentialPair) error
}

// IsAccessTokenValid reports whether a usable access token exists for the key.
// The lookup is fast-path only; no refresh is attempted.
func IsAccessTokenValid(ctx context.Context, credentials CredentialStore, subjectID string, provider Provider) (bool, error) {
	pair, err := credentials.Load(ctx, subjectID, provider, nil)
	if errors.Is(err, ErrCredentialNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return tokenUsable(pair.AccessTokenExpiresAt, currentClock().Now()), nil
}

// IsRefreshTokenValid reports whether a usable refresh token exists for the key.
// The lookup is fast-path only; no refresh is attempted.
func IsRefreshTokenValid(ctx context.Context, credentials CredentialStore, subjectID string, provider Provider) (bool, error) {
	pair, err := credentials.Load(ctx, subjectID, provider, nil)
	if errors.Is(err, ErrCredentialNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return tokenUsable(pair.RefreshTokenExpiresAt, currentClock().Now()), nil
}
