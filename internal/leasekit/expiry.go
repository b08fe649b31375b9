package leasekit

import "time"

const (
	// AccessTokenExpiryBuffer is subtracted from the access token lifetime so
	// refresh happens well before provider-side invalidation. Most providers
	// invalidate the previous refresh token once a new one is issued, so a
	// too-late refresh risks token exhaustion under load.
	AccessTokenExpiryBuffer int64 = 900

	// LockTimeout bounds the slow-path wait for the credential row lock.
	LockTimeout = 5 * time.Second

	// validityMargin pads the validity predicates so a token reported valid
	// does not expire between the check and its immediately-following use.
	validityMargin int64 = 30
)

// ExpiryStatus reports whether the access and refresh tokens are expired at the
// given instant. An expiry of 0 means that token class never expires. The access
// token is considered expired AccessTokenExpiryBuffer seconds early.
func ExpiryStatus(accessTokenExpiresAt int64, refreshTokenExpiresAt int64, now time.Time) (accessExpired bool, refreshExpired bool) {
	nowUnix := now.Unix()
	accessExpired = accessTokenExpiresAt != 0 && accessTokenExpiresAt < nowUnix+AccessTokenExpiryBuffer
	refreshExpired = refreshTokenExpiresAt != 0 && refreshTokenExpiresAt < nowUnix
	return accessExpired, refreshExpired
}

func tokenUsable(expiresAt int64, now time.Time) bool {
	if expiresAt == 0 {
		return true
	}
	return expiresAt > now.Unix()+validityMargin
}
