package leasekit

import "errors"

var (
	// ErrCredentialNotFound indicates no credential row exists for the subject/provider key.
	// This is a legitimate never-authenticated state, not a failure.
	ErrCredentialNotFound = errors.New("credential_store.not_found")
	// ErrLeaseTimeout indicates the row lock could not be acquired within the bounded wait.
	// Callers should treat this as retry-shortly or force re-authentication.
	ErrLeaseTimeout = errors.New("credential_store.lease_timeout")
	// ErrUnknownProvider indicates an identity provider tag outside the supported set.
	ErrUnknownProvider = errors.New("credential_store.unknown_provider")
	// ErrEmptyAccessToken indicates a store attempt with an empty access token.
	ErrEmptyAccessToken = errors.New("credential_store.empty_access_token")
)
