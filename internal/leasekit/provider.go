package leasekit

import (
	"fmt"
	"strings"
)

// Provider enumerates the supported third-party identity providers.
type Provider string

const (
	ProviderGitHub    Provider = "github"
	ProviderGitLab    Provider = "gitlab"
	ProviderBitbucket Provider = "bitbucket"
)

// String returns the persisted provider tag.
func (provider Provider) String() string {
	return string(provider)
}

// ParseProvider maps a provider tag onto the supported set.
func ParseProvider(value string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(ProviderGitHub):
		return ProviderGitHub, nil
	case string(ProviderGitLab):
		return ProviderGitLab, nil
	case string(ProviderBitbucket):
		return ProviderBitbucket, nil
	default:
		return "", fmt.Errorf("credential_store.parse_provider.%s: %w", strings.ToLower(strings.TrimSpace(value)), ErrUnknownProvider)
	}
}
