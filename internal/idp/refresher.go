// Package idp implements the upstream refresh callback against third-party
// identity-provider token endpoints.
package idp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/tyemirov/credlease/internal/leasekit"
)

// ClientCredentials hold the OAuth app registration for one provider.
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
}

// Refresher exchanges refresh tokens for new credential pairs. Providers without
// a configured OAuth app yield a nil outcome, meaning no refresh is possible and
// the stored pair is handed back as-is.
type Refresher struct {
	configs map[leasekit.Provider]*oauth2.Config
}

// NewRefresher builds a refresher for every provider with non-empty credentials.
func NewRefresher(credentials map[leasekit.Provider]ClientCredentials) *Refresher {
	configs := make(map[leasekit.Provider]*oauth2.Config, len(credentials))
	for provider, clientCredentials := range credentials {
		if clientCredentials.ClientID == "" || clientCredentials.ClientSecret == "" {
			continue
		}
		endpoint, known := providerEndpoint(provider)
		if !known {
			continue
		}
		configs[provider] = &oauth2.Config{
			ClientID:     clientCredentials.ClientID,
			ClientSecret: clientCredentials.ClientSecret,
			Endpoint:     endpoint,
		}
	}
	return &Refresher{configs: configs}
}

// Refresh implements leasekit.RefreshFunc.
func (refresher *Refresher) Refresh(ctx context.Context, provider leasekit.Provider, refreshToken string, accessTokenExpiresAt int64, refreshTokenExpiresAt int64) (*leasekit.CredentialPair, error) {
	config, configured := refresher.configs[provider]
	if !configured || refreshToken == "" {
		return nil, nil
	}

	source := config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return nil, fmt.Errorf("idp.refresh.%s: %w", provider.String(), err)
	}

	newRefreshToken := token.RefreshToken
	if newRefreshToken == "" {
		// Providers that do not rotate refresh tokens omit the field.
		newRefreshToken = refreshToken
	}
	return &leasekit.CredentialPair{
		AccessToken:           token.AccessToken,
		RefreshToken:          newRefreshToken,
		AccessTokenExpiresAt:  expiryUnix(token.Expiry),
		RefreshTokenExpiresAt: refreshExpiryUnix(token, time.Now().UTC()),
	}, nil
}

func providerEndpoint(provider leasekit.Provider) (oauth2.Endpoint, bool) {
	switch provider {
	case leasekit.ProviderGitHub:
		return endpoints.GitHub, true
	case leasekit.ProviderGitLab:
		return endpoints.GitLab, true
	case leasekit.ProviderBitbucket:
		return endpoints.Bitbucket, true
	default:
		return oauth2.Endpoint{}, false
	}
}

func expiryUnix(expiry time.Time) int64 {
	if expiry.IsZero() {
		return 0
	}
	return expiry.Unix()
}

// refreshExpiryUnix reads the non-standard refresh_token_expires_in field that
// GitHub includes in its token response. Providers that omit it yield 0.
func refreshExpiryUnix(token *oauth2.Token, now time.Time) int64 {
	extra := token.Extra("refresh_token_expires_in")
	if extra == nil {
		return 0
	}
	var seconds int64
	switch value := extra.(type) {
	case float64:
		seconds = int64(value)
	case int64:
		seconds = value
	case json.Number:
		parsed, err := value.Int64()
		if err != nil {
			return 0
		}
		seconds = parsed
	case string:
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return 0
		}
		seconds = parsed
	default:
		return 0
	}
	if seconds <= 0 {
		return 0
	}
	return now.Add(time.Duration(seconds) * time.Second).Unix()
}
