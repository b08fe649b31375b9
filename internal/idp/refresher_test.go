package idp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/tyemirov/credlease/internal/leasekit"
)

func newStubTokenRefresher(endpointURL string) *Refresher {
	return &Refresher{
		configs: map[leasekit.Provider]*oauth2.Config{
			leasekit.ProviderGitHub: {
				ClientID:     "stub-client-id",
				ClientSecret: "stub-client-secret",
				Endpoint: oauth2.Endpoint{
					TokenURL:  endpointURL,
					AuthStyle: oauth2.AuthStyleInParams,
				},
			},
		},
	}
}

func TestNewRefresherSkipsEmptyCredentials(t *testing.T) {
	t.Parallel()

	refresher := NewRefresher(map[leasekit.Provider]ClientCredentials{
		leasekit.ProviderGitHub: {ClientID: "id", ClientSecret: "secret"},
		leasekit.ProviderGitLab: {ClientID: "id"},
	})
	if _, configured := refresher.configs[leasekit.ProviderGitHub]; !configured {
		t.Fatalf("expected github to be configured")
	}
	if _, configured := refresher.configs[leasekit.ProviderGitLab]; configured {
		t.Fatalf("expected gitlab without a secret to be skipped")
	}
}

func TestRefreshUnconfiguredProviderReturnsNilOutcome(t *testing.T) {
	t.Parallel()

	refresher := NewRefresher(nil)
	pair, err := refresher.Refresh(context.Background(), leasekit.ProviderGitHub, "some-refresh-token", 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pair != nil {
		t.Fatalf("expected nil outcome for unconfigured provider, got %+v", pair)
	}
}

func TestRefreshEmptyRefreshTokenReturnsNilOutcome(t *testing.T) {
	t.Parallel()

	refresher := newStubTokenRefresher("http://127.0.0.1:1/token")
	pair, err := refresher.Refresh(context.Background(), leasekit.ProviderGitHub, "", 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pair != nil {
		t.Fatalf("expected nil outcome for empty refresh token, got %+v", pair)
	}
}

func TestRefreshExchangesTokenAtEndpoint(t *testing.T) {
	t.Parallel()

	var seenGrantType string
	var seenRefreshToken string
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if parseErr := request.ParseForm(); parseErr != nil {
			t.Errorf("failed to parse form: %v", parseErr)
		}
		seenGrantType = request.FormValue("grant_type")
		seenRefreshToken = request.FormValue("refresh_token")
		writer.Header().Set("Content-Type", "application/json")
		_, _ = writer.Write([]byte(`{
			"access_token": "exchanged-access",
			"refresh_token": "rotated-refresh",
			"token_type": "bearer",
			"expires_in": 28800,
			"refresh_token_expires_in": 15897600
		}`))
	}))
	defer server.Close()

	refresher := newStubTokenRefresher(server.URL + "/token")
	before := time.Now().UTC()
	pair, err := refresher.Refresh(context.Background(), leasekit.ProviderGitHub, "old-refresh", 0, 0)
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	if seenGrantType != "refresh_token" {
		t.Fatalf("expected refresh_token grant, got %q", seenGrantType)
	}
	if seenRefreshToken != "old-refresh" {
		t.Fatalf("expected stored refresh token to be sent, got %q", seenRefreshToken)
	}
	if pair.AccessToken != "exchanged-access" {
		t.Fatalf("expected exchanged access token, got %q", pair.AccessToken)
	}
	if pair.RefreshToken != "rotated-refresh" {
		t.Fatalf("expected rotated refresh token, got %q", pair.RefreshToken)
	}
	if pair.AccessTokenExpiresAt < before.Unix()+28000 {
		t.Fatalf("expected access expiry roughly 8h out, got %d", pair.AccessTokenExpiresAt)
	}
	if pair.RefreshTokenExpiresAt < before.Unix()+15897000 {
		t.Fatalf("expected refresh expiry roughly 6 months out, got %d", pair.RefreshTokenExpiresAt)
	}
}

func TestRefreshKeepsRefreshTokenWhenNotRotated(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		_, _ = writer.Write([]byte(`{
			"access_token": "exchanged-access",
			"token_type": "bearer",
			"expires_in": 3600
		}`))
	}))
	defer server.Close()

	refresher := newStubTokenRefresher(server.URL + "/token")
	pair, err := refresher.Refresh(context.Background(), leasekit.ProviderGitHub, "sticky-refresh", 0, 0)
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if pair.RefreshToken != "sticky-refresh" {
		t.Fatalf("expected the original refresh token to be kept, got %q", pair.RefreshToken)
	}
	if pair.RefreshTokenExpiresAt != 0 {
		t.Fatalf("expected 0 refresh expiry when the provider omits it, got %d", pair.RefreshTokenExpiresAt)
	}
}

func TestRefreshEndpointFailurePropagates(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		writer.WriteHeader(http.StatusBadRequest)
		_, _ = writer.Write([]byte(`{"error": "bad_refresh_token"}`))
	}))
	defer server.Close()

	refresher := newStubTokenRefresher(server.URL + "/token")
	if _, err := refresher.Refresh(context.Background(), leasekit.ProviderGitHub, "revoked-refresh", 0, 0); err == nil {
		t.Fatalf("expected endpoint failure to propagate")
	}
}

func TestProviderEndpointCoversAllProviders(t *testing.T) {
	t.Parallel()

	for _, provider := range []leasekit.Provider{leasekit.ProviderGitHub, leasekit.ProviderGitLab, leasekit.ProviderBitbucket} {
		if _, known := providerEndpoint(provider); !known {
			t.Fatalf("expected endpoint for %s", provider)
		}
	}
	if _, known := providerEndpoint(leasekit.Provider("myspace")); known {
		t.Fatalf("expected unknown provider to have no endpoint")
	}
}

func TestRefreshExpiryUnixTypeHandling(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0).UTC()
	testCases := []struct {
		name     string
		extra    interface{}
		expected int64
	}{
		{name: "float64", extra: float64(600), expected: now.Unix() + 600},
		{name: "int64", extra: int64(600), expected: now.Unix() + 600},
		{name: "string", extra: "600", expected: now.Unix() + 600},
		{name: "bad_string", extra: "soon", expected: 0},
		{name: "negative", extra: float64(-5), expected: 0},
		{name: "absent", extra: nil, expected: 0},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			token := &oauth2.Token{}
			if testCase.extra != nil {
				token = token.WithExtra(map[string]interface{}{
					"refresh_token_expires_in": testCase.extra,
				})
			}
			if actual := refreshExpiryUnix(token, now); actual != testCase.expected {
				t.Fatalf("expected %d, got %d", testCase.expected, actual)
			}
		})
	}
}
