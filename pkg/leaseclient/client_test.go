package leaseclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

var testSigningKey = []byte("lease-client-signing-key")

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	client, err := New(Config{
		BaseURL:     baseURL,
		ServiceName: "billing-worker",
		SigningKey:  testSigningKey,
		Issuer:      "credlease-test",
	})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	return client
}

func decodeServiceToken(t *testing.T, request *http.Request) *serviceClaims {
	t.Helper()
	authorization := request.Header.Get("Authorization")
	if len(authorization) < 8 || authorization[:7] != "Bearer " {
		t.Fatalf("expected bearer authorization, got %q", authorization)
	}
	claims := &serviceClaims{}
	parsed, err := jwt.ParseWithClaims(authorization[7:], claims, func(token *jwt.Token) (interface{}, error) {
		return testSigningKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		t.Fatalf("service token failed validation: %v", err)
	}
	return claims
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name          string
		configuration Config
		expectedError error
	}{
		{
			name:          "missing_base_url",
			configuration: Config{ServiceName: "svc", SigningKey: testSigningKey, Issuer: "iss"},
			expectedError: ErrMissingBaseURL,
		},
		{
			name:          "missing_signing_key",
			configuration: Config{BaseURL: "http://localhost", ServiceName: "svc", Issuer: "iss"},
			expectedError: ErrMissingSigningKey,
		},
		{
			name:          "missing_issuer",
			configuration: Config{BaseURL: "http://localhost", ServiceName: "svc", SigningKey: testSigningKey},
			expectedError: ErrMissingIssuer,
		},
		{
			name:          "missing_service_name",
			configuration: Config{BaseURL: "http://localhost", SigningKey: testSigningKey, Issuer: "iss"},
			expectedError: ErrMissingServiceName,
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			if _, err := New(testCase.configuration); !errors.Is(err, testCase.expectedError) {
				t.Fatalf("expected %v, got %v", testCase.expectedError, err)
			}
		})
	}
}

func TestNewTrimsTrailingSlashAndAppliesDefaults(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, "http://localhost:8080/")
	if client.baseURL != "http://localhost:8080" {
		t.Fatalf("expected trailing slash trimmed, got %q", client.baseURL)
	}
	if client.tokenTTL != DefaultTokenTTL {
		t.Fatalf("expected default token TTL, got %v", client.tokenTTL)
	}
	if client.httpClient == nil {
		t.Fatalf("expected a default HTTP client")
	}
}

func TestLeaseFetchesPairWithServiceToken(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.Method != http.MethodGet || request.URL.Path != "/v1/credentials/github" {
			t.Errorf("unexpected request %s %s", request.Method, request.URL.Path)
		}
		claims := decodeServiceToken(t, request)
		if claims.Subject != "subject-lease" {
			t.Errorf("expected subject claim, got %q", claims.Subject)
		}
		if claims.ServiceName != "billing-worker" {
			t.Errorf("expected service name claim, got %q", claims.ServiceName)
		}
		if claims.Issuer != "credlease-test" {
			t.Errorf("expected issuer claim, got %q", claims.Issuer)
		}
		writer.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(writer).Encode(CredentialPair{
			AccessToken:           "leased-access",
			RefreshToken:          "leased-refresh",
			AccessTokenExpiresAt:  1234567890,
			RefreshTokenExpiresAt: 1234657890,
		})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	pair, err := client.Lease(context.Background(), "subject-lease", "github")
	if err != nil {
		t.Fatalf("lease failed: %v", err)
	}
	if pair.AccessToken != "leased-access" || pair.AccessTokenExpiresAt != 1234567890 {
		t.Fatalf("unexpected pair %+v", pair)
	}
}

func TestLeaseMapsUnauthorized(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusUnauthorized)
		_, _ = writer.Write([]byte(`{"error":"credentials_not_found"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	if _, err := client.Lease(context.Background(), "subject-unauth", "github"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestLeaseMapsServerFailure(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	if _, err := client.Lease(context.Background(), "subject-fail", "github"); !errors.Is(err, ErrServerFailure) {
		t.Fatalf("expected ErrServerFailure, got %v", err)
	}
}

func TestLeaseRequiresSubjectID(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, "http://localhost:8080")
	if _, err := client.Lease(context.Background(), "  ", "github"); !errors.Is(err, ErrMissingSubjectID) {
		t.Fatalf("expected ErrMissingSubjectID, got %v", err)
	}
}

func TestStoreSendsPair(t *testing.T) {
	t.Parallel()

	var received CredentialPair
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.Method != http.MethodPut || request.URL.Path != "/v1/credentials/gitlab" {
			t.Errorf("unexpected request %s %s", request.Method, request.URL.Path)
		}
		if contentType := request.Header.Get("Content-Type"); contentType != "application/json" {
			t.Errorf("expected JSON content type, got %q", contentType)
		}
		decodeServiceToken(t, request)
		if decodeErr := json.NewDecoder(request.Body).Decode(&received); decodeErr != nil {
			t.Errorf("failed to decode body: %v", decodeErr)
		}
		writer.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	pair := CredentialPair{
		AccessToken:           "stored-access",
		RefreshToken:          "stored-refresh",
		AccessTokenExpiresAt:  1234567890,
		RefreshTokenExpiresAt: 1234657890,
	}
	if err := client.Store(context.Background(), "subject-store", "gitlab", pair); err != nil {
		t.Fatalf("store failed: %v", err)
	}
	if received != pair {
		t.Fatalf("server saw %+v, expected %+v", received, pair)
	}
}

func TestStoreMapsUnauthorized(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	if err := client.Store(context.Background(), "subject-store-unauth", "github", CredentialPair{AccessToken: "a"}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestStatusDecodesFlags(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/v1/credentials/bitbucket/status" {
			t.Errorf("unexpected path %s", request.URL.Path)
		}
		decodeServiceToken(t, request)
		writer.Header().Set("Content-Type", "application/json")
		_, _ = writer.Write([]byte(`{"access_token_valid": true, "refresh_token_valid": false}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	accessValid, refreshValid, err := client.Status(context.Background(), "subject-status", "bitbucket")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !accessValid || refreshValid {
		t.Fatalf("unexpected flags access=%v refresh=%v", accessValid, refreshValid)
	}
}
