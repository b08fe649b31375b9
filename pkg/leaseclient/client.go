// Package leaseclient is the typed client internal services embed to lease and
// store identity-provider credentials from a credlease deployment.
package leaseclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL bounds the lifetime of per-request service tokens.
const DefaultTokenTTL = time.Minute

// Sentinel errors exposed by the client.
var (
	ErrMissingBaseURL     = errors.New("lease_client.missing_base_url")
	ErrMissingSigningKey  = errors.New("lease_client.missing_signing_key")
	ErrMissingIssuer      = errors.New("lease_client.missing_issuer")
	ErrMissingServiceName = errors.New("lease_client.missing_service_name")
	ErrMissingSubjectID   = errors.New("lease_client.missing_subject_id")
	// ErrUnauthorized covers absent credentials and lease timeouts alike; the
	// conventional caller response is to prompt re-authentication.
	ErrUnauthorized  = errors.New("lease_client.unauthorized")
	ErrServerFailure = errors.New("lease_client.server_failure")
)

// Config configures the Client.
type Config struct {
	BaseURL     string
	ServiceName string
	SigningKey  []byte
	Issuer      string
	TokenTTL    time.Duration
	HTTPClient  *http.Client
}

// CredentialPair mirrors the lease API payload.
type CredentialPair struct {
	AccessToken           string `json:"access_token"`
	RefreshToken          string `json:"refresh_token"`
	AccessTokenExpiresAt  int64  `json:"access_token_expires_at"`
	RefreshTokenExpiresAt int64  `json:"refresh_token_expires_at"`
}

// Client calls the credlease HTTP API with per-request HS256 service tokens.
type Client struct {
	baseURL     string
	serviceName string
	signingKey  []byte
	issuer      string
	tokenTTL    time.Duration
	httpClient  *http.Client
}

type serviceClaims struct {
	ServiceName string `json:"service_name"`
	jwt.RegisteredClaims
}

// New constructs a Client after validating the supplied configuration.
func New(configuration Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(configuration.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("lease_client.new: %w", ErrMissingBaseURL)
	}
	if len(configuration.SigningKey) == 0 {
		return nil, fmt.Errorf("lease_client.new: %w", ErrMissingSigningKey)
	}
	if strings.TrimSpace(configuration.Issuer) == "" {
		return nil, fmt.Errorf("lease_client.new: %w", ErrMissingIssuer)
	}
	if strings.TrimSpace(configuration.ServiceName) == "" {
		return nil, fmt.Errorf("lease_client.new: %w", ErrMissingServiceName)
	}
	tokenTTL := configuration.TokenTTL
	if tokenTTL <= 0 {
		tokenTTL = DefaultTokenTTL
	}
	httpClient := configuration.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:     baseURL,
		serviceName: configuration.ServiceName,
		signingKey:  configuration.SigningKey,
		issuer:      configuration.Issuer,
		tokenTTL:    tokenTTL,
		httpClient:  httpClient,
	}, nil
}

// Lease returns a currently-valid credential pair for the subject and provider,
// letting the server refresh it when necessary.
func (client *Client) Lease(ctx context.Context, subjectID string, provider string) (*CredentialPair, error) {
	response, err := client.do(ctx, http.MethodGet, subjectID, provider, "", nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = response.Body.Close() }()

	switch response.StatusCode {
	case http.StatusOK:
		var pair CredentialPair
		if decodeErr := json.NewDecoder(response.Body).Decode(&pair); decodeErr != nil {
			return nil, fmt.Errorf("lease_client.lease.decode: %w", decodeErr)
		}
		return &pair, nil
	case http.StatusUnauthorized:
		return nil, fmt.Errorf("lease_client.lease: %w", ErrUnauthorized)
	default:
		return nil, fmt.Errorf("lease_client.lease.status_%d: %w", response.StatusCode, ErrServerFailure)
	}
}

// Store upserts a credential pair for the subject and provider.
func (client *Client) Store(ctx context.Context, subjectID string, provider string, pair CredentialPair) error {
	payload, marshalErr := json.Marshal(pair)
	if marshalErr != nil {
		return fmt.Errorf("lease_client.store.encode: %w", marshalErr)
	}
	response, err := client.do(ctx, http.MethodPut, subjectID, provider, "", payload)
	if err != nil {
		return err
	}
	defer func() { _ = response.Body.Close() }()

	switch response.StatusCode {
	case http.StatusNoContent:
		return nil
	case http.StatusUnauthorized:
		return fmt.Errorf("lease_client.store: %w", ErrUnauthorized)
	default:
		return fmt.Errorf("lease_client.store.status_%d: %w", response.StatusCode, ErrServerFailure)
	}
}

// Status reports access and refresh token validity without attempting a refresh.
func (client *Client) Status(ctx context.Context, subjectID string, provider string) (accessValid bool, refreshValid bool, err error) {
	response, doErr := client.do(ctx, http.MethodGet, subjectID, provider, "/status", nil)
	if doErr != nil {
		return false, false, doErr
	}
	defer func() { _ = response.Body.Close() }()

	switch response.StatusCode {
	case http.StatusOK:
		var payload struct {
			AccessTokenValid  bool `json:"access_token_valid"`
			RefreshTokenValid bool `json:"refresh_token_valid"`
		}
		if decodeErr := json.NewDecoder(response.Body).Decode(&payload); decodeErr != nil {
			return false, false, fmt.Errorf("lease_client.status.decode: %w", decodeErr)
		}
		return payload.AccessTokenValid, payload.RefreshTokenValid, nil
	case http.StatusUnauthorized:
		return false, false, fmt.Errorf("lease_client.status: %w", ErrUnauthorized)
	default:
		return false, false, fmt.Errorf("lease_client.status.status_%d: %w", response.StatusCode, ErrServerFailure)
	}
}

func (client *Client) do(ctx context.Context, method string, subjectID string, provider string, suffix string, payload []byte) (*http.Response, error) {
	if strings.TrimSpace(subjectID) == "" {
		return nil, fmt.Errorf("lease_client.request: %w", ErrMissingSubjectID)
	}
	token, mintErr := client.mintServiceToken(subjectID)
	if mintErr != nil {
		return nil, fmt.Errorf("lease_client.mint: %w", mintErr)
	}

	endpoint := fmt.Sprintf("%s/v1/credentials/%s%s", client.baseURL, provider, suffix)
	request, requestErr := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
	if requestErr != nil {
		return nil, fmt.Errorf("lease_client.request: %w", requestErr)
	}
	request.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, doErr := client.httpClient.Do(request)
	if doErr != nil {
		return nil, fmt.Errorf("lease_client.request: %w", doErr)
	}
	return response, nil
}

func (client *Client) mintServiceToken(subjectID string) (string, error) {
	issuedAt := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, serviceClaims{
		ServiceName: client.serviceName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    client.issuer,
			Subject:   subjectID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt.Add(-30 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(client.tokenTTL)),
		},
	})
	return token.SignedString(client.signingKey)
}
