package leasekit

import "time"

// ServerConfig configures issuers and service authentication.
type ServerConfig struct {
	ServiceJWTSigningKey []byte
	ServiceJWTIssuer     string
	// GoogleServiceAudience, when set, lets internal callers authenticate with
	// Google-issued identity tokens bearing this audience instead of an HS256
	// service token. The acting subject then comes from the X-Subject-ID header.
	GoogleServiceAudience string
	ServiceTokenTTL       time.Duration
}
