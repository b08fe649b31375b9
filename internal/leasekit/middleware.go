package leasekit

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// SubjectContextKey holds the end-user subject id the caller acts for.
const SubjectContextKey = "lease_subject_id"

// ServiceClaimsContextKey holds the parsed service claims for HS256 callers.
const ServiceClaimsContextKey = "service_claims"

// RequireServiceAuth authenticates internal callers via a bearer token: either an
// HS256 service JWT minted with the shared signing key, or, when configured, a
// Google-issued identity token for the service audience.
func RequireServiceAuth(configuration ServerConfig) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		bearerToken := bearerFromRequest(contextGin.Request)
		if bearerToken == "" {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		if claims, ok := parseServiceToken(bearerToken, configuration); ok {
			contextGin.Set(ServiceClaimsContextKey, claims)
			contextGin.Set(SubjectContextKey, claims.Subject)
			contextGin.Next()
			return
		}

		if configuration.GoogleServiceAudience != "" {
			validator := currentGoogleTokenValidator()
			if validator != nil {
				if _, validateErr := validator.Validate(contextGin, bearerToken, configuration.GoogleServiceAudience); validateErr == nil {
					subjectID := strings.TrimSpace(contextGin.GetHeader("X-Subject-ID"))
					if subjectID == "" {
						contextGin.AbortWithStatus(http.StatusUnauthorized)
						return
					}
					contextGin.Set(SubjectContextKey, subjectID)
					contextGin.Next()
					return
				}
			}
		}

		contextGin.AbortWithStatus(http.StatusUnauthorized)
	}
}

// SubjectFromContext returns the authenticated subject id, or empty.
func SubjectFromContext(contextGin *gin.Context) string {
	value, found := contextGin.Get(SubjectContextKey)
	if !found {
		return ""
	}
	subjectID, ok := value.(string)
	if !ok {
		return ""
	}
	return subjectID
}

func parseServiceToken(bearerToken string, configuration ServerConfig) (*ServiceClaims, bool) {
	parsedToken, parseErr := jwt.ParseWithClaims(bearerToken, &ServiceClaims{}, func(parsed *jwt.Token) (interface{}, error) {
		return configuration.ServiceJWTSigningKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if parseErr != nil || parsedToken == nil || !parsedToken.Valid {
		return nil, false
	}
	claims, ok := parsedToken.Claims.(*ServiceClaims)
	if !ok || claims.Issuer != configuration.ServiceJWTIssuer || claims.Subject == "" {
		return nil, false
	}
	if configuration.ServiceTokenTTL > 0 && claims.IssuedAt != nil {
		if currentClock().Now().Sub(claims.IssuedAt.Time) > configuration.ServiceTokenTTL {
			return nil, false
		}
	}
	return claims, true
}

func bearerFromRequest(request *http.Request) string {
	authorization := request.Header.Get("Authorization")
	if authorization == "" {
		return ""
	}
	parts := strings.SplitN(authorization, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
