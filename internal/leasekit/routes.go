package leasekit

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// MountCredentialRoutes registers the credential lease surface on the supplied
// router group. The group is expected to carry RequireServiceAuth. NotFound and
// lease-timeout outcomes both map to 401 so callers prompt re-authentication.
func MountCredentialRoutes(router gin.IRouter, credentials CredentialStore, refresh RefreshFunc) {
	router.GET("/credentials/:provider", func(contextGin *gin.Context) {
		subjectID := SubjectFromContext(contextGin)
		if subjectID == "" {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		provider, parseErr := ParseProvider(contextGin.Param("provider"))
		if parseErr != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown_provider"})
			return
		}

		pair, loadErr := credentials.Load(contextGin, subjectID, provider, refresh)
		switch {
		case errors.Is(loadErr, ErrCredentialNotFound):
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "credentials_not_found"})
			return
		case errors.Is(loadErr, ErrLeaseTimeout):
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "lease_timeout"})
			return
		case loadErr != nil:
			currentLogger().Error("credential lease failed",
				zap.String("code", "api.credentials.lease_failed"),
				zap.String("subject_id", subjectID),
				zap.String("identity_provider", provider.String()),
				zap.Error(loadErr))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}

		contextGin.JSON(http.StatusOK, gin.H{
			"access_token":             pair.AccessToken,
			"refresh_token":            pair.RefreshToken,
			"access_token_expires_at":  pair.AccessTokenExpiresAt,
			"refresh_token_expires_at": pair.RefreshTokenExpiresAt,
		})
	})

	router.PUT("/credentials/:provider", func(contextGin *gin.Context) {
		subjectID := SubjectFromContext(contextGin)
		if subjectID == "" {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		provider, parseErr := ParseProvider(contextGin.Param("provider"))
		if parseErr != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown_provider"})
			return
		}

		var inbound struct {
			AccessToken           string `json:"access_token"`
			RefreshToken          string `json:"refresh_token"`
			AccessTokenExpiresAt  int64  `json:"access_token_expires_at"`
			RefreshTokenExpiresAt int64  `json:"refresh_token_expires_at"`
		}
		if bindErr := contextGin.BindJSON(&inbound); bindErr != nil || inbound.AccessToken == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}

		storeErr := credentials.Store(contextGin, subjectID, provider, CredentialPair{
			AccessToken:           inbound.AccessToken,
			RefreshToken:          inbound.RefreshToken,
			AccessTokenExpiresAt:  inbound.AccessTokenExpiresAt,
			RefreshTokenExpiresAt: inbound.RefreshTokenExpiresAt,
		})
		if storeErr != nil {
			currentLogger().Error("credential store failed",
				zap.String("code", "api.credentials.store_failed"),
				zap.String("subject_id", subjectID),
				zap.String("identity_provider", provider.String()),
				zap.Error(storeErr))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		contextGin.Status(http.StatusNoContent)
	})

	router.GET("/credentials/:provider/status", func(contextGin *gin.Context) {
		subjectID := SubjectFromContext(contextGin)
		if subjectID == "" {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		provider, parseErr := ParseProvider(contextGin.Param("provider"))
		if parseErr != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown_provider"})
			return
		}

		accessValid, accessErr := IsAccessTokenValid(contextGin, credentials, subjectID, provider)
		if accessErr != nil {
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		refreshValid, refreshErr := IsRefreshTokenValid(contextGin, credentials, subjectID, provider)
		if refreshErr != nil {
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}

		contextGin.JSON(http.StatusOK, gin.H{
			"access_token_valid":  accessValid,
			"refresh_token_valid": refreshValid,
		})
	})
}
