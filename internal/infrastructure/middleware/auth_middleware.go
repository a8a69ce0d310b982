package middleware

import (
	"strings"

	"panelrelay/internal/core/ports"
	apperrors "panelrelay/pkg/errors"

	"github.com/gin-gonic/gin"
)

const APIKeyHeader = "X-API-Key"

// credentialFromRequest accepts "Authorization: Bearer <key>" or "X-API-Key".
func credentialFromRequest(c *gin.Context) string {
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return c.GetHeader(APIKeyHeader)
}

// ControlPlaneAuth rejects management requests without the control-plane
// credential.
func ControlPlaneAuth(verifier ports.CredentialVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		credential := credentialFromRequest(c)
		if credential == "" {
			_ = c.Error(apperrors.NewUnauthorizedError("credential required"))
			c.Abort()
			return
		}
		if err := verifier.Verify(credential); err != nil {
			_ = c.Error(apperrors.NewUnauthorizedError("invalid credential").WithCause(err))
			c.Abort()
			return
		}
		c.Next()
	}
}
