package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/your-org/snapmatch/pkg/dto"
)

const headerName = "X-API-Key"

// APIKeyMiddleware validates the API key from the X-API-Key header.
// If apiKey is empty, authentication is disabled.
func APIKeyMiddleware(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey == "" {
			c.Next()
			return
		}

		provided := c.GetHeader(headerName)
		if provided == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				dto.Err(http.StatusUnauthorized, "missing API key"))
			return
		}

		if subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden,
				dto.Err(http.StatusForbidden, "invalid API key"))
			return
		}

		c.Next()
	}
}
