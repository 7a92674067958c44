package middleware

import (
	"crypto/subtle"

	"github.com/gin-gonic/gin"

	"codegate/activation/pkg/response"
)

const HeaderAdminToken = "X-Admin-Token"

// AdminAuth compares the X-Admin-Token header with the configured shared secret.
// An empty configured token rejects every request.
func AdminAuth(token string) gin.HandlerFunc {
	expected := []byte(token)

	return func(c *gin.Context) {
		presented := c.GetHeader(HeaderAdminToken)
		if presented == "" {
			response.Unauthorized(c, "missing admin token")
			c.Abort()
			return
		}

		if len(expected) == 0 || subtle.ConstantTimeCompare([]byte(presented), expected) != 1 {
			response.Forbidden(c, "invalid admin token")
			c.Abort()
			return
		}

		c.Next()
	}
}
