package middleware

import (
	"crypto/subtle"

	"github.com/gin-gonic/gin"

	appErrors "github.com/noah-isme/aegis-gateway/pkg/errors"
	"github.com/noah-isme/aegis-gateway/pkg/response"
)

// CallbackTokenHeader carries the shared secret on dispatcher callbacks.
const CallbackTokenHeader = "X-Callback-Token"

// CallbackToken rejects callbacks that do not present the shared secret.
// An empty secret rejects every callback.
func CallbackToken(secret string) gin.HandlerFunc {
	expected := []byte(secret)
	return func(c *gin.Context) {
		presented := []byte(c.GetHeader(CallbackTokenHeader))
		if len(expected) == 0 || subtle.ConstantTimeCompare(presented, expected) != 1 {
			response.Error(c, appErrors.Clone(appErrors.ErrUnauthorized, "invalid callback token"))
			c.Abort()
			return
		}
		c.Next()
	}
}
