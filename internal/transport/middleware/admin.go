package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const AdminTokenHeader = "x-admin-token"

// AdminAuth guards admin routes with a shared token. An empty configured
// token rejects every request.
func AdminAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(AdminTokenHeader)
		if got == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Access denied, no token provided"})
			return
		}
		if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			logrus.WithFields(logrus.Fields{
				"path":      c.Request.URL.Path,
				"client_ip": c.ClientIP(),
			}).Warn("Invalid admin token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Access denied, invalid token"})
			return
		}
		c.Next()
	}
}
