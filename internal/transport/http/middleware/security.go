package middleware

import "github.com/gin-gonic/gin"

// Security marks every API response as uncacheable JSON that must not be
// sniffed or framed. Task batches are handed out once and never replayed.
func Security() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		c.Next()
	}
}
