package middleware

import (
	"github.com/ErlanBelekov/media-harvester/internal/requestid"
	"github.com/gin-gonic/gin"
)

// RequestID keeps the id a worker sent so both sides log the same value.
// A missing or malformed id is replaced.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestid.Header)
		if !requestid.Valid(id) {
			id = requestid.New()
		}

		c.Request = c.Request.WithContext(requestid.WithRequestID(c.Request.Context(), id))
		c.Header(requestid.Header, id)
		c.Next()
	}
}
