package middleware

import (
	"errors"
	"net/http"
	"strings"

	ctxlog "github.com/ErlanBelekov/media-harvester/internal/log"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const errUnauthorized = "Unauthorized"

// WorkerIDKey is the gin context key Auth stores the caller's worker id under.
const WorkerIDKey = "workerID"

// Auth validates a worker's Bearer JWT and sets WorkerIDKey in the gin
// context. The worker id is also attached to the request context so every
// log line of the request carries it.
func Auth(jwtKey []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errUnauthorized})
			return
		}

		rawToken := strings.TrimPrefix(header, "Bearer ")

		token, err := jwt.Parse(rawToken, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return jwtKey, nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errUnauthorized})
			return
		}

		workerID, err := token.Claims.GetSubject()
		if err != nil || workerID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errUnauthorized})
			return
		}

		c.Set(WorkerIDKey, workerID)
		c.Request = c.Request.WithContext(ctxlog.WithWorkerID(c.Request.Context(), workerID))
		c.Next()
	}
}
