package middleware

import (
	"net/http"

	"pdf-vector-ingest/utils"

	"github.com/gin-gonic/gin"
)

// RequestSizeLimit rejects bodies above maxSize and caps the reader for
// requests that do not declare a length.
func RequestSizeLimit(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxSize {
			utils.RespondWithError(c, http.StatusRequestEntityTooLarge,
				"request_too_large",
				"Request body exceeds maximum size",
				gin.H{
					"max_size":    maxSize,
					"received":    c.Request.ContentLength,
					"max_size_mb": maxSize / (1024 * 1024),
				})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}
