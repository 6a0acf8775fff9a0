package middleware

import (
	"time"

	"pdf-vector-ingest/internal/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const RequestIDHeader = "X-Request-ID"

// RequestIDMiddleware adds a unique request ID to each request
// This ID is propagated through logs and responses for tracing
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}

		c.Set("request_id", requestID)
		c.Header(RequestIDHeader, requestID)

		c.Next()
	}
}

// GetRequestID retrieves the request ID from context
func GetRequestID(c *gin.Context) string {
	return c.GetString("request_id")
}

// RequestLogger writes one structured line per request.
func RequestLogger() gin.HandlerFunc {
	log := logger.With("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		args := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
			"request_id", GetRequestID(c),
		}
		if len(c.Errors) > 0 {
			args = append(args, "error", c.Errors.String())
		}
		switch {
		case status >= 500:
			log.Error("Request failed", args...)
		case status >= 400:
			log.Warn("Request rejected", args...)
		default:
			log.Info("Request served", args...)
		}
	}
}
