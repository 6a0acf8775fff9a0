package utils

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	ErrorCode string      `json:"error_code"`
	Message   string      `json:"message"`
	RequestID string      `json:"request_id,omitempty"`
	Details   interface{} `json:"details,omitempty"`
}

// RespondWithError sends a standardized error response and aborts the chain.
func RespondWithError(c *gin.Context, statusCode int, errorCode, message string, details interface{}) {
	c.AbortWithStatusJSON(statusCode, ErrorResponse{
		ErrorCode: errorCode,
		Message:   message,
		RequestID: c.GetString("request_id"),
		Details:   details,
	})
}

// RespondWithBadRequest sends a 400 Bad Request error
func RespondWithBadRequest(c *gin.Context, message string, details interface{}) {
	RespondWithError(c, http.StatusBadRequest, "bad_request", message, details)
}

// RespondWithUnauthorized sends a 401 Unauthorized error
func RespondWithUnauthorized(c *gin.Context, message string) {
	RespondWithError(c, http.StatusUnauthorized, "unauthorized", message, nil)
}

// RespondWithForbidden sends a 403 Forbidden error
func RespondWithForbidden(c *gin.Context, message string) {
	RespondWithError(c, http.StatusForbidden, "forbidden", message, nil)
}

// RespondWithNotFound sends a 404 Not Found error
func RespondWithNotFound(c *gin.Context, message string) {
	RespondWithError(c, http.StatusNotFound, "not_found", message, nil)
}

// RespondWithUnprocessable sends a 422 for input that parsed but cannot be used
func RespondWithUnprocessable(c *gin.Context, errorCode, message string, details interface{}) {
	RespondWithError(c, http.StatusUnprocessableEntity, errorCode, message, details)
}

// RespondWithBadGateway sends a 502 when an upstream provider failed
func RespondWithBadGateway(c *gin.Context, message string, details interface{}) {
	RespondWithError(c, http.StatusBadGateway, "upstream_error", message, details)
}

// RespondWithServiceUnavailable sends a 503 when a dependency is down or not ready
func RespondWithServiceUnavailable(c *gin.Context, errorCode, message string) {
	RespondWithError(c, http.StatusServiceUnavailable, errorCode, message, nil)
}

// RespondWithInternalError sends a 500 Internal Server Error
func RespondWithInternalError(c *gin.Context, message string, details interface{}) {
	RespondWithError(c, http.StatusInternalServerError, "internal_error", message, details)
}
