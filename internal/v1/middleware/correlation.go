// Package middleware contains Gin middleware for the application.
package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/signalmesh/gateway/internal/v1/clock"
	"github.com/signalmesh/gateway/internal/v1/logging"
)

// HeaderXRequestID is the header key for the request ID.
const HeaderXRequestID = "X-Request-ID"

// RequestID adds a request ID to the request context.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(HeaderXRequestID)
		if requestID == "" {
			requestID = clock.NewID("req")
		}

		// Set in header for response
		c.Header(HeaderXRequestID, requestID)

		// Set in context for logger
		c.Set(string(logging.RequestIDKey), requestID)

		// Pass to next handlers
		c.Next()
	}
}
