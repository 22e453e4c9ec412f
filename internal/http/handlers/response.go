// Package handlers provides the HTTP handlers of the ledger API.
//
// This file holds the response helpers. Every error is written as an
// ErrorResponse with a stable code; 5xx responses are logged with the
// request-scoped logger.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-tab-ledger/internal/http/middleware"
)

// ErrorResponse is the error envelope returned by all endpoints.
type ErrorResponse struct {
	// Echo of X-Request-ID.
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	// Stable, machine-readable code.
	Code string `json:"code" example:"payment_in_progress"`
	// Human-readable message.
	Message string `json:"message" example:"conflict: payment already in progress"`
}

func fail(c *gin.Context, status int, code, msg string) {
	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code).
			Str("errors", c.Errors.String()).
			Msg("api error")
	}
	c.AbortWithStatusJSON(status, ErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      code,
		Message:   msg,
	})
}

// Fail writes an error envelope from outside the package (router fallbacks).
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

func noContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}
