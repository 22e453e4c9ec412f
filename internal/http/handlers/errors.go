// Package handlers defines the HTTP error codes returned by the ledger API.
//
// Every error response carries one of these codes next to the HTTP status.
// Clients branch on the code; the message is for humans. failFromError maps
// service errors onto a status and the most specific code available.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-tab-ledger/internal/services"
	"github.com/tbourn/go-tab-ledger/internal/store"
)

const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeForbidden    = "forbidden"
	ErrCodeNotFound     = "not_found"
	ErrCodeConflict     = "conflict"
	ErrCodeInternal     = "internal_error"

	// Ledger:
	ErrCodeInvalidSignature    = "invalid_signature"
	ErrCodeUnsupportedMethod   = "unsupported_method"
	ErrCodePaymentInProgress   = "payment_in_progress"
	ErrCodeNothingToCollect    = "nothing_to_collect"
	ErrCodeTabClosed           = "tab_closed"
	ErrCodeInvalidTransition   = "invalid_transition"
	ErrCodeOrderTerminal       = "order_terminal"
	ErrCodeNoCounterSettlement = "no_counter_settlement"
	ErrCodeDeadLetter          = "dead_letter"
	ErrCodeRetryInProgress     = "retry_in_progress"
	ErrCodeAlreadyResolved     = "already_resolved"
	ErrCodeIntegrity           = "integrity_violation"
	ErrCodeGateway             = "gateway_error"
)

// conflictCodes is checked in order; the first match wins.
var conflictCodes = []struct {
	err  error
	code string
}{
	{services.ErrAlreadyInProgress, ErrCodePaymentInProgress},
	{services.ErrNothingToCollect, ErrCodeNothingToCollect},
	{services.ErrTabClosed, ErrCodeTabClosed},
	{services.ErrInvalidTransition, ErrCodeInvalidTransition},
	{services.ErrOrderTerminal, ErrCodeOrderTerminal},
	{services.ErrNoCounterSettle, ErrCodeNoCounterSettlement},
	{services.ErrMaxRetriesExceeded, ErrCodeDeadLetter},
	{services.ErrRetryInProgress, ErrCodeRetryInProgress},
	{services.ErrAlreadyResolved, ErrCodeAlreadyResolved},
}

// statusFor returns the HTTP status and code for a service error.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, services.ErrInvalidSignature):
		return http.StatusUnauthorized, ErrCodeInvalidSignature
	case errors.Is(err, services.ErrUnsupportedMethod):
		return http.StatusBadRequest, ErrCodeUnsupportedMethod
	case errors.Is(err, services.ErrValidation):
		return http.StatusBadRequest, ErrCodeBadRequest
	case errors.Is(err, services.ErrForbidden):
		return http.StatusForbidden, ErrCodeForbidden
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, services.ErrConflict):
		for _, cc := range conflictCodes {
			if errors.Is(err, cc.err) {
				return http.StatusConflict, cc.code
			}
		}
		return http.StatusConflict, ErrCodeConflict
	case errors.Is(err, store.ErrConflict):
		// Optimistic retries ran out; the client may try again.
		return http.StatusConflict, ErrCodeConflict
	case errors.Is(err, services.ErrIntegrity):
		return http.StatusUnprocessableEntity, ErrCodeIntegrity
	case errors.Is(err, services.ErrGateway):
		return http.StatusBadGateway, ErrCodeGateway
	}
	return http.StatusInternalServerError, ErrCodeInternal
}

// failFromError writes the error envelope for err. Internal errors are
// logged and answered with a generic message.
func failFromError(c *gin.Context, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		msg = "internal server error"
	}
	fail(c, status, code, msg)
}
