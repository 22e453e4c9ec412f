// Package services implements the ledger's business operations: tab
// aggregation, the payment lock, settlement dispatch, payment event
// processing, failed-event supervision and the order lifecycle.
//
// This file centralizes service-level error values. Each specific error wraps
// one of the category sentinels below, so handlers map a whole category to a
// single HTTP status with errors.Is.
package services

import (
	"errors"
	"fmt"

	"github.com/tbourn/go-tab-ledger/internal/repo"
)

// Error categories.
var (
	// ErrValidation rejects bad input shape or values. Nothing was written.
	ErrValidation = errors.New("validation failed")

	// ErrConflict reports a state that forbids the request right now (lock
	// held, already resolved, wrong status). It is not a bug.
	ErrConflict = errors.New("conflict")

	// ErrNotFound reports a missing order, tab or failed event.
	ErrNotFound = errors.New("not found")

	// ErrGateway wraps an upstream payment provider failure.
	ErrGateway = errors.New("payment gateway error")

	// ErrIntegrity reports an impossible derived balance. It blocks the
	// operation that found it and needs operator attention.
	ErrIntegrity = errors.New("ledger integrity violation")

	// ErrForbidden reports that the actor's role does not allow the action.
	ErrForbidden = errors.New("forbidden")
)

// Not found.
var (
	ErrOrderNotFound       = fmt.Errorf("%w: order", ErrNotFound)
	ErrTabNotFound         = fmt.Errorf("%w: tab", ErrNotFound)
	ErrFailedEventNotFound = fmt.Errorf("%w: failed event", ErrNotFound)
)

// Conflicts.
var (
	ErrAlreadyInProgress  = fmt.Errorf("%w: payment already in progress", ErrConflict)
	ErrTabClosed          = fmt.Errorf("%w: tab is closed", ErrConflict)
	ErrNothingToCollect   = fmt.Errorf("%w: nothing to collect", ErrConflict)
	ErrNoCounterSettle    = fmt.Errorf("%w: no counter settlement in progress", ErrConflict)
	ErrOrderTerminal      = fmt.Errorf("%w: order is in a terminal state", ErrConflict)
	ErrInvalidTransition  = fmt.Errorf("%w: status transition not allowed", ErrConflict)
	ErrAlreadyResolved    = fmt.Errorf("%w: event already resolved", ErrConflict)
	ErrRetryInProgress    = fmt.Errorf("%w: retry already in progress", ErrConflict)
	ErrMaxRetriesExceeded = fmt.Errorf("%w: retry budget exhausted, event is dead-lettered", ErrConflict)
	ErrUnmatchedPayment   = fmt.Errorf("%w: captured payment does not match the ledger", ErrConflict)
)

// Validation.
var (
	ErrUnsupportedMethod = fmt.Errorf("%w: unsupported payment method", ErrValidation)
	ErrInvalidSignature  = fmt.Errorf("%w: invalid event signature", ErrValidation)
	ErrEmptyOrder        = fmt.Errorf("%w: order has no items", ErrValidation)
)

// notFound maps a repository miss onto the given service error and passes
// other errors through.
func notFound(err, as error) error {
	if repo.IsNotFound(err) {
		return as
	}
	return err
}
