package credits

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure scenarios.
var (
	// General errors
	ErrNotFound      = errors.New("credits: not found")
	ErrAlreadyExists = errors.New("credits: already exists")
	ErrConflict      = errors.New("credits: concurrent modification")

	// Ledger errors
	ErrEntryNotFound       = errors.New("credits: ledger entry not found")
	ErrDuplicateEntry      = errors.New("credits: duplicate idempotency key")
	ErrInsufficientCredits = errors.New("credits: insufficient credits")

	// Organization errors
	ErrOrganizationNotFound = errors.New("credits: organization not found")

	// Subscription errors
	ErrSubscriptionNotFound = errors.New("credits: subscription not found")
	ErrSubscriptionCanceled = errors.New("credits: subscription is canceled")

	// Checkout errors
	ErrSessionNotFound   = errors.New("credits: checkout session not found")
	ErrAlreadyProcessed  = errors.New("credits: checkout session already processed")
	ErrStillProcessing   = errors.New("credits: checkout session still processing")
	ErrCustomerNotLinked = errors.New("credits: organization has no payment customer")

	// Provider errors
	ErrProviderUnavailable   = errors.New("credits: payment provider unavailable")
	ErrProviderNotConfigured = errors.New("credits: payment provider not configured")
	ErrWebhookSignature      = errors.New("credits: webhook signature invalid")

	// Store errors
	ErrStoreClosed = errors.New("credits: store is closed")
)

// ValidationError rejects malformed input. Nothing is written when it is
// returned.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("credits: validation failed for %s: %s", e.Field, e.Message)
}

// InsufficientCreditsError blocks a usage-consuming action.
type InsufficientCreditsError struct {
	Requested int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("credits: insufficient credits: requested %d, available %d", e.Requested, e.Available)
}

func (e *InsufficientCreditsError) Unwrap() error { return ErrInsufficientCredits }

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrEntryNotFound) ||
		errors.Is(err, ErrOrganizationNotFound) ||
		errors.Is(err, ErrSubscriptionNotFound) ||
		errors.Is(err, ErrSessionNotFound)
}

// IsValidation returns true if err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

// IsRetryable returns true if the operation may succeed when retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrStillProcessing)
}
