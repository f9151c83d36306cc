package billing

import (
	"errors"
	"net/http"

	"github.com/mihaimyh/entitlesync/pkg/entitlement"
)

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidSignature is returned when webhook signature validation fails.
	// The event is never applied.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrMalformedEvent is returned when a verified payload cannot be decoded
	ErrMalformedEvent = errors.New("malformed webhook event")

	// ErrMissingCorrelation is returned when a checkout event carries no tenant
	// reference. Retrying cannot fix it.
	ErrMissingCorrelation = errors.New("event has no tenant correlation id")

	// ErrUnknownSubscriptionRef is returned when an event references a
	// subscription no tenant holds yet. Later events make the record consistent.
	ErrUnknownSubscriptionRef = errors.New("unknown subscription reference")

	// ErrProviderAPI is returned when the provider's API returns an error
	ErrProviderAPI = errors.New("billing provider API error")

	// ErrCustomerNotFound is returned when a tenant has no provider customer yet
	ErrCustomerNotFound = errors.New("customer not found in billing provider")

	// ErrPayloadTooLarge is returned when the webhook body exceeds the size limit
	ErrPayloadTooLarge = errors.New("payload too large")
)

// StatusCode maps an Apply outcome to the webhook response code. 2xx tells the
// provider to stop retrying; 4xx marks a permanent rejection; 5xx asks for
// re-delivery.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnknownSubscriptionRef), errors.Is(err, entitlement.ErrStaleEvent):
		return http.StatusOK
	case errors.Is(err, ErrInvalidSignature),
		errors.Is(err, ErrMalformedEvent),
		errors.Is(err, ErrMissingCorrelation):
		return http.StatusBadRequest
	case errors.Is(err, ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrProviderNotConfigured):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorClass returns a short label for metrics and logs.
func ErrorClass(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, ErrMalformedEvent):
		return "malformed_event"
	case errors.Is(err, ErrMissingCorrelation):
		return "missing_correlation"
	case errors.Is(err, ErrUnknownSubscriptionRef):
		return "unknown_subscription"
	case errors.Is(err, entitlement.ErrStaleEvent):
		return "stale_event"
	case errors.Is(err, ErrPayloadTooLarge):
		return "payload_too_large"
	case errors.Is(err, ErrProviderNotConfigured):
		return "not_configured"
	case errors.Is(err, entitlement.ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, ErrProviderAPI):
		return "provider_api"
	default:
		return "processing_error"
	}
}
