package billing

import "time"

// Metrics defines the interface for tracking reconciliation operations.
// All methods are optional - components fall back to NoopMetrics.
type Metrics interface {
	// RecordWebhookEvent records a webhook event received from the billing provider.
	// outcome: "applied", "ignored", "skipped" or "error"
	RecordWebhookEvent(provider, eventType, outcome string)

	// RecordWebhookProcessingDuration records how long it took to process a webhook.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorClass: see ErrorClass (e.g. "invalid_signature", "store_unavailable")
	RecordWebhookError(provider, errorClass string)

	// RecordTenantSync records a tenant synchronization operation.
	// status: "success" or "error"
	RecordTenantSync(provider, status string)

	// RecordTenantSyncDuration records how long a tenant sync took.
	RecordTenantSyncDuration(provider string, duration time.Duration)

	// RecordStatusChange records when a tenant's status changes.
	RecordStatusChange(provider, fromStatus, toStatus string)

	// RecordAPICall records an API call to the billing provider.
	// endpoint: The API endpoint called (e.g., "/subscriptions/{id}")
	// status: "success" or "error"
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordTenantSync(_, _ string)                                 {}
func (n *NoopMetrics) RecordTenantSyncDuration(_ string, _ time.Duration)           {}
func (n *NoopMetrics) RecordStatusChange(_, _, _ string)                            {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}
