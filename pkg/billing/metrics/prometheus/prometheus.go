// Package prommetrics implements billing.Metrics with Prometheus collectors.
//
// Series are grouped by the component that records them:
//
//	<ns>_webhook_*     delivery outcomes, latency and error classes
//	<ns>_reconcile_*   status transitions and manual syncs
//	<ns>_provider_*    outbound calls to the billing provider
package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/entitlesync/pkg/billing"
)

// Webhook handling is dominated by one store write and, for checkouts, one
// provider round trip, so buckets run from 5ms to about 10s.
var latencyBuckets = prometheus.ExponentialBuckets(0.005, 2, 12)

// Metrics implements billing.Metrics using Prometheus.
type Metrics struct {
	deliveries    *prometheus.CounterVec
	deliveryTime  *prometheus.HistogramVec
	deliveryFails *prometheus.CounterVec

	transitions *prometheus.CounterVec
	syncs       *prometheus.CounterVec
	syncTime    *prometheus.HistogramVec

	providerCalls    *prometheus.CounterVec
	providerCallTime *prometheus.HistogramVec
}

// NewMetrics registers the collectors on reg under namespace.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	counter := func(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
		}, labels)
	}
	histogram := func(subsystem, name, help string, labels ...string) *prometheus.HistogramVec {
		return f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: latencyBuckets,
		}, labels)
	}

	return &Metrics{
		deliveries: counter("webhook", "deliveries_total",
			"Webhook deliveries by event type and outcome (applied, ignored, skipped, error).",
			"provider", "event_type", "outcome"),
		deliveryTime: histogram("webhook", "duration_seconds",
			"Time from receipt to response for a webhook delivery.",
			"provider", "event_type"),
		deliveryFails: counter("webhook", "errors_total",
			"Webhook deliveries that did not apply, by error class.",
			"provider", "class"),

		transitions: counter("reconcile", "transitions_total",
			"Committed entitlement status transitions.",
			"provider", "from", "to"),
		syncs: counter("reconcile", "syncs_total",
			"Tenant syncs pulled from the provider, by result.",
			"provider", "result"),
		syncTime: histogram("reconcile", "sync_duration_seconds",
			"Duration of a tenant sync.",
			"provider"),

		providerCalls: counter("provider", "calls_total",
			"Outbound provider API calls by endpoint and result.",
			"provider", "endpoint", "result"),
		providerCallTime: histogram("provider", "call_duration_seconds",
			"Latency of outbound provider API calls.",
			"provider", "endpoint"),
	}
}

func (m *Metrics) RecordWebhookEvent(provider, eventType, outcome string) {
	m.deliveries.WithLabelValues(provider, eventType, outcome).Inc()
}

func (m *Metrics) RecordWebhookProcessingDuration(provider, eventType string, d time.Duration) {
	m.deliveryTime.WithLabelValues(provider, eventType).Observe(d.Seconds())
}

func (m *Metrics) RecordWebhookError(provider, errorClass string) {
	m.deliveryFails.WithLabelValues(provider, errorClass).Inc()
}

func (m *Metrics) RecordTenantSync(provider, status string) {
	m.syncs.WithLabelValues(provider, status).Inc()
}

func (m *Metrics) RecordTenantSyncDuration(provider string, d time.Duration) {
	m.syncTime.WithLabelValues(provider).Observe(d.Seconds())
}

func (m *Metrics) RecordStatusChange(provider, fromStatus, toStatus string) {
	m.transitions.WithLabelValues(provider, fromStatus, toStatus).Inc()
}

func (m *Metrics) RecordAPICall(provider, endpoint, status string) {
	m.providerCalls.WithLabelValues(provider, endpoint, status).Inc()
}

func (m *Metrics) RecordAPICallDuration(provider, endpoint string, d time.Duration) {
	m.providerCallTime.WithLabelValues(provider, endpoint).Observe(d.Seconds())
}

// DefaultMetrics registers on prometheus.DefaultRegisterer.
func DefaultMetrics(namespace string) billing.Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
