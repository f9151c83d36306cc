package prommetrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/mihaimyh/entitlesync/pkg/billing"
)

var _ billing.Metrics = (*Metrics)(nil)

func gather(t *testing.T, reg *prometheus.Registry, name string) []*dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf.GetMetric()
		}
	}
	return nil
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func TestPrometheusMetrics_RecordWebhookEvent(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordWebhookEvent("stripe", "checkout.session.completed", "applied")
	metrics.RecordWebhookEvent("stripe", "checkout.session.completed", "applied")
	metrics.RecordWebhookEvent("stripe", "customer.subscription.trial_will_end", "ignored")

	got := gather(t, reg, "test_webhook_deliveries_total")
	if len(got) != 2 {
		t.Fatalf("expected 2 series, got %d", len(got))
	}
	for _, m := range got {
		if labelValue(m, "outcome") == "applied" && m.GetCounter().GetValue() != 2 {
			t.Errorf("applied count = %v, want 2", m.GetCounter().GetValue())
		}
	}
}

func TestPrometheusMetrics_RecordWebhookError(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordWebhookError("stripe", "invalid_signature")

	got := gather(t, reg, "test_webhook_errors_total")
	if len(got) != 1 || labelValue(got[0], "class") != "invalid_signature" {
		t.Fatalf("unexpected series: %v", got)
	}
}

func TestPrometheusMetrics_RecordStatusChange(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordStatusChange("stripe", "trialing", "active")

	got := gather(t, reg, "test_reconcile_transitions_total")
	if len(got) != 1 {
		t.Fatalf("expected 1 series, got %d", len(got))
	}
	if labelValue(got[0], "from") != "trialing" || labelValue(got[0], "to") != "active" {
		t.Errorf("unexpected labels: %v", got[0].GetLabel())
	}
}

func TestPrometheusMetrics_Durations(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordWebhookProcessingDuration("stripe", "invoice.paid", 20*time.Millisecond)
	metrics.RecordTenantSync("stripe", "success")
	metrics.RecordTenantSyncDuration("stripe", 150*time.Millisecond)
	metrics.RecordAPICall("stripe", "/subscriptions/{id}", "success")
	metrics.RecordAPICallDuration("stripe", "/subscriptions/{id}", 80*time.Millisecond)

	for _, name := range []string{
		"test_webhook_duration_seconds",
		"test_reconcile_sync_duration_seconds",
		"test_provider_call_duration_seconds",
	} {
		got := gather(t, reg, name)
		if len(got) != 1 || got[0].GetHistogram().GetSampleCount() != 1 {
			t.Errorf("%s: expected one observation", name)
		}
	}
}

func TestPrometheusMetrics_SyncAndCallResults(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordTenantSync("stripe", "error")
	metrics.RecordAPICall("stripe", "/checkout/sessions", "price_not_configured")

	syncs := gather(t, reg, "test_reconcile_syncs_total")
	if len(syncs) != 1 || labelValue(syncs[0], "result") != "error" {
		t.Errorf("unexpected sync series: %v", syncs)
	}
	calls := gather(t, reg, "test_provider_calls_total")
	if len(calls) != 1 || labelValue(calls[0], "endpoint") != "/checkout/sessions" {
		t.Errorf("unexpected call series: %v", calls)
	}
}

func TestPrometheusMetrics_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg, "test")

	defer func() {
		if recover() == nil {
			t.Error("expected a panic registering the same collectors twice")
		}
	}()
	NewMetrics(reg, "test")
}
