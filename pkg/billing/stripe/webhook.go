package stripe

import (
	"errors"
	"net/http"
	"time"

	"github.com/mihaimyh/entitlesync/pkg/billing"
	"github.com/mihaimyh/entitlesync/pkg/billing/internal"
)

type healthResponse struct {
	Status          string   `json:"status"`
	Provider        string   `json:"provider"`
	MonitoredEvents []string `json:"monitored_events"`
}

// handleWebhook verifies, classifies and applies one event, in that order.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	internal.SetSecurityHeaders(w)

	switch r.Method {
	case http.MethodPost:
	case http.MethodGet:
		p.handleHealth(w)
		return
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !p.verifier.Configured() {
		p.fail(w, "unknown", billing.ErrProviderNotConfigured, startTime)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, webhookBodyLimit)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			err = billing.ErrPayloadTooLarge
		} else {
			err = errors.Join(billing.ErrMalformedEvent, err)
		}
		p.fail(w, "unknown", err, startTime)
		return
	}

	event, err := p.verifier.Verify(body, r.Header.Get(SignatureHeader))
	if err != nil {
		msg := "webhook signature rejected"
		if errors.Is(err, billing.ErrMalformedEvent) {
			msg = "signed webhook payload is not an event"
		}
		p.logger.Warn(msg,
			billing.F("remote_ip", internal.GetClientIP(r)),
			billing.F("error", err),
		)
		p.fail(w, "unknown", err, startTime)
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "unknown"
	}

	transition, err := Classify(event)
	if err != nil {
		if errors.Is(err, billing.ErrMissingCorrelation) {
			p.logger.Error("webhook event cannot be tied to a tenant",
				billing.F("event_id", event.ID),
				billing.F("event_type", eventType),
			)
		}
		p.fail(w, eventType, err, startTime)
		return
	}

	res, err := p.reconciler.Apply(r.Context(), transition)
	if err != nil && billing.StatusCode(err) != http.StatusOK {
		p.logger.Error("webhook processing failed",
			billing.F("event_id", event.ID),
			billing.F("event_type", eventType),
			billing.F("error", err),
		)
		p.fail(w, eventType, err, startTime)
		return
	}

	outcome := string(res.Outcome)
	if err != nil {
		// Non-retryable outcomes: unknown subscription or stale event.
		outcome = string(billing.OutcomeSkipped)
		p.metrics.RecordWebhookError(providerName, billing.ErrorClass(err))
	}
	w.WriteHeader(http.StatusOK)

	p.metrics.RecordWebhookEvent(providerName, eventType, outcome)
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
}

// fail writes a short text error and records it.
func (p *Provider) fail(w http.ResponseWriter, eventType string, err error, startTime time.Time) {
	code := billing.StatusCode(err)
	http.Error(w, errorText(err), code)

	p.metrics.RecordWebhookEvent(providerName, eventType, "error")
	p.metrics.RecordWebhookError(providerName, billing.ErrorClass(err))
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
}

func errorText(err error) string {
	switch {
	case errors.Is(err, billing.ErrInvalidSignature):
		return "invalid signature"
	case errors.Is(err, billing.ErrMissingCorrelation):
		return "missing tenant reference"
	case errors.Is(err, billing.ErrMalformedEvent):
		return "malformed event"
	case errors.Is(err, billing.ErrPayloadTooLarge):
		return "payload too large"
	case errors.Is(err, billing.ErrProviderNotConfigured):
		return "webhook not configured"
	default:
		return "processing failed"
	}
}

func (p *Provider) handleHealth(w http.ResponseWriter) {
	_ = internal.WriteJSON(w, http.StatusOK, healthResponse{
		Status:          "ok",
		Provider:        providerName,
		MonitoredEvents: MonitoredEvents,
	})
}
