package stripe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/entitlesync/pkg/billing"
)

func TestVerifier(t *testing.T) {
	payload := []byte(`{"id":"evt_1","object":"event","type":"invoice.paid","created":1790000000,"data":{"object":{"id":"in_1"}}}`)
	v := NewVerifier(testSecret, 0)
	require.True(t, v.Configured())

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload: payload, Secret: testSecret, Timestamp: time.Now(), Scheme: "v1",
	})
	event, err := v.Verify(signed.Payload, signed.Header)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", event.ID)
	assert.Equal(t, "invoice.paid", string(event.Type))

	_, err = v.Verify(payload, "")
	assert.ErrorIs(t, err, billing.ErrInvalidSignature)

	old := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload: payload, Secret: testSecret, Timestamp: time.Now().Add(-time.Hour), Scheme: "v1",
	})
	_, err = v.Verify(old.Payload, old.Header)
	assert.ErrorIs(t, err, billing.ErrInvalidSignature, "timestamps outside the tolerance are rejected")

	assert.False(t, NewVerifier("  ", 0).Configured())
}

func TestVerifier_SignedGarbageIsMalformed(t *testing.T) {
	v := NewVerifier(testSecret, 0)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload: []byte(`{not json`), Secret: testSecret, Timestamp: time.Now(), Scheme: "v1",
	})

	_, err := v.Verify(signed.Payload, signed.Header)
	assert.ErrorIs(t, err, billing.ErrMalformedEvent)
	assert.NotErrorIs(t, err, billing.ErrInvalidSignature)
}
