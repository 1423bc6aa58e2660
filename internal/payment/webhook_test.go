package payment

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyWebhookSignature(t *testing.T) {
	body := []byte(`{"event":"charge.success","data":{"gateway_reference":"RBP-1"}}`)
	sig := SignWebhookBody("secret", body)

	assert.NoError(t, VerifyWebhookSignature("secret", body, sig))
	assert.NoError(t, VerifyWebhookSignature("secret", body, strings.ToUpper(sig)),
		"hex case must not matter")
	assert.ErrorIs(t, VerifyWebhookSignature("secret", body, ""), ErrBadSignature)
	assert.ErrorIs(t, VerifyWebhookSignature("secret", body, "00"+sig[2:]), ErrBadSignature)
	assert.ErrorIs(t, VerifyWebhookSignature("other-secret", body, sig), ErrBadSignature)

	// any body change invalidates the signature
	tampered := append([]byte{}, body...)
	tampered[len(tampered)-2] = '2'
	assert.ErrorIs(t, VerifyWebhookSignature("secret", tampered, sig), ErrBadSignature)
}

func TestParseWebhook(t *testing.T) {
	payload, err := ParseWebhook([]byte(`{
		"event": "charge.failed",
		"data": {"gateway_reference": "RBP-abc", "failure_reason": "card_declined"}
	}`))
	require.NoError(t, err)
	assert.Equal(t, WebhookChargeFailed, payload.Event)
	assert.Equal(t, "RBP-abc", payload.Data.GatewayReference)
	assert.Equal(t, "card_declined", payload.Data.FailureReason)

	_, err = ParseWebhook([]byte(`{"event":"charge.success","data":{}}`))
	assert.Error(t, err)

	_, err = ParseWebhook([]byte(`{"event":"subscription.renewed","data":{"gateway_reference":"x"}}`))
	assert.Error(t, err)

	_, err = ParseWebhook([]byte(`not json`))
	assert.Error(t, err)
}
