package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Webhook event types delivered by the gateway
const (
	WebhookChargeSuccess = "charge.success"
	WebhookChargeFailed  = "charge.failed"
)

// WebhookPayload is the gateway's settlement notification
type WebhookPayload struct {
	Event string      `json:"event"`
	Data  WebhookData `json:"data"`
}

// WebhookData carries the charge details inside a webhook
type WebhookData struct {
	GatewayReference string     `json:"gateway_reference"`
	TransactionID    string     `json:"transaction_id"`
	Amount           float64    `json:"amount"`
	Currency         string     `json:"currency"`
	FailureReason    string     `json:"failure_reason,omitempty"`
	PaidAt           *time.Time `json:"paid_at,omitempty"`
}

// VerifyWebhookSignature checks the hex HMAC-SHA256 of the raw request body
// against the shared webhook secret. Hex case is ignored; comparison is
// constant-time.
func VerifyWebhookSignature(secret string, body []byte, signature string) error {
	if signature == "" {
		return fmt.Errorf("missing signature header: %w", ErrBadSignature)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(signature))) {
		return ErrBadSignature
	}
	return nil
}

// SignWebhookBody produces the hex HMAC-SHA256 signature a gateway would
// attach to body. Used by tests and the mock gateway.
func SignWebhookBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// ParseWebhook decodes and minimally validates a webhook body
func ParseWebhook(body []byte) (*WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode webhook payload: %w", err)
	}
	switch payload.Event {
	case WebhookChargeSuccess, WebhookChargeFailed:
	default:
		return nil, fmt.Errorf("unsupported webhook event %q", payload.Event)
	}
	if payload.Data.GatewayReference == "" {
		return nil, fmt.Errorf("webhook payload missing gateway_reference")
	}
	return &payload, nil
}
