// Package webhook builds the signed header bundle the dispatcher attaches
// to every outbound delivery POST.
package webhook

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	HeaderWebhookID            = "x-msl-webhook-id"
	HeaderWebhookType          = "x-msl-webhook-type"
	HeaderWebhookFormat        = "x-msl-webhook-format"
	HeaderWebhookSignatureType = "x-msl-webhook-signature-type"
	HeaderWebhookNonce         = "x-msl-webhook-nonce"
	HeaderWebhookTimestamp     = "x-msl-webhook-timestamp"
	HeaderWebhookJWTSignature  = "x-msl-webhook-jwt-signature"

	webhookType          = "web3.standard.events.v1"
	webhookFormat        = "JSON"
	webhookSignatureType = "jwt.light.v1"
	webhookNonce         = "-1"
)

// Headers builds the header bundle for a delivery to subID under contractID,
// signed with apiKey as the HMAC-SHA256 secret. The claim set is exactly
// {contract_id, timestamp, subcription_id} — the misspelling "subcription_id"
// is part of the wire contract and must not be corrected.
func Headers(subID, contractID, apiKey string) (map[string]string, error) {
	now := time.Now()
	timestamp := now.Format(time.RFC3339)

	claims := jwt.MapClaims{
		"contract_id":    contractID,
		"timestamp":      timestamp,
		"subcription_id": subID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(apiKey))
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"Content-Type":             "application/json",
		HeaderWebhookID:            subID,
		HeaderWebhookType:          webhookType,
		HeaderWebhookFormat:        webhookFormat,
		HeaderWebhookSignatureType: webhookSignatureType,
		HeaderWebhookNonce:         webhookNonce,
		HeaderWebhookTimestamp:     timestamp,
		HeaderWebhookJWTSignature:  signed,
	}, nil
}
