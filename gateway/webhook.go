package gateway

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// SignatureHeader carries the hex HMAC of the raw request body.
const SignatureHeader = "x-paystack-signature"

var (
	ErrBadSignature = errors.New("webhook signature mismatch")
	ErrBadPayload   = errors.New("malformed webhook payload")
)

// VerifySignature checks signature == hex(HMAC-SHA512(secret, body)) in
// constant time.
func VerifySignature(secret string, body []byte, signature string) error {
	if signature == "" {
		return ErrBadSignature
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return ErrBadSignature
	}
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}

// Sign returns the signature VerifySignature accepts. Used by Fake and tests.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type webhookEvent struct {
	Event string `json:"event"`
	Data  struct {
		ID              json.Number `json:"id"`
		Reference       string      `json:"reference"`
		Status          string      `json:"status"`
		Amount          int64       `json:"amount"`
		Currency        string      `json:"currency"`
		GatewayResponse string      `json:"gateway_response"`
		AccessCode      string      `json:"access_code"`
	} `json:"data"`
}

// ParseWebhook decodes a provider event. Unknown event types decode to
// OutcomeIgnored rather than an error so the caller can acknowledge them.
func ParseWebhook(body []byte) (Result, error) {
	var ev webhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	res := Result{
		GatewayID:      ev.Data.AccessCode,
		Reference:      ev.Data.Reference,
		TransactionRef: ev.Data.ID.String(),
		Amount:         ev.Data.Amount,
		Currency:       ev.Data.Currency,
		Reason:         ev.Data.GatewayResponse,
	}
	switch ev.Event {
	case "charge.success":
		res.Outcome = OutcomeSuccess
	case "charge.failed":
		res.Outcome = OutcomeFailed
	default:
		res.Outcome = OutcomeIgnored
		return res, nil
	}
	if res.Reference == "" {
		return Result{}, fmt.Errorf("%w: missing reference", ErrBadPayload)
	}
	return res, nil
}
