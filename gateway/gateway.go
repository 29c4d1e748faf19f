/*
Package gateway talks to the external payment provider.

PURPOSE:
  Outbound: InitiateCharge opens a checkout session and returns the URL the
  payer is sent to. Inbound: the provider calls back through a signed
  webhook, decoded here into a Result the enrollment coordinator consumes.
  When a webhook never arrives, VerifyCharge pulls the same Result from the
  provider by reference.

  Gateway calls are never made inside a database transaction. The intent row
  is the durable continuation between the two halves.

IMPLEMENTATIONS:
  HTTPGateway: Paystack-compatible JSON API
  Fake:        in-process, for tests and local runs

SEE ALSO:
  - webhook.go: signature check and event decoding
*/
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrRejected is returned when the provider refuses to open a charge.
var ErrRejected = errors.New("charge rejected by gateway")

// Charge is an outbound payment request. Amount is in minor units.
type Charge struct {
	Amount    int64
	Currency  string
	Reference string // merchant reference, the intent id
	Email     string
}

// Receipt identifies the charge at the provider.
type Receipt struct {
	GatewayID        string
	AuthorizationURL string
}

// Outcome of a charge as reported by the provider.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomeIgnored Outcome = "ignored" // event types we do not act on
)

// Result is a decoded provider callback.
type Result struct {
	GatewayID      string
	Reference      string
	Outcome        Outcome
	TransactionRef string
	Amount         int64
	Currency       string
	Reason         string
}

// =============================================================================
// HTTP GATEWAY
// =============================================================================

// Config configures HTTPGateway.
type Config struct {
	BaseURL     string
	SecretKey   string
	CallbackURL string
	Timeout     time.Duration
	MaxElapsed  time.Duration // total retry budget for 5xx and transport errors
}

// DefaultMaxElapsed keeps a retried call inside a typical HTTP write timeout.
const DefaultMaxElapsed = 10 * time.Second

// HTTPGateway calls a Paystack-style REST API.
type HTTPGateway struct {
	cfg    Config
	client *http.Client
}

// NewHTTPGateway returns a gateway using cfg. Zero values get defaults.
func NewHTTPGateway(cfg Config) *HTTPGateway {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.paystack.co"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxElapsed == 0 {
		cfg.MaxElapsed = DefaultMaxElapsed
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HTTPGateway{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

type initializeRequest struct {
	Email       string `json:"email"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Reference   string `json:"reference"`
	CallbackURL string `json:"callback_url,omitempty"`
}

type initializeResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		AuthorizationURL string `json:"authorization_url"`
		AccessCode       string `json:"access_code"`
		Reference        string `json:"reference"`
	} `json:"data"`
}

// InitiateCharge opens a checkout session. Transport errors and 5xx answers
// are retried with exponential backoff; 4xx answers and status=false are
// permanent and wrap ErrRejected.
func (g *HTTPGateway) InitiateCharge(ctx context.Context, c Charge) (Receipt, error) {
	body, err := json.Marshal(initializeRequest{
		Email:       c.Email,
		Amount:      c.Amount,
		Currency:    c.Currency,
		Reference:   c.Reference,
		CallbackURL: g.cfg.CallbackURL,
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("encode charge: %w", err)
	}

	var out initializeResponse
	if err := g.call(ctx, http.MethodPost, "/transaction/initialize", body, &out); err != nil {
		return Receipt{}, err
	}
	if !out.Status {
		return Receipt{}, fmt.Errorf("%w: %s", ErrRejected, out.Message)
	}
	return Receipt{GatewayID: out.Data.AccessCode, AuthorizationURL: out.Data.AuthorizationURL}, nil
}

type verifyResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		ID              json.Number `json:"id"`
		Reference       string      `json:"reference"`
		Status          string      `json:"status"`
		Amount          int64       `json:"amount"`
		Currency        string      `json:"currency"`
		GatewayResponse string      `json:"gateway_response"`
	} `json:"data"`
}

// VerifyCharge asks the provider for the current state of the charge with
// the given merchant reference. Charges still in progress (pending,
// ongoing, abandoned) come back as OutcomeIgnored.
func (g *HTTPGateway) VerifyCharge(ctx context.Context, reference string) (Result, error) {
	var out verifyResponse
	if err := g.call(ctx, http.MethodGet, "/transaction/verify/"+url.PathEscape(reference), nil, &out); err != nil {
		return Result{}, err
	}
	if !out.Status {
		return Result{}, fmt.Errorf("%w: %s", ErrRejected, out.Message)
	}

	res := Result{
		Reference:      reference,
		TransactionRef: out.Data.ID.String(),
		Amount:         out.Data.Amount,
		Currency:       out.Data.Currency,
		Reason:         out.Data.GatewayResponse,
		Outcome:        verifyOutcome(out.Data.Status),
	}
	return res, nil
}

func verifyOutcome(status string) Outcome {
	switch status {
	case "success":
		return OutcomeSuccess
	case "failed", "reversed":
		return OutcomeFailed
	default:
		return OutcomeIgnored
	}
}

// call runs one API request under the retry budget.
func (g *HTTPGateway) call(ctx context.Context, method, path string, body []byte, out any) error {
	op := func() error {
		return g.do(ctx, method, path, body, out)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = g.cfg.MaxElapsed
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

func (g *HTTPGateway) do(ctx context.Context, method, path string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.cfg.BaseURL+path, rd)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+g.cfg.SecretKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("call gateway: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read gateway response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("gateway returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		var msg struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(raw, &msg)
		return backoff.Permanent(fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, msg.Message))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return backoff.Permanent(fmt.Errorf("decode gateway response: %w", err))
	}
	return nil
}
