package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Fake is an in-process gateway. It records every charge and can be told to
// fail the next ones. Charges stay pending for VerifyCharge until Settle.
type Fake struct {
	mu      sync.Mutex
	charges []Charge
	settled map[string]Outcome
	failErr error
}

func NewFake() *Fake { return &Fake{settled: make(map[string]Outcome)} }

// FailWith makes subsequent InitiateCharge calls return err. nil resets.
func (f *Fake) FailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failErr = err
}

func (f *Fake) InitiateCharge(_ context.Context, c Charge) (Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return Receipt{}, f.failErr
	}
	f.charges = append(f.charges, c)
	id := "fake_" + uuid.NewString()
	return Receipt{GatewayID: id, AuthorizationURL: "https://checkout.invalid/" + id}, nil
}

// Settle records the provider-side outcome of the charge with reference.
func (f *Fake) Settle(reference string, o Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settled[reference] = o
}

// VerifyCharge reports the settled outcome of a recorded charge, or
// OutcomeIgnored while it is still pending.
func (f *Fake) VerifyCharge(_ context.Context, reference string) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return Result{}, f.failErr
	}
	for _, c := range f.charges {
		if c.Reference != reference {
			continue
		}
		o, ok := f.settled[reference]
		if !ok {
			o = OutcomeIgnored
		}
		return Result{
			Reference:      reference,
			Outcome:        o,
			TransactionRef: "fake_txn_" + reference,
			Amount:         c.Amount,
			Currency:       c.Currency,
		}, nil
	}
	return Result{}, fmt.Errorf("%w: unknown reference %s", ErrRejected, reference)
}

// Charges returns a copy of the recorded charges.
func (f *Fake) Charges() []Charge {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Charge(nil), f.charges...)
}

// WebhookBody builds the JSON body the provider would send for reference.
func WebhookBody(event, reference string, amount int64, currency string) []byte {
	body, _ := json.Marshal(map[string]any{
		"event": event,
		"data": map[string]any{
			"id":               1,
			"reference":        reference,
			"status":           "success",
			"amount":           amount,
			"currency":         currency,
			"gateway_response": "Approved",
		},
	})
	return body
}
