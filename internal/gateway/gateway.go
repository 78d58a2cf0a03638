// Package gateway defines the contract with the external on-chain payment
// program and the clients that speak it.
package gateway

import (
	"context"
	"fmt"
)

// Failure codes reported by the payment program or produced locally.
const (
	CodePaymentNotDue        = "PaymentNotDue"
	CodeSubscriptionInactive = "SubscriptionInactive"
	CodeInsufficientFunds    = "InsufficientFunds"
	CodeTimeout              = "Timeout"
	CodeUnavailable          = "Unavailable"
	CodeRejected             = "Rejected"
	// CodeUnconfirmed is a 2xx answer without a usable signature: funds may
	// have moved. Retrying with the same idempotency key resolves it.
	CodeUnconfirmed = "Unconfirmed"
)

// CollectionRequest asks the payment program to pull one period's payment
// from the subscriber's token account into the merchant's.
type CollectionRequest struct {
	SubscriptionAddress    string `json:"subscription_address" validate:"required,address"`
	PlanAddress            string `json:"plan_address" validate:"required,address"`
	SubscriberTokenAccount string `json:"subscriber_token_account" validate:"required,address"`
	MerchantTokenAccount   string `json:"merchant_token_account" validate:"required,address"`
	TokenMint              string `json:"token_mint" validate:"required,address"`
	Amount                 int64  `json:"amount" validate:"gt=0"`
	Currency               string `json:"currency" validate:"required"`
	// IdempotencyKey identifies the billing period. Retries of the same
	// period reuse it so a charge that landed unseen is returned, not repeated.
	IdempotencyKey string `json:"idempotency_key" validate:"required"`
}

// CollectionResult is returned when the payment landed on-chain.
type CollectionResult struct {
	Signature string `json:"signature"`
}

// Failure is a collection the payment program declined or that could not be
// completed. It is a normal outcome for billing, not an infrastructure error.
type Failure struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

func (f *Failure) Error() string {
	if f.Reason == "" {
		return fmt.Sprintf("collection failed: %s", f.Code)
	}
	return fmt.Sprintf("collection failed: %s: %s", f.Code, f.Reason)
}

// Gateway submits payment collections.
type Gateway interface {
	CollectPayment(ctx context.Context, req CollectionRequest) (CollectionResult, error)
}
