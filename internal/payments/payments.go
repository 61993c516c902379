// Package payments verifies opaque payment references presented when funding
// a transaction.
//
// With a Stripe key configured, a reference must be a succeeded PaymentIntent
// covering the transaction total. Without one the noop provider accepts
// everything, which keeps local development and demos free of a Stripe
// account.
package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/devsouq/devsouq/internal/money"
)

var ErrVerificationFailed = errors.New("payment verification failed")

// Provider checks that a payment reference covers the given amount.
type Provider interface {
	VerifyPayment(ctx context.Context, reference string, amountCents int64) error
}

// NoopProvider accepts any reference. Used when no Stripe key is configured.
type NoopProvider struct{}

var _ Provider = (*NoopProvider)(nil)

func (NoopProvider) VerifyPayment(ctx context.Context, reference string, amountCents int64) error {
	return nil
}

// intentGetter is the slice of the Stripe client we use; the concrete type is
// *paymentintent.Client.
type intentGetter interface {
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// StripeProvider verifies references as Stripe PaymentIntents.
type StripeProvider struct {
	intents intentGetter
}

var _ Provider = (*StripeProvider)(nil)

// NewStripeProvider creates a provider bound to the given secret key.
func NewStripeProvider(secretKey string) *StripeProvider {
	sc := &client.API{}
	sc.Init(secretKey, nil)
	return &StripeProvider{intents: sc.PaymentIntents}
}

func (p *StripeProvider) VerifyPayment(ctx context.Context, reference string, amountCents int64) error {
	if reference == "" {
		return fmt.Errorf("%w: payment reference is required", ErrVerificationFailed)
	}

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	intent, err := p.intents.Get(reference, params)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}

	if intent.Status != stripe.PaymentIntentStatusSucceeded {
		return fmt.Errorf("%w: payment intent %s is %s, not succeeded", ErrVerificationFailed, reference, intent.Status)
	}
	if intent.Amount < amountCents {
		return fmt.Errorf("%w: payment intent %s covers %s, transaction total is %s",
			ErrVerificationFailed, reference, money.Format(intent.Amount), money.Format(amountCents))
	}
	return nil
}
