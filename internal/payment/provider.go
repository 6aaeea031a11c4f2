// Package payment isolates provider-specific wire protocols behind a
// shared Provider interface. Each adapter parses its own webhook shape
// into the canonical Event before anything reaches the order ledger.
package payment

import (
	"context"
	"errors"
	"net/http"

	"github.com/shopspring/decimal"

	"keynote/internal/money"
)

var (
	// ErrSignature means the webhook failed its authenticity check and
	// must be rejected without touching any state.
	ErrSignature = errors.New("webhook signature verification failed")

	// ErrPullConfirmUnsupported is returned by providers that only
	// confirm asynchronously via webhook.
	ErrPullConfirmUnsupported = errors.New("provider does not support pull confirmation")
)

type Outcome string

const (
	OutcomePaid              Outcome = "paid"
	OutcomeFailed            Outcome = "failed"
	OutcomeInstallmentFailed Outcome = "installment_failed"
)

// Event is the canonical internal form of a provider callback.
// OrderID is set when the provider echoes our order id back;
// otherwise CorrelationRef carries the provider-issued handle the
// order was initiated with, and the ledger resolves the order by its
// stored provider reference.
type Event struct {
	OrderID        string
	CorrelationRef string
	ProviderRef    string
	SubscriptionID string
	Outcome        Outcome
	Type           string
}

// Charge is the provider-facing view of an order being paid for.
type Charge struct {
	OrderID     string
	Email       string
	Phone       string
	ProductName string
	Amount      decimal.Decimal
	Currency    money.Currency
	Installment bool
}

// Handle is the continuation returned by Initiate: a redirect URL for
// hosted flows, a client secret for on-page flows, or a provider
// reference to correlate an asynchronous push (M-Pesa).
type Handle struct {
	RedirectURL  string
	ClientSecret string
	ProviderRef  string
}

type Provider interface {
	Name() string
	Initiate(ctx context.Context, c Charge) (*Handle, error)
	// Confirm completes a charge synchronously (PayPal capture, M-Pesa
	// status query). Providers without a pull flow return
	// ErrPullConfirmUnsupported.
	Confirm(ctx context.Context, providerRef string) (*Event, error)
	Refund(ctx context.Context, providerRef string, amount decimal.Decimal, currency money.Currency) error
	// ParseWebhook verifies authenticity and maps the payload to a
	// canonical Event. A nil Event with nil error means the callback is
	// authentic but irrelevant and should be acknowledged.
	ParseWebhook(r *http.Request, body []byte) (*Event, error)
}
