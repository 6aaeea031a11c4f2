package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/checkout/session"
	"github.com/stripe/stripe-go/v79/refund"
	"github.com/stripe/stripe-go/v79/subscription"
	"github.com/stripe/stripe-go/v79/webhook"

	"keynote/internal/money"
)

// StripeProvider drives hosted checkout sessions: one-time payments
// and subscription mode for installment plans.
type StripeProvider struct {
	webhookSecret string
	successURL    string
	cancelURL     string
}

func NewStripeProvider(apiKey, webhookSecret, baseURL string) *StripeProvider {
	stripe.Key = apiKey
	return &StripeProvider{
		webhookSecret: webhookSecret,
		successURL:    baseURL + "/checkout/success?orderId={CHECKOUT_SESSION_ID}",
		cancelURL:     baseURL + "/checkout/cancelled",
	}
}

func (p *StripeProvider) Name() string { return "stripe" }

func (p *StripeProvider) Initiate(ctx context.Context, c Charge) (*Handle, error) {
	priceData := &stripe.CheckoutSessionLineItemPriceDataParams{
		Currency:   stripe.String(strings.ToLower(string(c.Currency))),
		UnitAmount: stripe.Int64(money.MinorUnits(c.Amount)),
		ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
			Name: stripe.String(c.ProductName),
		},
	}

	mode := stripe.CheckoutSessionModePayment
	if c.Installment {
		mode = stripe.CheckoutSessionModeSubscription
		priceData.Recurring = &stripe.CheckoutSessionLineItemPriceDataRecurringParams{
			Interval: stripe.String(string(stripe.PriceRecurringIntervalMonth)),
		}
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(mode)),
		ClientReferenceID: stripe.String(c.OrderID),
		CustomerEmail:     stripe.String(c.Email),
		SuccessURL:        stripe.String(p.successURL),
		CancelURL:         stripe.String(p.cancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{PriceData: priceData, Quantity: stripe.Int64(1)},
		},
	}
	params.Context = ctx
	params.AddMetadata("order_id", c.OrderID)

	sess, err := session.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}

	return &Handle{RedirectURL: sess.URL, ProviderRef: sess.ID}, nil
}

func (p *StripeProvider) Confirm(ctx context.Context, providerRef string) (*Event, error) {
	return nil, ErrPullConfirmUnsupported
}

func (p *StripeProvider) Refund(ctx context.Context, providerRef string, amount decimal.Decimal, currency money.Currency) error {
	params := &stripe.RefundParams{PaymentIntent: stripe.String(providerRef)}
	params.Context = ctx
	// One refund per payment intent, even if two admin requests race.
	params.SetIdempotencyKey("refund-" + providerRef)
	if _, err := refund.New(params); err != nil {
		return fmt.Errorf("stripe refund: %w", err)
	}
	return nil
}

// CancelSubscription stops an installment plan, used when a
// subscription-backed order is refunded.
func (p *StripeProvider) CancelSubscription(ctx context.Context, subscriptionID string) error {
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	if _, err := subscription.Cancel(subscriptionID, params); err != nil {
		return fmt.Errorf("cancel subscription: %w", err)
	}
	return nil
}

func (p *StripeProvider) ParseWebhook(r *http.Request, body []byte) (*Event, error) {
	event, err := webhook.ConstructEvent(body, r.Header.Get("Stripe-Signature"), p.webhookSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignature, err)
	}

	switch string(event.Type) {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return nil, fmt.Errorf("decode checkout session: %w", err)
		}
		return mapStripeSession(&sess, OutcomePaid, string(event.Type)), nil

	case "checkout.session.expired":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return nil, fmt.Errorf("decode checkout session: %w", err)
		}
		return mapStripeSession(&sess, OutcomeFailed, string(event.Type)), nil

	case "invoice.payment_failed":
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("decode invoice: %w", err)
		}
		evt := &Event{Outcome: OutcomeInstallmentFailed, Type: string(event.Type)}
		if inv.Subscription != nil {
			evt.SubscriptionID = inv.Subscription.ID
		}
		return evt, nil
	}

	return nil, nil
}

func mapStripeSession(sess *stripe.CheckoutSession, outcome Outcome, eventType string) *Event {
	evt := &Event{
		OrderID:        sess.ClientReferenceID,
		CorrelationRef: sess.ID,
		ProviderRef:    sess.ID,
		Outcome:        outcome,
		Type:           eventType,
	}
	if evt.OrderID == "" {
		evt.OrderID = sess.Metadata["order_id"]
	}
	if sess.PaymentIntent != nil {
		evt.ProviderRef = sess.PaymentIntent.ID
	}
	if sess.Subscription != nil {
		evt.SubscriptionID = sess.Subscription.ID
	}
	return evt
}
