package payment

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"keynote/internal/money"
)

// IntaSendProvider drives the hosted IntaSend checkout. Orders are
// correlated by the api_ref we supply at initiation; webhooks are
// authenticated by a shared challenge token carried in the payload.
type IntaSendProvider struct {
	secretKey   string
	publicKey   string
	challenge   string
	baseURL     string
	redirectURL string
	client      *http.Client
}

func NewIntaSendProvider(secretKey, publicKey, challenge, apiBaseURL, siteBaseURL string) *IntaSendProvider {
	return &IntaSendProvider{
		secretKey:   secretKey,
		publicKey:   publicKey,
		challenge:   challenge,
		baseURL:     strings.TrimRight(apiBaseURL, "/"),
		redirectURL: siteBaseURL + "/checkout/success",
		client:      &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *IntaSendProvider) Name() string { return "intasend" }

func (p *IntaSendProvider) post(ctx context.Context, path string, in, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.secretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("intasend %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("intasend %s: unexpected status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (p *IntaSendProvider) Initiate(ctx context.Context, c Charge) (*Handle, error) {
	payload := map[string]any{
		"public_key":   p.publicKey,
		"amount":       c.Amount.StringFixed(2),
		"currency":     string(c.Currency),
		"email":        c.Email,
		"phone_number": c.Phone,
		"api_ref":      c.OrderID,
		"redirect_url": p.redirectURL + "?orderId=" + c.OrderID,
	}

	var out struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	if err := p.post(ctx, "/api/v1/checkout/", payload, &out); err != nil {
		return nil, err
	}

	return &Handle{RedirectURL: out.URL, ProviderRef: out.ID}, nil
}

func (p *IntaSendProvider) Confirm(ctx context.Context, providerRef string) (*Event, error) {
	return nil, ErrPullConfirmUnsupported
}

func (p *IntaSendProvider) Refund(ctx context.Context, providerRef string, amount decimal.Decimal, currency money.Currency) error {
	payload := map[string]any{
		"invoice": providerRef,
		"amount":  amount.StringFixed(2),
		"reason":  "Refund requested",
	}
	return p.post(ctx, "/api/v1/chargebacks/", payload, nil)
}

func (p *IntaSendProvider) ParseWebhook(r *http.Request, body []byte) (*Event, error) {
	var event struct {
		InvoiceID string `json:"invoice_id"`
		State     string `json:"state"`
		APIRef    string `json:"api_ref"`
		Challenge string `json:"challenge"`
	}
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("decode intasend webhook: %w", err)
	}

	if subtle.ConstantTimeCompare([]byte(event.Challenge), []byte(p.challenge)) != 1 {
		return nil, ErrSignature
	}

	evt := &Event{
		OrderID:     event.APIRef,
		ProviderRef: event.InvoiceID,
		Type:        "collection:" + event.State,
	}

	switch strings.ToUpper(event.State) {
	case "COMPLETE", "SUCCESSFUL":
		evt.Outcome = OutcomePaid
	case "FAILED":
		evt.Outcome = OutcomeFailed
	default:
		// PENDING / PROCESSING states are acknowledged and ignored.
		return nil, nil
	}
	return evt, nil
}
