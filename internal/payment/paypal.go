package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"keynote/internal/money"
)

// PayPalProvider implements the create-then-capture order flow against
// the PayPal REST API. Webhook authenticity is checked through
// PayPal's verify-webhook-signature endpoint rather than local
// certificate handling.
type PayPalProvider struct {
	clientID  string
	secret    string
	baseURL   string
	webhookID string
	returnURL string
	cancelURL string
	client    *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func NewPayPalProvider(clientID, secret, apiBaseURL, webhookID, siteBaseURL string) *PayPalProvider {
	return &PayPalProvider{
		clientID:  clientID,
		secret:    secret,
		baseURL:   strings.TrimRight(apiBaseURL, "/"),
		webhookID: webhookID,
		returnURL: siteBaseURL + "/checkout/paypal/return",
		cancelURL: siteBaseURL + "/checkout/cancelled",
		client:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *PayPalProvider) Name() string { return "paypal" }

func (p *PayPalProvider) token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.accessToken != "" && time.Now().Before(p.tokenExpiry) {
		return p.accessToken, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(p.clientID, p.secret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("paypal token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("paypal token: unexpected status %d", resp.StatusCode)
	}

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}

	p.accessToken = out.AccessToken
	p.tokenExpiry = time.Now().Add(time.Duration(out.ExpiresIn-60) * time.Second)
	return p.accessToken, nil
}

// do performs an authenticated API call. A non-empty requestID is sent
// as PayPal-Request-Id, PayPal's idempotency key.
func (p *PayPalProvider) do(ctx context.Context, method, path string, in, out any, requestID ...string) error {
	token, err := p.token(ctx)
	if err != nil {
		return err
	}

	var body *bytes.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	if len(requestID) > 0 && requestID[0] != "" {
		req.Header.Set("PayPal-Request-Id", requestID[0])
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("paypal %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("paypal %s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type paypalOrderResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Links  []struct {
		Href string `json:"href"`
		Rel  string `json:"rel"`
	} `json:"links"`
	PurchaseUnits []struct {
		CustomID string `json:"custom_id"`
		Payments struct {
			Captures []struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

func (p *PayPalProvider) Initiate(ctx context.Context, c Charge) (*Handle, error) {
	payload := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{{
			"reference_id": c.OrderID,
			"custom_id":    c.OrderID,
			"description":  c.ProductName,
			"amount": map[string]string{
				"currency_code": string(c.Currency),
				"value":         c.Amount.StringFixed(2),
			},
		}},
		"application_context": map[string]string{
			"return_url": p.returnURL + "?orderId=" + c.OrderID,
			"cancel_url": p.cancelURL,
		},
	}

	var out paypalOrderResponse
	if err := p.do(ctx, http.MethodPost, "/v2/checkout/orders", payload, &out); err != nil {
		return nil, err
	}

	handle := &Handle{ProviderRef: out.ID}
	for _, link := range out.Links {
		if link.Rel == "approve" {
			handle.RedirectURL = link.Href
		}
	}
	return handle, nil
}

// Confirm captures a payer-approved PayPal order.
func (p *PayPalProvider) Confirm(ctx context.Context, providerRef string) (*Event, error) {
	var out paypalOrderResponse
	if err := p.do(ctx, http.MethodPost, "/v2/checkout/orders/"+providerRef+"/capture", struct{}{}, &out); err != nil {
		return nil, err
	}

	evt := &Event{CorrelationRef: providerRef, ProviderRef: providerRef, Type: "capture"}
	if out.Status == "COMPLETED" {
		evt.Outcome = OutcomePaid
	} else {
		evt.Outcome = OutcomeFailed
	}
	if len(out.PurchaseUnits) > 0 {
		evt.OrderID = out.PurchaseUnits[0].CustomID
		if caps := out.PurchaseUnits[0].Payments.Captures; len(caps) > 0 {
			evt.ProviderRef = caps[0].ID
		}
	}
	return evt, nil
}

func (p *PayPalProvider) Refund(ctx context.Context, providerRef string, amount decimal.Decimal, currency money.Currency) error {
	payload := map[string]any{
		"amount": map[string]string{
			"currency_code": string(currency),
			"value":         amount.StringFixed(2),
		},
	}
	return p.do(ctx, http.MethodPost, "/v2/payments/captures/"+providerRef+"/refund", payload, nil, "refund-"+providerRef)
}

func (p *PayPalProvider) ParseWebhook(r *http.Request, body []byte) (*Event, error) {
	verification := map[string]any{
		"transmission_id":   r.Header.Get("Paypal-Transmission-Id"),
		"transmission_time": r.Header.Get("Paypal-Transmission-Time"),
		"transmission_sig":  r.Header.Get("Paypal-Transmission-Sig"),
		"cert_url":          r.Header.Get("Paypal-Cert-Url"),
		"auth_algo":         r.Header.Get("Paypal-Auth-Algo"),
		"webhook_id":        p.webhookID,
		"webhook_event":     json.RawMessage(body),
	}

	var verdict struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := p.do(r.Context(), http.MethodPost, "/v1/notifications/verify-webhook-signature", verification, &verdict); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignature, err)
	}
	if verdict.VerificationStatus != "SUCCESS" {
		return nil, ErrSignature
	}

	var event struct {
		EventType string `json:"event_type"`
		Resource  struct {
			ID       string `json:"id"`
			CustomID string `json:"custom_id"`
			Status   string `json:"status"`
		} `json:"resource"`
	}
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("decode webhook event: %w", err)
	}

	switch event.EventType {
	case "PAYMENT.CAPTURE.COMPLETED":
		return &Event{
			OrderID:     event.Resource.CustomID,
			ProviderRef: event.Resource.ID,
			Outcome:     OutcomePaid,
			Type:        event.EventType,
		}, nil
	case "PAYMENT.CAPTURE.DENIED", "PAYMENT.CAPTURE.DECLINED":
		return &Event{
			OrderID:     event.Resource.CustomID,
			ProviderRef: event.Resource.ID,
			Outcome:     OutcomeFailed,
			Type:        event.EventType,
		}, nil
	}

	return nil, nil
}
