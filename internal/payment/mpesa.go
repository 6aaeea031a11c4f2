package payment

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"keynote/internal/money"
)

// MpesaProvider drives the Daraja STK push flow: the payer gets a
// phone prompt, Daraja calls back with a result code, and the order is
// correlated by the checkout-request id issued at initiation. Daraja
// callbacks carry no signature, so the callback URL embeds a secret
// query token checked before anything else.
type MpesaProvider struct {
	consumerKey    string
	consumerSecret string
	shortcode      string
	passkey        string
	baseURL        string
	callbackURL    string
	callbackToken  string
	client         *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func NewMpesaProvider(consumerKey, consumerSecret, shortcode, passkey, apiBaseURL, siteBaseURL, callbackToken string) *MpesaProvider {
	return &MpesaProvider{
		consumerKey:    consumerKey,
		consumerSecret: consumerSecret,
		shortcode:      shortcode,
		passkey:        passkey,
		baseURL:        strings.TrimRight(apiBaseURL, "/"),
		callbackURL:    siteBaseURL + "/webhooks/mpesa?token=" + callbackToken,
		callbackToken:  callbackToken,
		client:         &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *MpesaProvider) Name() string { return "mpesa" }

func (p *MpesaProvider) token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.accessToken != "" && time.Now().Before(p.tokenExpiry) {
		return p.accessToken, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(p.consumerKey, p.consumerSecret)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("daraja token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("daraja token: unexpected status %d", resp.StatusCode)
	}

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}

	p.accessToken = out.AccessToken
	p.tokenExpiry = time.Now().Add(50 * time.Minute)
	return p.accessToken, nil
}

func (p *MpesaProvider) password(timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(p.shortcode + p.passkey + timestamp))
}

func (p *MpesaProvider) post(ctx context.Context, path string, in, out any) error {
	token, err := p.token(ctx)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("daraja %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("daraja %s: unexpected status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (p *MpesaProvider) Initiate(ctx context.Context, c Charge) (*Handle, error) {
	if c.Phone == "" {
		return nil, fmt.Errorf("mpesa payment requires a phone number")
	}

	timestamp := time.Now().Format("20060102150405")
	payload := map[string]any{
		"BusinessShortCode": p.shortcode,
		"Password":          p.password(timestamp),
		"Timestamp":         timestamp,
		"TransactionType":   "CustomerPayBillOnline",
		"Amount":            c.Amount.Round(0).IntPart(),
		"PartyA":            c.Phone,
		"PartyB":            p.shortcode,
		"PhoneNumber":       c.Phone,
		"CallBackURL":       p.callbackURL,
		"AccountReference":  c.OrderID,
		"TransactionDesc":   c.ProductName,
	}

	var out struct {
		CheckoutRequestID string `json:"CheckoutRequestID"`
		ResponseCode      string `json:"ResponseCode"`
		ResponseDesc      string `json:"ResponseDescription"`
	}
	if err := p.post(ctx, "/mpesa/stkpush/v1/processrequest", payload, &out); err != nil {
		return nil, err
	}
	if out.ResponseCode != "0" {
		return nil, fmt.Errorf("stk push rejected: %s", out.ResponseDesc)
	}

	return &Handle{ProviderRef: out.CheckoutRequestID}, nil
}

// Confirm queries the STK push status for a checkout-request id.
func (p *MpesaProvider) Confirm(ctx context.Context, providerRef string) (*Event, error) {
	timestamp := time.Now().Format("20060102150405")
	payload := map[string]any{
		"BusinessShortCode": p.shortcode,
		"Password":          p.password(timestamp),
		"Timestamp":         timestamp,
		"CheckoutRequestID": providerRef,
	}

	var out struct {
		ResultCode string `json:"ResultCode"`
		ResultDesc string `json:"ResultDesc"`
	}
	if err := p.post(ctx, "/mpesa/stkpushquery/v1/query", payload, &out); err != nil {
		return nil, err
	}

	evt := &Event{CorrelationRef: providerRef, ProviderRef: providerRef, Type: "stkpushquery"}
	if out.ResultCode == "0" {
		evt.Outcome = OutcomePaid
	} else {
		evt.Outcome = OutcomeFailed
	}
	return evt, nil
}

// Refund issues a Daraja transaction reversal. Reversals require the
// operator's initiator credentials and reference the M-Pesa receipt
// number stored as the order's provider reference.
func (p *MpesaProvider) Refund(ctx context.Context, providerRef string, amount decimal.Decimal, currency money.Currency) error {
	payload := map[string]any{
		"Initiator":              "api",
		"CommandID":              "TransactionReversal",
		"TransactionID":          providerRef,
		"Amount":                 amount.Round(0).IntPart(),
		"ReceiverParty":          p.shortcode,
		"RecieverIdentifierType": "11",
		"Remarks":                "Order refund",
	}

	var out struct {
		ResponseCode string `json:"ResponseCode"`
		ResponseDesc string `json:"ResponseDescription"`
	}
	if err := p.post(ctx, "/mpesa/reversal/v1/request", payload, &out); err != nil {
		return err
	}
	if out.ResponseCode != "0" {
		return fmt.Errorf("reversal rejected: %s", out.ResponseDesc)
	}
	return nil
}

type stkCallbackItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value"`
}

type stkCallback struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []stkCallbackItem `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

func (p *MpesaProvider) ParseWebhook(r *http.Request, body []byte) (*Event, error) {
	token := r.URL.Query().Get("token")
	if subtle.ConstantTimeCompare([]byte(token), []byte(p.callbackToken)) != 1 {
		return nil, ErrSignature
	}

	var cb stkCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, fmt.Errorf("decode stk callback: %w", err)
	}

	sc := cb.Body.StkCallback
	if sc.CheckoutRequestID == "" {
		return nil, nil
	}

	evt := &Event{
		CorrelationRef: sc.CheckoutRequestID,
		ProviderRef:    sc.CheckoutRequestID,
		Type:           "stkCallback",
	}
	if sc.ResultCode == 0 {
		evt.Outcome = OutcomePaid
		if receipt := metadataString(sc.CallbackMetadata.Item, "MpesaReceiptNumber"); receipt != "" {
			evt.ProviderRef = receipt
		}
	} else {
		evt.Outcome = OutcomeFailed
	}
	return evt, nil
}

func metadataString(items []stkCallbackItem, name string) string {
	for _, item := range items {
		if item.Name != name {
			continue
		}
		var s string
		if err := json.Unmarshal(item.Value, &s); err == nil {
			return s
		}
	}
	return ""
}
