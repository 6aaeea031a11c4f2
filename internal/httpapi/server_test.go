package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keynote/internal/money"
	"keynote/internal/order"
	"keynote/internal/payment"
)

// stubRepo carries only the calls the handlers under test reach;
// anything else panics through the embedded nil interface.
type stubRepo struct {
	order.Repository
	mu     sync.Mutex
	orders map[string]*order.Order
}

func (r *stubRepo) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (r *stubRepo) MarkPaid(ctx context.Context, id, providerRef, subscriptionID string, outboxPayload []byte) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return false, order.ErrOrderNotFound
	}
	if o.Status != order.StatusPending {
		return false, nil
	}
	o.Status = order.StatusPaid
	return true, nil
}

type scriptedProvider struct {
	name string
	evt  *payment.Event
	err  error
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Initiate(ctx context.Context, c payment.Charge) (*payment.Handle, error) {
	return &payment.Handle{RedirectURL: "https://pay.example/x"}, nil
}

func (p *scriptedProvider) Confirm(ctx context.Context, providerRef string) (*payment.Event, error) {
	return nil, payment.ErrPullConfirmUnsupported
}

func (p *scriptedProvider) Refund(ctx context.Context, providerRef string, amount decimal.Decimal, currency money.Currency) error {
	return nil
}

func (p *scriptedProvider) ParseWebhook(r *http.Request, body []byte) (*payment.Event, error) {
	return p.evt, p.err
}

func newTestServer(repo *stubRepo, providers map[order.Method]payment.Provider) *Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := order.NewService(repo, providers, time.Hour, logger)
	return NewServer(svc, nil, providers, nil, "test-admin-secret", logger)
}

func TestWebhookUnknownProvider(t *testing.T) {
	srv := newTestServer(&stubRepo{orders: map[string]*order.Order{}}, map[order.Method]payment.Provider{})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookSignatureRejected(t *testing.T) {
	providers := map[order.Method]payment.Provider{
		order.MethodStripe: &scriptedProvider{name: "stripe", err: payment.ErrSignature},
	}
	srv := newTestServer(&stubRepo{orders: map[string]*order.Order{}}, providers)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookIrrelevantEventAcknowledged(t *testing.T) {
	providers := map[order.Method]payment.Provider{
		order.MethodStripe: &scriptedProvider{name: "stripe"},
	}
	srv := newTestServer(&stubRepo{orders: map[string]*order.Order{}}, providers)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookPaidEventMarksOrder(t *testing.T) {
	repo := &stubRepo{orders: map[string]*order.Order{
		"o1": {ID: "o1", Status: order.StatusPending, Method: order.MethodStripe},
	}}
	providers := map[order.Method]payment.Provider{
		order.MethodStripe: &scriptedProvider{
			name: "stripe",
			evt:  &payment.Event{OrderID: "o1", Outcome: payment.OutcomePaid, Type: "checkout.session.completed"},
		},
	}
	srv := newTestServer(repo, providers)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, order.StatusPaid, repo.orders["o1"].Status)
}

func TestWebhookMpesaAckShape(t *testing.T) {
	providers := map[order.Method]payment.Provider{
		order.MethodMpesa: &scriptedProvider{name: "mpesa"},
	}
	srv := newTestServer(&stubRepo{orders: map[string]*order.Order{}}, providers)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/mpesa", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 0, body["ResultCode"])
}

func TestAdminAuth(t *testing.T) {
	repo := &stubRepo{orders: map[string]*order.Order{}}
	srv := newTestServer(repo, map[order.Method]payment.Provider{})

	// Wrong password.
	req := httptest.NewRequest(http.MethodPost, "/admin/login", bytes.NewReader([]byte(`{"password":"nope"}`)))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Correct password yields a token.
	req = httptest.NewRequest(http.MethodPost, "/admin/login", bytes.NewReader([]byte(`{"password":"test-admin-secret"}`)))
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	token := resp["token"]
	require.NotEmpty(t, token)

	// Protected route without a token.
	req = httptest.NewRequest(http.MethodPost, "/admin/orders/missing/refund", nil)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// With the token the request reaches the handler; the unknown order
	// answers 404, not 401.
	req = httptest.NewRequest(http.MethodPost, "/admin/orders/missing/refund", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// A token signed with another secret is rejected.
	req = httptest.NewRequest(http.MethodPost, "/admin/orders/missing/refund", nil)
	req.Header.Set("Authorization", "Bearer "+token+"tampered")
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
