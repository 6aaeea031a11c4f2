package payment

import (
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIntaSend() *IntaSendProvider {
	return NewIntaSendProvider("sk", "pk", "hook-challenge", "https://payment.intasend.com", "https://example.com")
}

func intasendBody(state, challenge string) string {
	return fmt.Sprintf(`{"invoice_id":"INV-001","state":%q,"api_ref":"order-123","value":"6500.00","challenge":%q}`, state, challenge)
}

func TestIntaSendParseWebhookComplete(t *testing.T) {
	p := newTestIntaSend()
	body := intasendBody("COMPLETE", "hook-challenge")
	r := httptest.NewRequest("POST", "/webhooks/intasend", strings.NewReader(body))

	evt, err := p.ParseWebhook(r, []byte(body))
	require.NoError(t, err)
	require.NotNil(t, evt)

	assert.Equal(t, OutcomePaid, evt.Outcome)
	assert.Equal(t, "order-123", evt.OrderID)
	assert.Equal(t, "INV-001", evt.ProviderRef)
}

func TestIntaSendParseWebhookStates(t *testing.T) {
	p := newTestIntaSend()

	for state, want := range map[string]Outcome{
		"SUCCESSFUL": OutcomePaid,
		"FAILED":     OutcomeFailed,
	} {
		body := intasendBody(state, "hook-challenge")
		r := httptest.NewRequest("POST", "/webhooks/intasend", strings.NewReader(body))

		evt, err := p.ParseWebhook(r, []byte(body))
		require.NoError(t, err, state)
		require.NotNil(t, evt, state)
		assert.Equal(t, want, evt.Outcome, state)
	}
}

func TestIntaSendParseWebhookIgnoresPending(t *testing.T) {
	p := newTestIntaSend()
	body := intasendBody("PENDING", "hook-challenge")
	r := httptest.NewRequest("POST", "/webhooks/intasend", strings.NewReader(body))

	evt, err := p.ParseWebhook(r, []byte(body))
	require.NoError(t, err)
	assert.Nil(t, evt)
}

func TestIntaSendParseWebhookRejectsBadChallenge(t *testing.T) {
	p := newTestIntaSend()
	body := intasendBody("COMPLETE", "guess")
	r := httptest.NewRequest("POST", "/webhooks/intasend", strings.NewReader(body))

	_, err := p.ParseWebhook(r, []byte(body))
	assert.ErrorIs(t, err, ErrSignature)
}
