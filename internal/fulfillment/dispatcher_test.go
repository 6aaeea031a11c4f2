package fulfillment

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keynote/internal/notify"
	"keynote/internal/order"
)

type fakeStore struct {
	mu       sync.Mutex
	regs     map[string]*order.Registration
	event    *order.Event
	sessions []order.Session
}

func (s *fakeStore) CreateRegistration(ctx context.Context, reg *order.Registration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.regs[reg.OrderID]; exists {
		return false, nil
	}
	cp := *reg
	s.regs[reg.OrderID] = &cp
	return true, nil
}

func (s *fakeStore) GetEventForTier(ctx context.Context, tierID string) (*order.Event, []order.Session, error) {
	if s.event == nil {
		return nil, nil, order.ErrTierNotFound
	}
	return s.event, s.sessions, nil
}

type captureNotifier struct {
	mu    sync.Mutex
	sends []sendCall
}

type sendCall struct {
	typ     notify.Type
	orderID string
	subject string
	html    string
}

func (n *captureNotifier) Send(ctx context.Context, typ notify.Type, orderID, recipient, subject, html string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sends = append(n.sends, sendCall{typ, orderID, subject, html})
	return nil
}

func (n *captureNotifier) Resend(ctx context.Context, typ notify.Type, orderID, recipient, subject, html string) error {
	return n.Send(ctx, typ, orderID, recipient, subject, html)
}

func newTestDispatcher(store *fakeStore, notifier *captureNotifier) *Dispatcher {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewDispatcher(store, notifier, "https://example.com/", "https://cal.example.com/book", logger)
}

func TestOnPaidBookSendsDownloadLink(t *testing.T) {
	store := &fakeStore{regs: map[string]*order.Registration{}}
	notifier := &captureNotifier{}
	d := newTestDispatcher(store, notifier)

	expiry := time.Now().Add(72 * time.Hour)
	d.OnPaid(context.Background(), &order.Order{
		ID:             "o1",
		Email:          "reader@example.com",
		Name:           "Reader",
		ProductType:    order.ProductBook,
		ProductName:    "The Keynote Method",
		DownloadToken:  "tok-123",
		DownloadExpiry: &expiry,
	})

	require.Len(t, notifier.sends, 1)
	call := notifier.sends[0]
	assert.Equal(t, notify.TypeDownload, call.typ)
	assert.Contains(t, call.html, "https://example.com/downloads/tok-123")
}

func TestOnPaidBundleWithoutTokenSendsConfirmation(t *testing.T) {
	store := &fakeStore{regs: map[string]*order.Registration{}}
	notifier := &captureNotifier{}
	d := newTestDispatcher(store, notifier)

	d.OnPaid(context.Background(), &order.Order{
		ID:          "o1b",
		Email:       "reader@example.com",
		Name:        "Reader",
		ProductType: order.ProductBundle,
		ProductName: "Speaker Bundle",
	})

	require.Len(t, notifier.sends, 1)
	assert.Equal(t, notify.TypeConfirmation, notifier.sends[0].typ)
	assert.Contains(t, notifier.sends[0].html, "Speaker Bundle")
}

func TestOnPaidCoachingSendsSchedulingLink(t *testing.T) {
	store := &fakeStore{regs: map[string]*order.Registration{}}
	notifier := &captureNotifier{}
	d := newTestDispatcher(store, notifier)

	d.OnPaid(context.Background(), &order.Order{
		ID:          "o2",
		Email:       "c@example.com",
		Name:        "Client",
		ProductType: order.ProductCoaching,
		ProductName: "Executive Coaching",
	})

	require.Len(t, notifier.sends, 1)
	assert.Equal(t, notify.TypeCoaching, notifier.sends[0].typ)
	assert.Contains(t, notifier.sends[0].html, "https://cal.example.com/book")
}

func TestOnPaidEventRegistersOnce(t *testing.T) {
	store := &fakeStore{
		regs:  map[string]*order.Registration{},
		event: &order.Event{ID: "e1", Title: "Annual Summit", MeetingLink: "https://meet.example.com/summit"},
		sessions: []order.Session{
			{ID: "s1", EventID: "e1", Title: "Opening", StartsAt: time.Date(2026, 4, 1, 14, 0, 0, 0, time.UTC)},
		},
	}
	notifier := &captureNotifier{}
	d := newTestDispatcher(store, notifier)

	o := &order.Order{
		ID:          "o3",
		Email:       "a@example.com",
		Name:        "Attendee",
		ProductType: order.ProductEvent,
		TierID:      "t1",
		Seats:       2,
	}
	d.OnPaid(context.Background(), o)
	d.OnPaid(context.Background(), o)

	require.Len(t, store.regs, 1)
	assert.Equal(t, 2, store.regs["o3"].Seats)

	require.Len(t, notifier.sends, 2)
	assert.Equal(t, notify.TypeConfirmation, notifier.sends[0].typ)
	assert.Contains(t, notifier.sends[0].html, "Annual Summit")
	assert.Contains(t, notifier.sends[0].html, "https://meet.example.com/summit")
	assert.Contains(t, notifier.sends[0].html, "(2 seats)")
}
