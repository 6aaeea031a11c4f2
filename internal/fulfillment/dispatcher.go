// Package fulfillment turns the first paid transition of an order into
// its side effects: event registrations and customer notifications.
// It runs once per order; the order ledger's transition guard keeps
// replayed webhooks away from it.
package fulfillment

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"keynote/internal/notify"
	"keynote/internal/order"
)

// Store is the persistence surface fulfillment needs. Registration
// creation is conditional: it reports false when a registration for
// the order already exists.
type Store interface {
	CreateRegistration(ctx context.Context, reg *order.Registration) (bool, error)
	GetEventForTier(ctx context.Context, tierID string) (*order.Event, []order.Session, error)
}

type Notifier interface {
	Send(ctx context.Context, typ notify.Type, orderID, recipient, subject, html string) error
	Resend(ctx context.Context, typ notify.Type, orderID, recipient, subject, html string) error
}

type Dispatcher struct {
	store         Store
	notifier      Notifier
	baseURL       string
	schedulingURL string
	logger        *slog.Logger
}

func NewDispatcher(store Store, notifier Notifier, baseURL, schedulingURL string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:         store,
		notifier:      notifier,
		baseURL:       strings.TrimRight(baseURL, "/"),
		schedulingURL: schedulingURL,
		logger:        logger,
	}
}

// OnPaid fulfills a freshly paid order. Email failures are logged and
// left for an admin resend; they never unwind the paid status or the
// registration.
func (d *Dispatcher) OnPaid(ctx context.Context, o *order.Order) {
	typ, subject, html, err := d.compose(ctx, o)
	if err != nil {
		d.logger.Error("fulfillment failed", "order_id", o.ID, "product_type", o.ProductType, "err", err)
		return
	}
	if err := d.notifier.Send(ctx, typ, o.ID, o.Email, subject, html); err != nil {
		d.logger.Error("fulfillment email failed", "order_id", o.ID, "type", typ, "err", err)
	}
}

// Resend supersedes any prior sent log for the order's fulfillment
// email and sends a fresh one.
func (d *Dispatcher) Resend(ctx context.Context, o *order.Order, typ notify.Type) error {
	wantTyp, subject, html, err := d.compose(ctx, o)
	if err != nil {
		return err
	}
	if typ == "" {
		typ = wantTyp
	}
	return d.notifier.Resend(ctx, typ, o.ID, o.Email, subject, html)
}

func (d *Dispatcher) compose(ctx context.Context, o *order.Order) (notify.Type, string, string, error) {
	switch o.ProductType {
	case order.ProductBook, order.ProductBundle:
		if o.DownloadToken != "" {
			subject, html := d.downloadEmail(o)
			return notify.TypeDownload, subject, html, nil
		}
		subject := fmt.Sprintf("Your order: %s", o.ProductName)
		html := fmt.Sprintf("<p>Hi %s,</p><p>Thank you for purchasing <strong>%s</strong>.</p>", o.Name, o.ProductName)
		return notify.TypeConfirmation, subject, html, nil

	case order.ProductCoaching:
		subject := "Your coaching session is confirmed"
		html := fmt.Sprintf(
			"<p>Hi %s,</p><p>Thank you for booking <strong>%s</strong>.</p><p><a href=%q>Pick a time that works for you</a>.</p>",
			o.Name, o.ProductName, d.schedulingURL,
		)
		return notify.TypeCoaching, subject, html, nil

	case order.ProductEvent:
		return d.fulfillEvent(ctx, o)

	default:
		return "", "", "", fmt.Errorf("no fulfillment for product type %q", o.ProductType)
	}
}

func (d *Dispatcher) downloadEmail(o *order.Order) (string, string) {
	link := fmt.Sprintf("%s/downloads/%s", d.baseURL, o.DownloadToken)
	subject := fmt.Sprintf("Your download: %s", o.ProductName)
	html := fmt.Sprintf(
		"<p>Hi %s,</p><p>Thank you for purchasing <strong>%s</strong>.</p><p><a href=%q>Download your copy here</a>.</p><p>The link expires on %s.</p>",
		o.Name, o.ProductName, link, o.DownloadExpiry.Format("2 January 2006"),
	)
	return subject, html
}

func (d *Dispatcher) fulfillEvent(ctx context.Context, o *order.Order) (notify.Type, string, string, error) {
	evt, sessions, err := d.store.GetEventForTier(ctx, o.TierID)
	if err != nil {
		return "", "", "", fmt.Errorf("lookup event for tier %s: %w", o.TierID, err)
	}

	seats := o.Seats
	if seats < 1 {
		seats = 1
	}
	reg := &order.Registration{
		ID:      uuid.NewString(),
		OrderID: o.ID,
		EventID: evt.ID,
		TierID:  o.TierID,
		Seats:   seats,
	}
	created, err := d.store.CreateRegistration(ctx, reg)
	if err != nil {
		return "", "", "", fmt.Errorf("create registration: %w", err)
	}
	if !created {
		d.logger.Info("registration already exists", "order_id", o.ID)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<p>Hi %s,</p><p>You're registered for <strong>%s</strong>", o.Name, evt.Title)
	if seats > 1 {
		fmt.Fprintf(&b, " (%d seats)", seats)
	}
	b.WriteString(".</p>")
	if len(sessions) > 0 {
		b.WriteString("<ul>")
		for _, s := range sessions {
			fmt.Fprintf(&b, "<li>%s: %s</li>", s.Title, s.StartsAt.Format("2 January 2006, 15:04 MST"))
		}
		b.WriteString("</ul>")
	}
	if evt.MeetingLink != "" {
		fmt.Fprintf(&b, "<p><a href=%q>Join link</a></p>", evt.MeetingLink)
	}

	subject := fmt.Sprintf("You're in: %s", evt.Title)
	return notify.TypeConfirmation, subject, b.String(), nil
}
