package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"keynote/internal/money"
	"keynote/internal/notify"
	"keynote/internal/payment"
)

var (
	ErrValidation            = errors.New("validation failed")
	ErrOrderNotFound         = errors.New("order not found")
	ErrTierNotFound          = errors.New("ticket tier not found")
	ErrRegistrationNotFound  = errors.New("registration not found")
	ErrCouponNotFound        = errors.New("coupon not found")
	ErrSaleClosed            = errors.New("ticket sales are closed for this tier")
	ErrExceedsMaxPerPurchase = errors.New("seat count exceeds the per-purchase limit")
	ErrInsufficientSeats     = errors.New("not enough seats remaining")
	ErrAlreadyRefunded       = errors.New("order already refunded")
	ErrNotPaid               = errors.New("order is not paid")
	ErrNotPending            = errors.New("order is no longer pending")
	ErrUnsupportedMethod     = errors.New("unsupported payment method")
	ErrProvider              = errors.New("payment provider error")
	ErrDownloadExpired       = errors.New("download link has expired")
)

// Repository is the persistence contract for the order ledger. All
// compare-and-swap semantics (first paid transition, conditional seat
// increments) live behind it so the state machine is enforced by the
// store, not by in-process locks.
type Repository interface {
	// CreateOrder inserts a new order row.
	CreateOrder(ctx context.Context, o *Order) error
	// CreateEventOrder reserves seats on the order's tier and inserts
	// the order in one all-or-nothing transaction.
	CreateEventOrder(ctx context.Context, o *Order, seats int) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	GetOrderByProviderRef(ctx context.Context, ref string) (*Order, error)
	GetOrderBySubscription(ctx context.Context, subscriptionID string) (*Order, error)
	GetOrderByDownloadToken(ctx context.Context, token string) (*Order, error)
	SetProviderRef(ctx context.Context, id, ref string) error
	// MarkPaid performs the pending->paid transition. It reports
	// whether this call made the transition: replays on an already-paid
	// order return (false, nil). The outbox payload is written in the
	// same transaction, only on the first transition.
	MarkPaid(ctx context.Context, id, providerRef, subscriptionID string, outboxPayload []byte) (bool, error)
	// MarkFailed performs pending->failed; ErrNotPending otherwise.
	MarkFailed(ctx context.Context, id string) error
	// MarkRefunded performs paid->refunded, reporting whether this call
	// won the transition.
	MarkRefunded(ctx context.Context, id string, at time.Time, outboxPayload []byte) (bool, error)
	GetTier(ctx context.Context, id string) (*TicketTier, error)
	ReleaseSeats(ctx context.Context, tierID string, seats int) error
	GetRegistration(ctx context.Context, id string) (*Registration, error)
	GetRegistrationByOrder(ctx context.Context, orderID string) (*Registration, error)
	GetCoupon(ctx context.Context, code string) (*money.Coupon, error)
	IncrementCouponUse(ctx context.Context, code string) error
}

// Fulfiller reacts to the first paid transition of an order.
type Fulfiller interface {
	OnPaid(ctx context.Context, o *Order)
}

// Notifier sends customer emails through the idempotent email log.
type Notifier interface {
	Send(ctx context.Context, typ notify.Type, orderID, recipient, subject, html string) error
}

// StatusListener receives order status changes, e.g. for the live
// checkout-status websocket.
type StatusListener interface {
	OrderUpdated(orderID, status string)
}

// SubscriptionCanceler is implemented by providers that back
// installment plans with a recurring subscription.
type SubscriptionCanceler interface {
	CancelSubscription(ctx context.Context, subscriptionID string) error
}

type Service struct {
	repo        Repository
	providers   map[Method]payment.Provider
	fulfiller   Fulfiller
	notifier    Notifier
	listener    StatusListener
	downloadTTL time.Duration
	logger      *slog.Logger
}

func NewService(repo Repository, providers map[Method]payment.Provider, downloadTTL time.Duration, logger *slog.Logger) *Service {
	return &Service{
		repo:        repo,
		providers:   providers,
		downloadTTL: downloadTTL,
		logger:      logger,
	}
}

// SetFulfiller breaks the construction cycle: the fulfillment
// dispatcher needs the order model, the service needs the dispatcher.
func (s *Service) SetFulfiller(f Fulfiller) { s.fulfiller = f }

func (s *Service) SetNotifier(n Notifier) { s.notifier = n }

func (s *Service) SetStatusListener(l StatusListener) { s.listener = l }

type CheckoutRequest struct {
	Email       string          `json:"email"`
	Name        string          `json:"name"`
	Phone       string          `json:"phone"`
	ProductType ProductType     `json:"product_type"`
	ProductName string          `json:"product_name"`
	Method      Method          `json:"method"`
	PaymentType PaymentType     `json:"payment_type"`
	Currency    money.Currency  `json:"currency"`
	Amount      decimal.Decimal `json:"amount"`
	CouponCode  string          `json:"coupon_code"`
	TierID      string          `json:"tier_id"`
	Seats       int             `json:"seats"`
}

func (r *CheckoutRequest) normalize() error {
	r.Email = strings.TrimSpace(strings.ToLower(r.Email))
	r.Name = strings.TrimSpace(r.Name)
	if r.Email == "" || !strings.Contains(r.Email, "@") {
		return fmt.Errorf("%w: a valid email is required", ErrValidation)
	}
	if r.Name == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	switch r.ProductType {
	case ProductBook, ProductCoaching, ProductEvent, ProductBundle:
	default:
		return fmt.Errorf("%w: unknown product type %q", ErrValidation, r.ProductType)
	}
	switch r.Currency {
	case money.USD, money.GBP, money.KES:
	case "":
		r.Currency = money.USD
	default:
		return fmt.Errorf("%w: unsupported currency %q", ErrValidation, r.Currency)
	}
	if r.PaymentType == "" {
		r.PaymentType = PaymentOneTime
	}
	if r.Amount.IsNegative() {
		return fmt.Errorf("%w: amount must not be negative", ErrValidation)
	}
	if r.Seats < 1 {
		r.Seats = 1
	}
	return nil
}

// CheckoutEvent reserves seats and creates the pending order in one
// transaction; if the reservation fails no order exists.
func (s *Service) CheckoutEvent(ctx context.Context, req CheckoutRequest) (*Order, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}
	if req.TierID == "" {
		return nil, fmt.Errorf("%w: tier id is required", ErrValidation)
	}

	tier, err := s.repo.GetTier(ctx, req.TierID)
	if err != nil {
		return nil, err
	}
	if tier.SaleClosed {
		return nil, ErrSaleClosed
	}
	if tier.MaxPerPurchase > 0 && req.Seats > tier.MaxPerPurchase {
		return nil, ErrExceedsMaxPerPurchase
	}

	req.ProductType = ProductEvent
	amount := money.PriceFor(tier.Prices, req.Currency, req.Seats)

	o, err := s.buildOrder(ctx, req, amount)
	if err != nil {
		return nil, err
	}
	o.TierID = tier.ID

	if err := s.repo.CreateEventOrder(ctx, o, req.Seats); err != nil {
		return nil, err
	}
	s.afterCreate(ctx, o)
	return o, nil
}

// Checkout creates an order for a book, bundle or coaching purchase.
// The catalog price arrives in the request; the coupon policy and the
// free-order path are applied here.
func (s *Service) Checkout(ctx context.Context, req CheckoutRequest) (*Order, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}
	if req.ProductType == ProductEvent {
		return s.CheckoutEvent(ctx, req)
	}

	o, err := s.buildOrder(ctx, req, req.Amount)
	if err != nil {
		return nil, err
	}
	if err := s.repo.CreateOrder(ctx, o); err != nil {
		return nil, err
	}
	s.afterCreate(ctx, o)
	return o, nil
}

// RegisterManually records an admin-entered attendee as a paid order.
func (s *Service) RegisterManually(ctx context.Context, req CheckoutRequest) (*Order, error) {
	req.Method = MethodFree
	if req.ProductType == ProductEvent && req.TierID != "" {
		return s.CheckoutEvent(ctx, req)
	}
	return s.Checkout(ctx, req)
}

func (s *Service) buildOrder(ctx context.Context, req CheckoutRequest, amount decimal.Decimal) (*Order, error) {
	if req.CouponCode != "" {
		coupon, err := s.repo.GetCoupon(ctx, req.CouponCode)
		if err != nil {
			return nil, err
		}
		discount, err := money.ApplyCoupon(amount, req.Currency, string(req.ProductType), *coupon, time.Now().UTC())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		amount = amount.Sub(discount).Round(2)
		if amount.IsNegative() {
			amount = decimal.Zero
		}
	}

	now := time.Now().UTC()
	o := &Order{
		ID:          uuid.NewString(),
		Email:       req.Email,
		Name:        req.Name,
		Phone:       req.Phone,
		ProductType: req.ProductType,
		ProductName: req.ProductName,
		Amount:      amount,
		Currency:    req.Currency,
		Method:      req.Method,
		PaymentType: req.PaymentType,
		Status:      StatusPending,
		CouponCode:  strings.ToUpper(strings.TrimSpace(req.CouponCode)),
		Seats:       req.Seats,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if amount.IsZero() {
		o.Method = MethodFree
	}

	if o.ProductType == ProductBook || o.ProductType == ProductBundle {
		expiry := now.Add(s.downloadTTL)
		o.DownloadToken = uuid.NewString()
		o.DownloadExpiry = &expiry
	}
	return o, nil
}

// afterCreate settles the post-insert side effects: coupon redemption
// accounting and the immediate paid path for free orders.
func (s *Service) afterCreate(ctx context.Context, o *Order) {
	if o.CouponCode != "" {
		if err := s.repo.IncrementCouponUse(ctx, o.CouponCode); err != nil {
			s.logger.Error("increment coupon use", "coupon", o.CouponCode, "order_id", o.ID, "err", err)
		}
	}
	if o.Method == MethodFree {
		if err := s.ApplyPaymentEvent(ctx, payment.Event{OrderID: o.ID, Outcome: payment.OutcomePaid, Type: "free"}); err != nil {
			s.logger.Error("complete free order", "order_id", o.ID, "err", err)
		} else {
			o.Status = StatusPaid
		}
	}
}

// InitiatePayment asks the order's provider for a continuation handle
// (redirect URL, client secret or push-request id) and stores the
// provider reference so the later webhook can be correlated.
func (s *Service) InitiatePayment(ctx context.Context, orderID string, method Method) (*payment.Handle, error) {
	o, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status != StatusPending {
		return nil, ErrNotPending
	}

	p, ok := s.providers[method]
	if !ok {
		return nil, ErrUnsupportedMethod
	}

	handle, err := p.Initiate(ctx, payment.Charge{
		OrderID:     o.ID,
		Email:       o.Email,
		Phone:       o.Phone,
		ProductName: o.ProductName,
		Amount:      o.Amount,
		Currency:    o.Currency,
		Installment: o.PaymentType == PaymentInstallment,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}

	if handle.ProviderRef != "" {
		if err := s.repo.SetProviderRef(ctx, o.ID, handle.ProviderRef); err != nil {
			return nil, err
		}
	}
	return handle, nil
}

// ConfirmPayment runs a provider's pull-style capture (PayPal) or
// status query (M-Pesa) and feeds the result through the same
// transition path webhooks use.
func (s *Service) ConfirmPayment(ctx context.Context, orderID string) error {
	o, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status == StatusPaid {
		return nil
	}
	if o.ProviderRef == "" {
		return fmt.Errorf("%w: payment has not been initiated", ErrValidation)
	}

	p, ok := s.providers[o.Method]
	if !ok {
		return ErrUnsupportedMethod
	}
	evt, err := p.Confirm(ctx, o.ProviderRef)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProvider, err)
	}
	if evt.OrderID == "" {
		evt.OrderID = o.ID
	}
	return s.ApplyPaymentEvent(ctx, *evt)
}

// ApplyPaymentEvent is the single entry point for canonical provider
// events, both webhook-delivered and pull-confirmed. It is safe to
// call any number of times with the same event.
func (s *Service) ApplyPaymentEvent(ctx context.Context, evt payment.Event) error {
	if evt.Outcome == payment.OutcomeInstallmentFailed {
		return s.handleInstallmentFailed(ctx, evt)
	}

	o, err := s.resolveOrder(ctx, evt)
	if err != nil {
		return err
	}

	switch evt.Outcome {
	case payment.OutcomePaid:
		payload, err := s.lifecyclePayload(o, StatusPaid)
		if err != nil {
			return err
		}
		first, err := s.repo.MarkPaid(ctx, o.ID, evt.ProviderRef, evt.SubscriptionID, payload)
		if err != nil {
			return err
		}
		if !first {
			s.logger.Info("duplicate payment confirmation ignored", "order_id", o.ID, "provider_event", evt.Type)
			return nil
		}
		o.Status = StatusPaid
		if evt.ProviderRef != "" {
			o.ProviderRef = evt.ProviderRef
		}
		if evt.SubscriptionID != "" {
			o.SubscriptionID = evt.SubscriptionID
		}
		s.handlePaid(ctx, o)
		return nil

	case payment.OutcomeFailed:
		if err := s.repo.MarkFailed(ctx, o.ID); err != nil {
			if errors.Is(err, ErrNotPending) {
				s.logger.Info("failure event for settled order ignored", "order_id", o.ID, "status", o.Status)
				return nil
			}
			return err
		}
		s.notifyStatus(o.ID, StatusFailed)
		return nil

	default:
		return fmt.Errorf("unknown payment outcome %q", evt.Outcome)
	}
}

func (s *Service) resolveOrder(ctx context.Context, evt payment.Event) (*Order, error) {
	if evt.OrderID != "" {
		return s.repo.GetOrder(ctx, evt.OrderID)
	}
	if evt.CorrelationRef != "" {
		return s.repo.GetOrderByProviderRef(ctx, evt.CorrelationRef)
	}
	return nil, ErrOrderNotFound
}

func (s *Service) handleInstallmentFailed(ctx context.Context, evt payment.Event) error {
	if evt.SubscriptionID == "" {
		return ErrOrderNotFound
	}
	o, err := s.repo.GetOrderBySubscription(ctx, evt.SubscriptionID)
	if err != nil {
		return err
	}
	if s.notifier != nil {
		subject := "Payment failed for your installment plan"
		body := fmt.Sprintf("<p>Hi %s,</p><p>The latest installment for <strong>%s</strong> could not be charged. Please update your payment details to keep your plan active.</p>", o.Name, o.ProductName)
		if err := s.notifier.Send(ctx, notify.TypeInstallmentFailed, o.ID, o.Email, subject, body); err != nil {
			s.logger.Error("send installment-failed email", "order_id", o.ID, "err", err)
		}
	}
	return nil
}

func (s *Service) handlePaid(ctx context.Context, o *Order) {
	if s.fulfiller != nil {
		s.fulfiller.OnPaid(ctx, o)
	}
	s.notifyStatus(o.ID, StatusPaid)
}

func (s *Service) notifyStatus(orderID string, status Status) {
	if s.listener != nil {
		s.listener.OrderUpdated(orderID, string(status))
	}
}

// Refund reverses a paid order: provider refund, paid->refunded CAS,
// seat release, installment cancellation and a best-effort refund
// email. Concurrent refunds race on the CAS; the loser gets
// ErrAlreadyRefunded.
func (s *Service) Refund(ctx context.Context, orderID string) error {
	o, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	switch o.Status {
	case StatusRefunded:
		return ErrAlreadyRefunded
	case StatusPaid:
	default:
		return ErrNotPaid
	}

	provider := s.providers[o.Method]
	if o.Method != MethodFree {
		if provider == nil {
			return ErrUnsupportedMethod
		}
		// Re-read just before touching the provider: a concurrent refund
		// may have won since the initial read. The CAS below is the
		// authority; this check keeps the loser away from the provider.
		fresh, err := s.repo.GetOrder(ctx, o.ID)
		if err != nil {
			return err
		}
		switch fresh.Status {
		case StatusPaid:
		case StatusRefunded:
			return ErrAlreadyRefunded
		default:
			return ErrNotPaid
		}
		if err := provider.Refund(ctx, o.ProviderRef, o.Amount, o.Currency); err != nil {
			return fmt.Errorf("%w: %v", ErrProvider, err)
		}
	}

	payload, err := s.lifecyclePayload(o, StatusRefunded)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	won, err := s.repo.MarkRefunded(ctx, o.ID, now, payload)
	if err != nil {
		return err
	}
	if !won {
		return ErrAlreadyRefunded
	}

	if o.TierID != "" {
		seats := o.Seats
		if reg, err := s.repo.GetRegistrationByOrder(ctx, o.ID); err == nil {
			seats = reg.Seats
		}
		if err := s.repo.ReleaseSeats(ctx, o.TierID, seats); err != nil {
			s.logger.Error("release seats after refund", "order_id", o.ID, "tier_id", o.TierID, "err", err)
		}
	}

	if o.SubscriptionID != "" {
		if canceler, ok := provider.(SubscriptionCanceler); ok {
			if err := canceler.CancelSubscription(ctx, o.SubscriptionID); err != nil {
				s.logger.Error("cancel installment subscription", "order_id", o.ID, "subscription_id", o.SubscriptionID, "err", err)
			}
		}
	}

	if s.notifier != nil {
		subject := fmt.Sprintf("Your refund for %s", o.ProductName)
		body := fmt.Sprintf("<p>Hi %s,</p><p>Your payment of %s %s for <strong>%s</strong> has been refunded. Depending on your payment method it can take a few days to appear.</p>", o.Name, o.Currency, o.Amount.StringFixed(2), o.ProductName)
		if err := s.notifier.Send(ctx, notify.TypeRefund, o.ID, o.Email, subject, body); err != nil {
			s.logger.Error("send refund email", "order_id", o.ID, "err", err)
		}
	}

	s.notifyStatus(o.ID, StatusRefunded)
	return nil
}

func (s *Service) lifecyclePayload(o *Order, status Status) ([]byte, error) {
	evt := LifecycleEvent{
		EventID:    uuid.NewString(),
		OrderID:    o.ID,
		Status:     string(status),
		Amount:     o.Amount.StringFixed(2),
		Currency:   string(o.Currency),
		OccurredAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("marshal lifecycle event: %w", err)
	}
	return payload, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.repo.GetOrder(ctx, id)
}

func (s *Service) GetRegistration(ctx context.Context, id string) (*Registration, error) {
	return s.repo.GetRegistration(ctx, id)
}

// RedeemDownload resolves a download token: valid only while the
// order is paid and the token unexpired.
func (s *Service) RedeemDownload(ctx context.Context, token string) (*Order, error) {
	o, err := s.repo.GetOrderByDownloadToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if o.Status != StatusPaid {
		return nil, ErrNotPaid
	}
	if o.DownloadExpiry == nil || time.Now().After(*o.DownloadExpiry) {
		return nil, ErrDownloadExpired
	}
	return o, nil
}
