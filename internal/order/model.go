package order

import (
	"time"

	"github.com/shopspring/decimal"

	"keynote/internal/money"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusPaid     Status = "paid"
	StatusFailed   Status = "failed"
	StatusRefunded Status = "refunded"
)

type ProductType string

const (
	ProductBook     ProductType = "book"
	ProductCoaching ProductType = "coaching"
	ProductEvent    ProductType = "event"
	ProductBundle   ProductType = "bundle"
)

type Method string

const (
	MethodStripe   Method = "stripe"
	MethodPayPal   Method = "paypal"
	MethodMpesa    Method = "mpesa"
	MethodIntaSend Method = "intasend"
	MethodFree     Method = "free"
)

type PaymentType string

const (
	PaymentOneTime     PaymentType = "one_time"
	PaymentInstallment PaymentType = "installment"
)

// Order is the authoritative record of one purchase attempt. Orders
// are never deleted; status only moves forward through the state
// machine (pending -> paid -> refunded, pending -> failed).
type Order struct {
	ID             string          `json:"id"`
	Email          string          `json:"email"`
	Name           string          `json:"name"`
	Phone          string          `json:"phone,omitempty"`
	ProductType    ProductType     `json:"product_type"`
	ProductName    string          `json:"product_name"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       money.Currency  `json:"currency"`
	Method         Method          `json:"method"`
	PaymentType    PaymentType     `json:"payment_type"`
	Status         Status          `json:"status"`
	ProviderRef    string          `json:"provider_ref,omitempty"`
	SubscriptionID string          `json:"subscription_id,omitempty"`
	DownloadToken  string          `json:"download_token,omitempty"`
	DownloadExpiry *time.Time      `json:"download_expiry,omitempty"`
	CouponCode     string          `json:"coupon_code,omitempty"`
	TierID         string          `json:"tier_id,omitempty"`
	Seats          int             `json:"seats"`
	RefundedAt     *time.Time      `json:"refunded_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// TicketTier is a priced seating category for an event.
// Quantity 0 means unlimited capacity.
type TicketTier struct {
	ID             string           `json:"id"`
	EventID        string           `json:"event_id"`
	Name           string           `json:"name"`
	Prices         money.TierPrices `json:"prices"`
	Quantity       int              `json:"quantity"`
	Sold           int              `json:"sold"`
	MaxPerPurchase int              `json:"max_per_purchase"`
	SaleClosed     bool             `json:"sale_closed"`
	Position       int              `json:"position"`
}

// Registration links one paid order to an event and tier. At most one
// registration exists per order.
type Registration struct {
	ID           string     `json:"id"`
	OrderID      string     `json:"order_id"`
	EventID      string     `json:"event_id"`
	TierID       string     `json:"tier_id"`
	Seats        int        `json:"seats"`
	ReminderSent bool       `json:"reminder_sent"`
	ReminderAt   *time.Time `json:"reminder_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

type Event struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	MeetingLink string `json:"meeting_link,omitempty"`
}

type Session struct {
	ID       string    `json:"id"`
	EventID  string    `json:"event_id"`
	Title    string    `json:"title"`
	StartsAt time.Time `json:"starts_at"`
}

// LifecycleEvent is the outbox payload published on paid/refunded
// transitions.
type LifecycleEvent struct {
	EventID    string    `json:"event_id"`
	OrderID    string    `json:"order_id"`
	Status     string    `json:"status"`
	Amount     string    `json:"amount"`
	Currency   string    `json:"currency"`
	OccurredAt time.Time `json:"occurred_at"`
}

const (
	EventOrderPaid     = "orders.paid"
	EventOrderRefunded = "orders.refunded"
)
