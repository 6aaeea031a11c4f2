// Package money holds the pricing and coupon policy. Everything here is
// pure computation over decimal amounts; storage and providers live
// elsewhere.
package money

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Currency string

const (
	USD Currency = "USD"
	GBP Currency = "GBP"
	KES Currency = "KES"
)

type CouponType string

const (
	CouponPercent  CouponType = "percent"
	CouponFixedUSD CouponType = "fixed_usd"
	CouponFixedKES CouponType = "fixed_kes"
)

var (
	ErrCouponInactive     = errors.New("coupon is not active")
	ErrCouponExpired      = errors.New("coupon has expired")
	ErrCouponExhausted    = errors.New("coupon redemption limit reached")
	ErrCouponWrongProduct = errors.New("coupon does not apply to this product")
	ErrCouponMinAmount    = errors.New("order amount below coupon minimum")
)

type Coupon struct {
	Code        string
	Type        CouponType
	Value       decimal.Decimal
	MinAmount   decimal.Decimal // zero means no minimum
	MaxUses     int             // 0 means unlimited
	Used        int
	ProductType string // empty means any product
	ExpiresAt   *time.Time
	Active      bool
}

// TierPrices is the per-currency price list of a ticket tier.
type TierPrices struct {
	USD decimal.Decimal
	GBP decimal.Decimal
	KES decimal.Decimal
}

// Price returns the tier price in the given currency. Unknown
// currencies fall back to USD pricing.
func (p TierPrices) Price(currency Currency) decimal.Decimal {
	switch currency {
	case GBP:
		return p.GBP
	case KES:
		return p.KES
	default:
		return p.USD
	}
}

// PriceFor computes the charge amount for seatCount seats of a tier.
func PriceFor(prices TierPrices, currency Currency, seatCount int) decimal.Decimal {
	if seatCount < 1 {
		seatCount = 1
	}
	return prices.Price(currency).Mul(decimal.NewFromInt(int64(seatCount))).Round(2)
}

// ApplyCoupon validates the coupon against the order and returns the
// discount to subtract from amount, rounded to two decimal places.
//
// Fixed-amount coupons are currency-bound: a fixed_kes coupon applied
// to a USD order yields a zero discount rather than a converted one.
// That asymmetry is deliberate and load-bearing for existing coupons.
func ApplyCoupon(amount decimal.Decimal, currency Currency, productType string, c Coupon, now time.Time) (decimal.Decimal, error) {
	if !c.Active {
		return decimal.Zero, ErrCouponInactive
	}
	if c.ExpiresAt != nil && now.After(*c.ExpiresAt) {
		return decimal.Zero, ErrCouponExpired
	}
	if c.MaxUses > 0 && c.Used >= c.MaxUses {
		return decimal.Zero, ErrCouponExhausted
	}
	if c.ProductType != "" && !strings.EqualFold(c.ProductType, productType) {
		return decimal.Zero, ErrCouponWrongProduct
	}
	if c.MinAmount.IsPositive() && amount.Cmp(c.MinAmount) < 0 {
		return decimal.Zero, ErrCouponMinAmount
	}

	switch c.Type {
	case CouponPercent:
		return amount.Mul(c.Value).Div(decimal.NewFromInt(100)).Round(2), nil
	case CouponFixedUSD:
		if currency != USD {
			return decimal.Zero, nil
		}
		return decimal.Min(c.Value, amount).Round(2), nil
	case CouponFixedKES:
		if currency != KES {
			return decimal.Zero, nil
		}
		return decimal.Min(c.Value, amount).Round(2), nil
	default:
		return decimal.Zero, fmt.Errorf("unknown coupon type %q", c.Type)
	}
}

// MinorUnits converts an amount to the smallest currency unit, as
// expected by Stripe line items. USD, GBP and KES are all two-decimal
// currencies.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}
