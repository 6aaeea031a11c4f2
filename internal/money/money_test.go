package money

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testPrices() TierPrices {
	return TierPrices{USD: dec("50"), GBP: dec("40"), KES: dec("6500")}
}

func TestPriceFor(t *testing.T) {
	prices := testPrices()

	assert.True(t, dec("100").Equal(PriceFor(prices, USD, 2)))
	assert.True(t, dec("40").Equal(PriceFor(prices, GBP, 1)))
	assert.True(t, dec("19500").Equal(PriceFor(prices, KES, 3)))
}

func TestPriceForUnknownCurrencyFallsBackToUSD(t *testing.T) {
	got := PriceFor(testPrices(), Currency("EUR"), 1)
	assert.True(t, dec("50").Equal(got))
}

func TestPriceForClampsSeatCount(t *testing.T) {
	got := PriceFor(testPrices(), USD, 0)
	assert.True(t, dec("50").Equal(got))
}

func TestApplyCouponPercent(t *testing.T) {
	c := Coupon{Code: "SAVE10", Type: CouponPercent, Value: dec("10"), Active: true}

	discount, err := ApplyCoupon(dec("50"), USD, "event", c, time.Now())
	require.NoError(t, err)
	assert.True(t, dec("5").Equal(discount))
}

func TestApplyCouponPercentRoundsToTwoPlaces(t *testing.T) {
	c := Coupon{Code: "ODD", Type: CouponPercent, Value: dec("33"), Active: true}

	discount, err := ApplyCoupon(dec("49.99"), USD, "book", c, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "16.50", discount.StringFixed(2))
}

func TestApplyCouponFixedCapsAtAmount(t *testing.T) {
	c := Coupon{Code: "BIG", Type: CouponFixedUSD, Value: dec("100"), Active: true}

	discount, err := ApplyCoupon(dec("30"), USD, "book", c, time.Now())
	require.NoError(t, err)
	assert.True(t, dec("30").Equal(discount))
}

func TestApplyCouponFixedCrossCurrencyYieldsZero(t *testing.T) {
	c := Coupon{Code: "KESONLY", Type: CouponFixedKES, Value: dec("500"), Active: true}

	discount, err := ApplyCoupon(dec("50"), USD, "book", c, time.Now())
	require.NoError(t, err)
	assert.True(t, discount.IsZero())
}

func TestApplyCouponRejectsExhausted(t *testing.T) {
	c := Coupon{Code: "ONCE", Type: CouponPercent, Value: dec("10"), MaxUses: 1, Used: 1, Active: true}

	_, err := ApplyCoupon(dec("50"), USD, "event", c, time.Now())
	assert.ErrorIs(t, err, ErrCouponExhausted)
}

func TestApplyCouponRejectsExpired(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	c := Coupon{Code: "OLD", Type: CouponPercent, Value: dec("10"), ExpiresAt: &past, Active: true}

	_, err := ApplyCoupon(dec("50"), USD, "event", c, time.Now())
	assert.ErrorIs(t, err, ErrCouponExpired)
}

func TestApplyCouponRejectsInactive(t *testing.T) {
	c := Coupon{Code: "OFF", Type: CouponPercent, Value: dec("10")}

	_, err := ApplyCoupon(dec("50"), USD, "event", c, time.Now())
	assert.ErrorIs(t, err, ErrCouponInactive)
}

func TestApplyCouponRejectsWrongProduct(t *testing.T) {
	c := Coupon{Code: "BOOKS", Type: CouponPercent, Value: dec("10"), ProductType: "book", Active: true}

	_, err := ApplyCoupon(dec("50"), USD, "event", c, time.Now())
	assert.ErrorIs(t, err, ErrCouponWrongProduct)
}

func TestApplyCouponRejectsBelowMinimum(t *testing.T) {
	c := Coupon{Code: "MIN100", Type: CouponPercent, Value: dec("10"), MinAmount: dec("100"), Active: true}

	_, err := ApplyCoupon(dec("50"), USD, "event", c, time.Now())
	assert.ErrorIs(t, err, ErrCouponMinAmount)
}

func TestMinorUnits(t *testing.T) {
	assert.Equal(t, int64(5000), MinorUnits(dec("50")))
	assert.Equal(t, int64(4999), MinorUnits(dec("49.99")))
}
