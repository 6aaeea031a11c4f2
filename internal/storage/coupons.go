package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"keynote/internal/money"
	"keynote/internal/order"
)

func (s *Store) GetCoupon(ctx context.Context, code string) (*money.Coupon, error) {
	var c money.Coupon
	err := s.pool.QueryRow(ctx, `
		SELECT code, type, value,
		       COALESCE(min_amount, 0),
		       COALESCE(max_uses, 0),
		       used,
		       COALESCE(product_type, ''),
		       expires_at,
		       active
		FROM coupons
		WHERE LOWER(code) = LOWER($1)`,
		code,
	).Scan(
		&c.Code, &c.Type, &c.Value,
		&c.MinAmount, &c.MaxUses, &c.Used, &c.ProductType,
		&c.ExpiresAt, &c.Active,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrCouponNotFound
		}
		return nil, fmt.Errorf("get coupon: %w", err)
	}
	return &c, nil
}

func (s *Store) IncrementCouponUse(ctx context.Context, code string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE coupons SET used = used + 1 WHERE LOWER(code) = LOWER($1)`,
		code,
	)
	if err != nil {
		return fmt.Errorf("increment coupon use: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrCouponNotFound
	}
	return nil
}
