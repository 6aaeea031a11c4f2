package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"keynote/internal/order"
)

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const orderColumns = `id, email, name, phone, product_type, product_name, amount, currency,
	method, payment_type, status, provider_ref, subscription_id,
	download_token, download_expiry, coupon_code, tier_id, seats,
	refunded_at, created_at, updated_at`

func (s *Store) CreateOrder(ctx context.Context, o *order.Order) error {
	return s.insertOrder(ctx, s.pool, o)
}

// CreateEventOrder reserves seats and inserts the pending order in one
// transaction: a failed reservation leaves no order behind.
func (s *Store) CreateEventOrder(ctx context.Context, o *order.Order, seats int) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := reserveSeats(ctx, tx, o.TierID, seats); err != nil {
		return err
	}
	if err := s.insertOrder(ctx, tx, o); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *Store) insertOrder(ctx context.Context, db execer, o *order.Order) error {
	_, err := db.Exec(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		o.ID, o.Email, o.Name, o.Phone, o.ProductType, o.ProductName, o.Amount, o.Currency,
		o.Method, o.PaymentType, o.Status, o.ProviderRef, o.SubscriptionID,
		nullIfEmpty(o.DownloadToken), o.DownloadExpiry, o.CouponCode, nullIfEmpty(o.TierID), o.Seats,
		o.RefundedAt, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// reserveSeats performs the guarded seat increment. The capacity check
// and the increment are one conditional UPDATE verified by the
// affected-row count, so two reservations racing for the last seats
// cannot both pass.
func reserveSeats(ctx context.Context, tx pgx.Tx, tierID string, seats int) error {
	var quantity int
	var saleClosed bool
	err := tx.QueryRow(ctx, `
		SELECT quantity, sale_closed FROM ticket_tiers WHERE id = $1`,
		tierID,
	).Scan(&quantity, &saleClosed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return order.ErrTierNotFound
		}
		return fmt.Errorf("read tier: %w", err)
	}
	if saleClosed {
		return order.ErrSaleClosed
	}
	if quantity == 0 {
		// Unlimited capacity, nothing to reserve.
		return nil
	}

	tag, err := tx.Exec(ctx, `
		UPDATE ticket_tiers
		SET sold = sold + $2,
		    sale_closed = sale_closed OR sold + $2 >= quantity
		WHERE id = $1 AND NOT sale_closed AND sold + $2 <= quantity`,
		tierID, seats,
	)
	if err != nil {
		return fmt.Errorf("reserve seats: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var nowClosed bool
		if err := tx.QueryRow(ctx, `SELECT sale_closed FROM ticket_tiers WHERE id = $1`, tierID).Scan(&nowClosed); err == nil && nowClosed {
			return order.ErrSaleClosed
		}
		return order.ErrInsufficientSeats
	}
	return nil
}

// ReleaseSeats returns seats to a tier, clamped at zero. A manually
// closed sale stays closed.
func (s *Store) ReleaseSeats(ctx context.Context, tierID string, seats int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE ticket_tiers
		SET sold = GREATEST(sold - $2, 0)
		WHERE id = $1`,
		tierID, seats,
	)
	if err != nil {
		return fmt.Errorf("release seats: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrTierNotFound
	}
	return nil
}

// MarkPaid is the pending->paid compare-and-swap. Only the call that
// flips the row reports first=true; replayed confirmations see an
// already-paid order and report (false, nil). The lifecycle outbox row
// is written in the same transaction, only on the first transition.
func (s *Store) MarkPaid(ctx context.Context, id, providerRef, subscriptionID string, outboxPayload []byte) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE orders
		SET status = 'paid',
		    provider_ref = CASE WHEN $2 <> '' THEN $2 ELSE provider_ref END,
		    subscription_id = CASE WHEN $3 <> '' THEN $3 ELSE subscription_id END,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`,
		id, providerRef, subscriptionID,
	)
	if err != nil {
		return false, fmt.Errorf("mark paid: %w", err)
	}

	if tag.RowsAffected() == 0 {
		var status order.Status
		err := tx.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1`, id).Scan(&status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return false, order.ErrOrderNotFound
			}
			return false, fmt.Errorf("read order status: %w", err)
		}
		if status == order.StatusPaid {
			return false, nil
		}
		return false, order.ErrNotPending
	}

	if err := insertOutbox(ctx, tx, order.EventOrderPaid, outboxPayload); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

func (s *Store) MarkFailed(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE orders
		SET status = 'failed', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`,
		id,
	)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("read order: %w", err)
		}
		if !exists {
			return order.ErrOrderNotFound
		}
		return order.ErrNotPending
	}
	return nil
}

// MarkRefunded is the paid->refunded compare-and-swap; concurrent
// refunds race on it and exactly one wins.
func (s *Store) MarkRefunded(ctx context.Context, id string, at time.Time, outboxPayload []byte) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE orders
		SET status = 'refunded', refunded_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'paid'`,
		id, at,
	)
	if err != nil {
		return false, fmt.Errorf("mark refunded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&exists); err != nil {
			return false, fmt.Errorf("read order: %w", err)
		}
		if !exists {
			return false, order.ErrOrderNotFound
		}
		return false, nil
	}

	if err := insertOutbox(ctx, tx, order.EventOrderRefunded, outboxPayload); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

func insertOutbox(ctx context.Context, tx pgx.Tx, eventType string, payload []byte) error {
	if payload == nil {
		return nil
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO order_outbox (event_id, event_type, payload)
		VALUES ($1, $2, $3)`,
		uuid.NewString(), eventType, payload,
	)
	if err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	return s.getOrderWhere(ctx, `id = $1`, id)
}

func (s *Store) GetOrderByProviderRef(ctx context.Context, ref string) (*order.Order, error) {
	if ref == "" {
		return nil, order.ErrOrderNotFound
	}
	return s.getOrderWhere(ctx, `provider_ref = $1`, ref)
}

func (s *Store) GetOrderBySubscription(ctx context.Context, subscriptionID string) (*order.Order, error) {
	if subscriptionID == "" {
		return nil, order.ErrOrderNotFound
	}
	return s.getOrderWhere(ctx, `subscription_id = $1`, subscriptionID)
}

func (s *Store) GetOrderByDownloadToken(ctx context.Context, token string) (*order.Order, error) {
	if token == "" {
		return nil, order.ErrOrderNotFound
	}
	return s.getOrderWhere(ctx, `download_token = $1`, token)
}

func (s *Store) SetProviderRef(ctx context.Context, id, ref string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE orders SET provider_ref = $2, updated_at = NOW() WHERE id = $1`,
		id, ref,
	)
	if err != nil {
		return fmt.Errorf("set provider ref: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrOrderNotFound
	}
	return nil
}

func (s *Store) getOrderWhere(ctx context.Context, where string, arg any) (*order.Order, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE `+where+`
		ORDER BY created_at DESC
		LIMIT 1`, arg,
	)

	var o order.Order
	var downloadToken, tierID *string
	err := row.Scan(
		&o.ID, &o.Email, &o.Name, &o.Phone, &o.ProductType, &o.ProductName, &o.Amount, &o.Currency,
		&o.Method, &o.PaymentType, &o.Status, &o.ProviderRef, &o.SubscriptionID,
		&downloadToken, &o.DownloadExpiry, &o.CouponCode, &tierID, &o.Seats,
		&o.RefundedAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	if downloadToken != nil {
		o.DownloadToken = *downloadToken
	}
	if tierID != nil {
		o.TierID = *tierID
	}
	return &o, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
