package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"keynote/internal/order"
)

func (s *Store) GetTier(ctx context.Context, id string) (*order.TicketTier, error) {
	var t order.TicketTier
	err := s.pool.QueryRow(ctx, `
		SELECT id, event_id, name, price_usd, price_gbp, price_kes,
		       quantity, sold, max_per_purchase, sale_closed, position
		FROM ticket_tiers
		WHERE id = $1`,
		id,
	).Scan(
		&t.ID, &t.EventID, &t.Name, &t.Prices.USD, &t.Prices.GBP, &t.Prices.KES,
		&t.Quantity, &t.Sold, &t.MaxPerPurchase, &t.SaleClosed, &t.Position,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrTierNotFound
		}
		return nil, fmt.Errorf("get tier: %w", err)
	}
	return &t, nil
}
