package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"keynote/internal/order"
)

// CreateRegistration inserts a registration unless one already exists
// for the order. It reports whether this call created the row; a
// conflict on order_id is the replayed-fulfillment case, not an error.
func (s *Store) CreateRegistration(ctx context.Context, reg *order.Registration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO registrations (id, order_id, event_id, tier_id, seats)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (order_id) DO NOTHING`,
		reg.ID, reg.OrderID, reg.EventID, nullIfEmpty(reg.TierID), reg.Seats,
	)
	if err != nil {
		return false, fmt.Errorf("create registration: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) GetRegistration(ctx context.Context, id string) (*order.Registration, error) {
	return s.getRegistrationWhere(ctx, `id = $1`, id)
}

func (s *Store) GetRegistrationByOrder(ctx context.Context, orderID string) (*order.Registration, error) {
	return s.getRegistrationWhere(ctx, `order_id = $1`, orderID)
}

func (s *Store) getRegistrationWhere(ctx context.Context, where string, arg any) (*order.Registration, error) {
	var r order.Registration
	var tierID *string
	err := s.pool.QueryRow(ctx, `
		SELECT id, order_id, event_id, tier_id, seats, reminder_sent, reminder_at, created_at
		FROM registrations
		WHERE `+where, arg,
	).Scan(&r.ID, &r.OrderID, &r.EventID, &tierID, &r.Seats, &r.ReminderSent, &r.ReminderAt, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrRegistrationNotFound
		}
		return nil, fmt.Errorf("get registration: %w", err)
	}
	if tierID != nil {
		r.TierID = *tierID
	}
	return &r, nil
}

// GetEventForTier resolves the event a tier belongs to, with its
// sessions in start order.
func (s *Store) GetEventForTier(ctx context.Context, tierID string) (*order.Event, []order.Session, error) {
	var evt order.Event
	var meetingLink *string
	err := s.pool.QueryRow(ctx, `
		SELECT e.id, e.title, e.meeting_link
		FROM events e
		JOIN ticket_tiers t ON t.event_id = e.id
		WHERE t.id = $1`,
		tierID,
	).Scan(&evt.ID, &evt.Title, &meetingLink)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, order.ErrTierNotFound
		}
		return nil, nil, fmt.Errorf("get event for tier: %w", err)
	}
	if meetingLink != nil {
		evt.MeetingLink = *meetingLink
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, event_id, title, starts_at
		FROM event_sessions
		WHERE event_id = $1
		ORDER BY starts_at`,
		evt.ID,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("get event sessions: %w", err)
	}
	defer rows.Close()

	var sessions []order.Session
	for rows.Next() {
		var sess order.Session
		if err := rows.Scan(&sess.ID, &sess.EventID, &sess.Title, &sess.StartsAt); err != nil {
			return nil, nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return &evt, sessions, nil
}
