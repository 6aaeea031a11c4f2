package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"keynote/internal/reminder"
)

func (s *Store) DueReminders(ctx context.Context, from, to time.Time) ([]reminder.Reminder, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.id, sess.id, r.order_id, o.email, o.name, r.seats,
		       e.title, sess.title, sess.starts_at, COALESCE(e.meeting_link, '')
		FROM event_sessions sess
		JOIN events e ON e.id = sess.event_id
		JOIN registrations r ON r.event_id = sess.event_id
		JOIN orders o ON o.id = r.order_id AND o.status = 'paid'
		LEFT JOIN registration_reminders rr
		       ON rr.registration_id = r.id AND rr.session_id = sess.id
		WHERE sess.starts_at >= $1 AND sess.starts_at < $2
		  AND rr.registration_id IS NULL
		ORDER BY sess.starts_at, r.id`,
		from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("query due reminders: %w", err)
	}
	defer rows.Close()

	var due []reminder.Reminder
	for rows.Next() {
		var r reminder.Reminder
		err := rows.Scan(
			&r.RegistrationID, &r.SessionID, &r.OrderID, &r.Email, &r.Name, &r.Seats,
			&r.EventTitle, &r.SessionTitle, &r.StartsAt, &r.MeetingLink,
		)
		if err != nil {
			return nil, err
		}
		due = append(due, r)
	}
	return due, rows.Err()
}

// ClaimReminder marks the pair as reminded. The conditional insert is
// the dedup point: only the sweep that inserts the row sends the email.
func (s *Store) ClaimReminder(ctx context.Context, registrationID, sessionID string) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO registration_reminders (registration_id, session_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`,
		registrationID, sessionID,
	)
	if err != nil {
		return false, fmt.Errorf("claim reminder: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	_, err = tx.Exec(ctx, `
		UPDATE registrations
		SET reminder_sent = TRUE, reminder_at = NOW()
		WHERE id = $1`,
		registrationID,
	)
	if err != nil {
		return false, fmt.Errorf("mark registration reminded: %w", err)
	}

	return true, tx.Commit(ctx)
}
