package storage

import (
	"context"
	"fmt"

	"keynote/internal/notify"
)

func (s *Store) HasSent(ctx context.Context, typ notify.Type, orderID string) (bool, error) {
	var sent bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM email_logs
			WHERE order_id = $1 AND type = $2 AND status = 'sent'
		)`,
		orderID, typ,
	).Scan(&sent)
	if err != nil {
		return false, fmt.Errorf("check email log: %w", err)
	}
	return sent, nil
}

func (s *Store) InsertLog(ctx context.Context, entry *notify.EmailLog) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO email_logs (id, type, order_id, recipient, status, message_id, error_text, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ID, entry.Type, entry.OrderID, entry.Recipient, entry.Status,
		entry.MessageID, entry.Error, entry.CreatedAt, entry.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert email log: %w", err)
	}
	return nil
}

func (s *Store) UpdateLog(ctx context.Context, id string, status notify.LogStatus, messageID, errText string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE email_logs
		SET status = $2, message_id = $3, error_text = $4, updated_at = NOW()
		WHERE id = $1`,
		id, status, messageID, errText,
	)
	if err != nil {
		return fmt.Errorf("update email log: %w", err)
	}
	return nil
}

func (s *Store) SupersedeLogs(ctx context.Context, typ notify.Type, orderID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE email_logs
		SET status = 'superseded', updated_at = NOW()
		WHERE order_id = $1 AND type = $2 AND status = 'sent'`,
		orderID, typ,
	)
	if err != nil {
		return 0, fmt.Errorf("supersede email logs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
