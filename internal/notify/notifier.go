// Package notify implements the idempotent notification mechanism:
// every attempted send is recorded in the email log, and for
// idempotent types a prior successful send blocks repeats until an
// admin explicitly supersedes it.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeConfirmation      Type = "confirmation"
	TypeDownload          Type = "download"
	TypeCoaching          Type = "coaching"
	TypeRefund            Type = "refund"
	TypeReminder          Type = "reminder"
	TypeInstallmentFailed Type = "installment_failed"
)

type LogStatus string

const (
	LogPending    LogStatus = "pending"
	LogSent       LogStatus = "sent"
	LogFailed     LogStatus = "failed"
	LogSuperseded LogStatus = "superseded"
)

var ErrSendFailed = errors.New("email send failed")

type EmailLog struct {
	ID        string
	Type      Type
	OrderID   string
	Recipient string
	Status    LogStatus
	MessageID string
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Sender delivers one email and returns the provider message id.
type Sender interface {
	Send(ctx context.Context, to, subject, html string) (string, error)
}

type LogStore interface {
	HasSent(ctx context.Context, typ Type, orderID string) (bool, error)
	InsertLog(ctx context.Context, entry *EmailLog) error
	UpdateLog(ctx context.Context, id string, status LogStatus, messageID, errText string) error
	// SupersedeLogs marks prior sent logs for (typ, orderID) as
	// superseded and returns how many were affected.
	SupersedeLogs(ctx context.Context, typ Type, orderID string) (int, error)
}

type Notifier struct {
	store  LogStore
	sender Sender
	logger *slog.Logger
}

func NewNotifier(store LogStore, sender Sender, logger *slog.Logger) *Notifier {
	return &Notifier{store: store, sender: sender, logger: logger}
}

// idempotent types have at-most-one successful delivery per
// (type, order) pair. Reminders are deduplicated per session by the
// sweep itself, and installment failures recur by nature.
func idempotent(typ Type) bool {
	switch typ {
	case TypeConfirmation, TypeDownload, TypeCoaching, TypeRefund:
		return true
	}
	return false
}

// Send attempts one delivery, recording the outcome in the email log.
// For idempotent types a previous successful send short-circuits to a
// no-op. A transport failure is recorded and returned to the caller;
// callers on best-effort paths log it and move on.
func (n *Notifier) Send(ctx context.Context, typ Type, orderID, recipient, subject, html string) error {
	if idempotent(typ) {
		sent, err := n.store.HasSent(ctx, typ, orderID)
		if err != nil {
			return fmt.Errorf("check email log: %w", err)
		}
		if sent {
			n.logger.Info("notification already sent, skipping", "type", typ, "order_id", orderID)
			return nil
		}
	}

	now := time.Now().UTC()
	entry := &EmailLog{
		ID:        uuid.NewString(),
		Type:      typ,
		OrderID:   orderID,
		Recipient: recipient,
		Status:    LogPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := n.store.InsertLog(ctx, entry); err != nil {
		return fmt.Errorf("insert email log: %w", err)
	}

	messageID, sendErr := n.sender.Send(ctx, recipient, subject, html)
	if sendErr != nil {
		if err := n.store.UpdateLog(ctx, entry.ID, LogFailed, "", truncate(sendErr.Error(), 500)); err != nil {
			n.logger.Error("update email log", "log_id", entry.ID, "err", err)
		}
		return fmt.Errorf("%w: %v", ErrSendFailed, sendErr)
	}

	if err := n.store.UpdateLog(ctx, entry.ID, LogSent, messageID, ""); err != nil {
		n.logger.Error("update email log", "log_id", entry.ID, "err", err)
	}
	return nil
}

// Resend is the only sanctioned bypass of the idempotency guard: it
// supersedes prior sent logs for the pair and sends again.
func (n *Notifier) Resend(ctx context.Context, typ Type, orderID, recipient, subject, html string) error {
	superseded, err := n.store.SupersedeLogs(ctx, typ, orderID)
	if err != nil {
		return fmt.Errorf("supersede email logs: %w", err)
	}
	n.logger.Info("resending notification", "type", typ, "order_id", orderID, "superseded", superseded)
	return n.Send(ctx, typ, orderID, recipient, subject, html)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
