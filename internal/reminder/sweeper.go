// Package reminder sends session reminders roughly one day ahead. The
// sweep is periodic and crash-safe: a reminder is claimed with a
// conditional insert before it is sent, so restarts and overlapping
// sweeps never double-send for the same registration and session.
package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"keynote/internal/notify"
)

// Reminder is one due (registration, session) pair joined with the
// details the email needs.
type Reminder struct {
	RegistrationID string
	SessionID      string
	OrderID        string
	Email          string
	Name           string
	Seats          int
	EventTitle     string
	SessionTitle   string
	StartsAt       time.Time
	MeetingLink    string
}

type Store interface {
	// DueReminders returns unsent reminders for sessions starting in
	// [from, to), for registrations whose orders are still paid.
	DueReminders(ctx context.Context, from, to time.Time) ([]Reminder, error)
	// ClaimReminder records the (registration, session) pair as
	// reminded. It reports false when another sweep got there first.
	ClaimReminder(ctx context.Context, registrationID, sessionID string) (bool, error)
}

type Notifier interface {
	Send(ctx context.Context, typ notify.Type, orderID, recipient, subject, html string) error
}

type Sweeper struct {
	store    Store
	notifier Notifier
	interval time.Duration
	logger   *slog.Logger
}

func NewSweeper(store Store, notifier Notifier, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:    store,
		notifier: notifier,
		interval: interval,
		logger:   logger,
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	go s.loop(ctx)
}

func (s *Sweeper) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.Sweep(ctx, time.Now().UTC()); err != nil {
			s.logger.Error("reminder sweep failed", "err", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep sends reminders for sessions starting 23 to 25 hours from now.
// The two-hour window tolerates sweep jitter and short outages without
// re-reminding: the claim, not the window, is what deduplicates.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) error {
	from := now.Add(23 * time.Hour)
	to := now.Add(25 * time.Hour)

	due, err := s.store.DueReminders(ctx, from, to)
	if err != nil {
		return fmt.Errorf("query due reminders: %w", err)
	}

	for _, r := range due {
		claimed, err := s.store.ClaimReminder(ctx, r.RegistrationID, r.SessionID)
		if err != nil {
			s.logger.Error("claim reminder", "registration_id", r.RegistrationID, "session_id", r.SessionID, "err", err)
			continue
		}
		if !claimed {
			continue
		}

		subject, html := composeReminder(r)
		if err := s.notifier.Send(ctx, notify.TypeReminder, r.OrderID, r.Email, subject, html); err != nil {
			s.logger.Error("send reminder", "order_id", r.OrderID, "session_id", r.SessionID, "err", err)
		}
	}
	return nil
}

func composeReminder(r Reminder) (string, string) {
	subject := fmt.Sprintf("Reminder: %s is tomorrow", r.EventTitle)

	var b strings.Builder
	fmt.Fprintf(&b, "<p>Hi %s,</p><p><strong>%s</strong> starts tomorrow.</p>", r.Name, r.EventTitle)
	fmt.Fprintf(&b, "<p>%s: %s</p>", r.SessionTitle, r.StartsAt.Format("2 January 2006, 15:04 MST"))
	if r.MeetingLink != "" {
		fmt.Fprintf(&b, "<p><a href=%q>Join link</a></p>", r.MeetingLink)
	}
	return subject, b.String()
}
