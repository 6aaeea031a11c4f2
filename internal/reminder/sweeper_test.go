package reminder

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keynote/internal/notify"
)

type fakeStore struct {
	mu      sync.Mutex
	due     []Reminder
	claimed map[string]bool
}

func newFakeStore(due ...Reminder) *fakeStore {
	return &fakeStore{due: due, claimed: make(map[string]bool)}
}

func (s *fakeStore) DueReminders(ctx context.Context, from, to time.Time) ([]Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Reminder
	for _, r := range s.due {
		if s.claimed[r.RegistrationID+"/"+r.SessionID] {
			continue
		}
		if !r.StartsAt.Before(from) && r.StartsAt.Before(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeStore) ClaimReminder(ctx context.Context, registrationID, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := registrationID + "/" + sessionID
	if s.claimed[key] {
		return false, nil
	}
	s.claimed[key] = true
	return true, nil
}

type captureNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (n *captureNotifier) Send(ctx context.Context, typ notify.Type, orderID, recipient, subject, html string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, orderID)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSweepSendsWithinWindow(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	store := newFakeStore(
		Reminder{RegistrationID: "r1", SessionID: "s1", OrderID: "o1", Email: "a@b.co", Name: "A", EventTitle: "Summit", SessionTitle: "Opening", StartsAt: now.Add(24 * time.Hour)},
		Reminder{RegistrationID: "r2", SessionID: "s1", OrderID: "o2", Email: "c@d.co", Name: "C", EventTitle: "Summit", SessionTitle: "Opening", StartsAt: now.Add(24 * time.Hour)},
		Reminder{RegistrationID: "r3", SessionID: "s2", OrderID: "o3", Email: "e@f.co", Name: "E", EventTitle: "Summit", SessionTitle: "Closing", StartsAt: now.Add(48 * time.Hour)},
	)
	notifier := &captureNotifier{}
	sw := NewSweeper(store, notifier, time.Minute, testLogger())

	require.NoError(t, sw.Sweep(context.Background(), now))
	assert.ElementsMatch(t, []string{"o1", "o2"}, notifier.sent, "only sessions 23-25h out get reminded")
}

func TestSweepDoesNotDoubleSend(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	store := newFakeStore(
		Reminder{RegistrationID: "r1", SessionID: "s1", OrderID: "o1", Email: "a@b.co", Name: "A", EventTitle: "Summit", SessionTitle: "Opening", StartsAt: now.Add(24 * time.Hour)},
	)
	notifier := &captureNotifier{}
	sw := NewSweeper(store, notifier, time.Minute, testLogger())

	require.NoError(t, sw.Sweep(context.Background(), now))
	require.NoError(t, sw.Sweep(context.Background(), now.Add(30*time.Minute)))

	assert.Len(t, notifier.sent, 1, "a claimed reminder must not be sent again")
}

func TestSweepWindowEdges(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	store := newFakeStore(
		Reminder{RegistrationID: "early", SessionID: "s", OrderID: "early", StartsAt: now.Add(22 * time.Hour)},
		Reminder{RegistrationID: "low", SessionID: "s", OrderID: "low", StartsAt: now.Add(23 * time.Hour)},
		Reminder{RegistrationID: "late", SessionID: "s", OrderID: "late", StartsAt: now.Add(25 * time.Hour)},
	)
	notifier := &captureNotifier{}
	sw := NewSweeper(store, notifier, time.Minute, testLogger())

	require.NoError(t, sw.Sweep(context.Background(), now))
	assert.Equal(t, []string{"low"}, notifier.sent, "window is inclusive at 23h and exclusive at 25h")
}
