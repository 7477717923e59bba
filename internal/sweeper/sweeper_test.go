package sweeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bissquit/soc-garden/internal/domain"
	"github.com/bissquit/soc-garden/internal/notifications"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockTickets struct {
	tickets   []*domain.Ticket
	remaining map[string]time.Duration
	slaErrs   map[string]error
	listErr   error
}

func (m *mockTickets) ListOpenTickets(_ context.Context) ([]*domain.Ticket, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.tickets, nil
}

func (m *mockTickets) SLARemaining(_ context.Context, ticketID string) (time.Duration, error) {
	if err := m.slaErrs[ticketID]; err != nil {
		return 0, err
	}
	return m.remaining[ticketID], nil
}

type mockSender struct {
	sent    []notifications.Notification
	sendErr error
}

func (m *mockSender) Send(_ context.Context, n notifications.Notification) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, n)
	return nil
}

func openTicket(id string, deadline *time.Time) *domain.Ticket {
	return &domain.Ticket{
		ID:         id,
		IncidentID: "inc-" + id,
		Status:     domain.TicketStatusInProgress,
		DeadlineAt: deadline,
	}
}

func pastDeadline() *time.Time {
	d := time.Now().Add(-time.Hour)
	return &d
}

func alertingConfig() Config {
	cfg := DefaultConfig()
	cfg.OpsAddress = "ops@example.com"
	return cfg
}

func TestSweep(t *testing.T) {
	t.Run("breached ticket triggers alert", func(t *testing.T) {
		// Arrange
		tickets := &mockTickets{
			tickets:   []*domain.Ticket{openTicket("t-1", pastDeadline())},
			remaining: map[string]time.Duration{"t-1": 0},
		}
		sender := &mockSender{}
		s := New(alertingConfig(), tickets, sender)

		// Act
		err := s.Sweep(context.Background())

		// Assert
		require.NoError(t, err)
		require.Len(t, sender.sent, 1)
		assert.Equal(t, "ops@example.com", sender.sent[0].To)
		assert.Contains(t, sender.sent[0].Subject, "t-1")
		assert.Contains(t, sender.sent[0].Body, "inc-t-1")
	})

	t.Run("ticket within sla is not alerted", func(t *testing.T) {
		// Arrange
		future := time.Now().Add(2 * time.Hour)
		tickets := &mockTickets{
			tickets:   []*domain.Ticket{openTicket("t-1", &future)},
			remaining: map[string]time.Duration{"t-1": 2 * time.Hour},
		}
		sender := &mockSender{}
		s := New(alertingConfig(), tickets, sender)

		// Act
		err := s.Sweep(context.Background())

		// Assert
		require.NoError(t, err)
		assert.Empty(t, sender.sent)
	})

	t.Run("ticket without deadline is skipped", func(t *testing.T) {
		// Arrange
		tickets := &mockTickets{
			tickets:   []*domain.Ticket{openTicket("t-1", nil)},
			remaining: map[string]time.Duration{"t-1": 0},
		}
		sender := &mockSender{}
		s := New(alertingConfig(), tickets, sender)

		// Act
		err := s.Sweep(context.Background())

		// Assert
		require.NoError(t, err)
		assert.Empty(t, sender.sent)
	})

	t.Run("recomputation failure skips only that ticket", func(t *testing.T) {
		// Arrange
		tickets := &mockTickets{
			tickets: []*domain.Ticket{
				openTicket("t-1", pastDeadline()),
				openTicket("t-2", pastDeadline()),
			},
			remaining: map[string]time.Duration{"t-2": 0},
			slaErrs:   map[string]error{"t-1": errors.New("ticket gone")},
		}
		sender := &mockSender{}
		s := New(alertingConfig(), tickets, sender)

		// Act
		err := s.Sweep(context.Background())

		// Assert
		require.NoError(t, err)
		require.Len(t, sender.sent, 1)
		assert.Contains(t, sender.sent[0].Subject, "t-2")
	})

	t.Run("list failure is returned", func(t *testing.T) {
		// Arrange
		tickets := &mockTickets{listErr: errors.New("db down")}
		s := New(alertingConfig(), tickets, &mockSender{})

		// Act
		err := s.Sweep(context.Background())

		// Assert
		assert.Error(t, err)
	})

	t.Run("alert failure is swallowed", func(t *testing.T) {
		// Arrange
		tickets := &mockTickets{
			tickets:   []*domain.Ticket{openTicket("t-1", pastDeadline())},
			remaining: map[string]time.Duration{"t-1": 0},
		}
		sender := &mockSender{sendErr: errors.New("smtp down")}
		s := New(alertingConfig(), tickets, sender)

		// Act
		err := s.Sweep(context.Background())

		// Assert
		assert.NoError(t, err)
	})

	t.Run("nil sender only counts breaches", func(t *testing.T) {
		// Arrange
		tickets := &mockTickets{
			tickets:   []*domain.Ticket{openTicket("t-1", pastDeadline())},
			remaining: map[string]time.Duration{"t-1": 0},
		}
		s := New(alertingConfig(), tickets, nil)

		// Act
		err := s.Sweep(context.Background())

		// Assert
		assert.NoError(t, err)
	})

	t.Run("empty ops address disables alerting", func(t *testing.T) {
		// Arrange
		tickets := &mockTickets{
			tickets:   []*domain.Ticket{openTicket("t-1", pastDeadline())},
			remaining: map[string]time.Duration{"t-1": 0},
		}
		sender := &mockSender{}
		s := New(DefaultConfig(), tickets, sender)

		// Act
		err := s.Sweep(context.Background())

		// Assert
		require.NoError(t, err)
		assert.Empty(t, sender.sent)
	})
}

func TestSweep_AlertsAreRateLimited(t *testing.T) {
	// Arrange
	var open []*domain.Ticket
	remaining := map[string]time.Duration{}
	for _, id := range []string{"t-1", "t-2", "t-3", "t-4", "t-5"} {
		open = append(open, openTicket(id, pastDeadline()))
		remaining[id] = 0
	}
	cfg := alertingConfig()
	cfg.AlertsPerMinute = 2
	sender := &mockSender{}
	s := New(cfg, &mockTickets{tickets: open, remaining: remaining}, sender)

	// Act
	err := s.Sweep(context.Background())

	// Assert
	require.NoError(t, err)
	assert.Len(t, sender.sent, 2)
}

func TestStartStop(t *testing.T) {
	// Arrange
	cfg := DefaultConfig()
	cfg.Interval = 10 * time.Millisecond
	tickets := &mockTickets{}
	s := New(cfg, tickets, nil)

	// Act
	s.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	s.Stop()

	// Assert: Stop returned, so the loop exited cleanly.
}
