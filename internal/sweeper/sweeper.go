// Package sweeper periodically recomputes SLA remaining time for open
// tickets and flags deadline breaches. It is an external caller of the
// workflow's SLARemaining operation, not part of the state machine itself.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bissquit/soc-garden/internal/domain"
	"github.com/bissquit/soc-garden/internal/notifications"
	"github.com/bissquit/soc-garden/internal/pkg/metrics"
	"golang.org/x/time/rate"
)

// TicketSweep is the slice of the workflow service the sweeper needs.
type TicketSweep interface {
	ListOpenTickets(ctx context.Context) ([]*domain.Ticket, error)
	SLARemaining(ctx context.Context, ticketID string) (time.Duration, error)
}

// Config contains sweeper configuration.
type Config struct {
	Interval time.Duration
	// OpsAddress receives breach alerts. Empty disables alerting.
	OpsAddress string
	// AlertsPerMinute caps breach alerts so a mass breach cannot flood the
	// notification channel.
	AlertsPerMinute int
}

// DefaultConfig returns default sweeper configuration.
func DefaultConfig() Config {
	return Config{
		Interval:        time.Minute,
		AlertsPerMinute: 10,
	}
}

// Sweeper runs the periodic SLA breach sweep.
type Sweeper struct {
	config  Config
	tickets TicketSweep
	sender  notifications.Sender
	limiter *rate.Limiter

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a new sweeper. sender may be nil; breaches are then only
// counted and logged.
func New(config Config, tickets TicketSweep, sender notifications.Sender) *Sweeper {
	perMinute := config.AlertsPerMinute
	if perMinute <= 0 {
		perMinute = 10
	}
	return &Sweeper{
		config:  config,
		tickets: tickets,
		sender:  sender,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	slog.Info("starting sla sweeper", "interval", s.config.Interval)
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop gracefully stops the sweeper.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	slog.Info("sla sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				slog.Error("sla sweep failed", "error", err)
			}
		}
	}
}

// Sweep recomputes SLA remaining for every open ticket and reports tickets
// past their deadline.
func (s *Sweeper) Sweep(ctx context.Context) error {
	tickets, err := s.tickets.ListOpenTickets(ctx)
	if err != nil {
		return fmt.Errorf("list open tickets: %w", err)
	}

	breached := 0
	for _, ticket := range tickets {
		remaining, err := s.tickets.SLARemaining(ctx, ticket.ID)
		if err != nil {
			slog.Error("sla recomputation failed", "ticket_id", ticket.ID, "error", err)
			continue
		}
		if remaining > 0 || ticket.DeadlineAt == nil {
			continue
		}

		breached++
		metrics.SLABreaches.Inc()
		s.alert(ctx, ticket)
	}

	if breached > 0 {
		slog.Warn("sla sweep found breached tickets", "count", breached, "open", len(tickets))
	}
	return nil
}

// alert sends a breach notification, bounded by the rate limiter. Failures
// are logged and swallowed.
func (s *Sweeper) alert(ctx context.Context, ticket *domain.Ticket) {
	if s.sender == nil || s.config.OpsAddress == "" {
		return
	}
	if !s.limiter.Allow() {
		slog.Debug("breach alert suppressed by rate limit", "ticket_id", ticket.ID)
		return
	}

	err := s.sender.Send(ctx, notifications.Notification{
		To:      s.config.OpsAddress,
		Subject: fmt.Sprintf("SLA breached for ticket %s", ticket.ID),
		Body: fmt.Sprintf(
			"Ticket %s (incident %s) passed its SLA deadline at %s and is still %s.\n",
			ticket.ID, ticket.IncidentID, ticket.DeadlineAt.Format(time.RFC3339), ticket.Status,
		),
	})
	if err != nil {
		slog.Error("breach alert failed", "ticket_id", ticket.ID, "error", err)
	}
}
