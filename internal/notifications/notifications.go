// Package notifications delivers outbound messages to incident clients.
// Delivery failures are reported to callers, which log and swallow them;
// a notification outage never rolls back a workflow transition.
package notifications

import (
	"context"
	"fmt"

	"github.com/bissquit/soc-garden/internal/domain"
	"github.com/bissquit/soc-garden/internal/pkg/metrics"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Notification is a single outbound message.
type Notification struct {
	To      string
	Subject string
	Body    string
}

// Sender delivers a notification over one channel.
type Sender interface {
	Send(ctx context.Context, notification Notification) error
}

// ClientNotifier renders and sends incident updates to clients.
type ClientNotifier struct {
	sender Sender
}

// NewClientNotifier creates a new client notifier.
func NewClientNotifier(sender Sender) *ClientNotifier {
	return &ClientNotifier{sender: sender}
}

// NotifyClient sends the incident classification message to the client's
// contact address. A client without a contact email is a delivery failure.
func (n *ClientNotifier) NotifyClient(ctx context.Context, client *domain.Client, incident *domain.Incident, classification, action string) error {
	if client.ContactEmail == "" {
		metrics.NotificationsSent.WithLabelValues("failure").Inc()
		return fmt.Errorf("client %s has no contact email", client.ID)
	}

	subject, body := renderClassification(incident, classification, action)
	err := n.sender.Send(ctx, Notification{
		To:      client.ContactEmail,
		Subject: subject,
		Body:    body,
	})
	if err != nil {
		metrics.NotificationsSent.WithLabelValues("failure").Inc()
		return fmt.Errorf("send notification: %w", err)
	}

	metrics.NotificationsSent.WithLabelValues("success").Inc()
	return nil
}

// renderClassification builds the subject and body of a classification
// notice.
func renderClassification(incident *domain.Incident, classification, action string) (string, string) {
	if action == "" {
		action = "Review"
	}

	titler := cases.Title(language.English)
	subject := fmt.Sprintf("Incident %s Update - %s Severity", incident.ID, titler.String(string(incident.Severity)))
	body := fmt.Sprintf(
		"Incident %s has been classified as %s.\nRecommended action: %s\n",
		incident.ID, classification, action,
	)
	return subject, body
}
