// Package notify emails the people added to an opportunity when an
// assignment set changes.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/dealerdesk/crm-backend/pkg/delta"
	"github.com/dealerdesk/crm-backend/pkg/logger"
	"github.com/dealerdesk/crm-backend/pkg/models"
)

// Notifier is an assignment-change listener. It satisfies the event
// dispatcher interface so it can ride the same fanout as webhooks; all
// events other than assignment are ignored.
type Notifier struct {
	fromEmail   string
	fromName    string
	emailDomain string
	sendGridKey string
	useSendGrid bool
	log         logger.Logger
}

// NewNotifier creates an assignment notifier. If sendGridAPIKey is
// empty, notifications are logged instead of sent (development mode).
func NewNotifier(fromEmail, fromName, emailDomain, sendGridAPIKey string, log logger.Logger) *Notifier {
	if log == nil {
		log = logger.Nop()
	}
	return &Notifier{
		fromEmail:   fromEmail,
		fromName:    fromName,
		emailDomain: emailDomain,
		sendGridKey: sendGridAPIKey,
		useSendGrid: sendGridAPIKey != "",
		log:         log,
	}
}

func (n *Notifier) OpportunityCreated(context.Context, *models.Opportunity) error {
	return nil
}

func (n *Notifier) OpportunityUpdated(context.Context, *models.Opportunity, delta.ChangeSet) error {
	return nil
}

func (n *Notifier) OpportunityStatusUpdated(context.Context, *models.Opportunity, string) error {
	return nil
}

func (n *Notifier) OpportunitySubStatusUpdated(context.Context, *models.Opportunity) error {
	return nil
}

func (n *Notifier) OpportunityDeleted(context.Context, *models.Opportunity) error {
	return nil
}

// OpportunityAssignment emails every member of the changed assignment
// set. Member usernames without a mailbox part get the configured
// corporate domain appended.
func (n *Notifier) OpportunityAssignment(ctx context.Context, o *models.Opportunity, field string, members []string) error {
	subject := fmt.Sprintf("Opportunity assignment: %s", o.CustomerName)
	role := roleLabel(field)

	for _, member := range members {
		address := n.address(member)
		if address == "" {
			continue
		}

		html := fmt.Sprintf(`
		<html>
		<body>
			<h2>New Assignment</h2>
			<p>Hi %s,</p>
			<p>You have been added as a <strong>%s</strong> on an opportunity for <strong>%s</strong> at %s.</p>
			<p>Opportunity ID: %s</p>
		</body>
		</html>
	`, member, role, o.CustomerName, o.DealerName, o.ID.Hex())

		plain := fmt.Sprintf(`Hi %s,

You have been added as a %s on an opportunity for %s at %s.

Opportunity ID: %s
`, member, role, o.CustomerName, o.DealerName, o.ID.Hex())

		if !n.useSendGrid {
			n.log.Info("assignment email skipped (development mode)", "to", address, "field", field, "opportunity_id", o.ID.Hex())
			continue
		}
		if err := n.send(ctx, address, member, subject, html, plain); err != nil {
			return err
		}
	}
	return nil
}

// address turns a member username into a mailable address.
func (n *Notifier) address(member string) string {
	member = strings.TrimSpace(member)
	if member == "" {
		return ""
	}
	if strings.Contains(member, "@") {
		return member
	}
	if n.emailDomain == "" {
		return ""
	}
	return member + "@" + n.emailDomain
}

// roleLabel humanizes an assignment field name for email copy.
func roleLabel(field string) string {
	label := strings.TrimSuffix(field, "s")
	return strings.ReplaceAll(label, "_", " ")
}

func (n *Notifier) send(ctx context.Context, toEmail, toName, subject, htmlBody, plainBody string) error {
	from := mail.NewEmail(n.fromName, n.fromEmail)
	to := mail.NewEmail(toName, toEmail)
	message := mail.NewSingleEmail(from, subject, to, plainBody, htmlBody)

	client := sendgrid.NewSendClient(n.sendGridKey)
	response, err := client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	if response.StatusCode >= 400 {
		return fmt.Errorf("sendgrid returned error status: %d", response.StatusCode)
	}

	n.log.Debug("assignment email sent", "to", toEmail, "status", response.StatusCode)
	return nil
}
